package agent

import (
	"fmt"
	"time"

	"browseragent/internal/facts"
)

// PageDiagnostics enriches a failing action's log line with facts already
// flowing through the shared facts.Engine: toast notifications the probe's
// injected hooks observed, and console/network errors that plausibly caused
// a selector-not-found failure. It draws from the same fact vocabulary
// DiagnosePageTool's causal joins use (console_event, net_response,
// toast_notification), but just checks a narrow recent window instead of
// running error_chain/caused_by joins over the whole session.
type PageDiagnostics struct {
	Engine *facts.Engine
	Window time.Duration
}

// NewPageDiagnostics returns nil when no engine is wired, so callers can
// hold an always-safe *PageDiagnostics.
func NewPageDiagnostics(engine *facts.Engine, window time.Duration) *PageDiagnostics {
	if engine == nil {
		return nil
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &PageDiagnostics{Engine: engine, Window: window}
}

// RecentToasts returns any toast/notification facts observed in the last
// Window, formatted for an action log line.
func (p *PageDiagnostics) RecentToasts() []string {
	if p == nil || p.Engine == nil {
		return nil
	}
	now := time.Now()
	var lines []string
	for _, f := range p.Engine.QueryTemporal("toast_notification", now.Add(-p.Window), now) {
		if len(f.Args) < 3 {
			continue
		}
		lines = append(lines, fmt.Sprintf("toast[%v]: %v (%v)", f.Args[1], f.Args[0], f.Args[2]))
	}
	return lines
}

// RecentFailureCauses looks for a console error or a failing (4xx/5xx)
// network response in the last Window, a cheaper proxy for the
// error_chain/caused_by joins DiagnosePageTool runs against the full
// session: "is there anything recent that explains this" rather than a
// full causal report.
func (p *PageDiagnostics) RecentFailureCauses() []string {
	if p == nil || p.Engine == nil {
		return nil
	}
	now := time.Now()
	var lines []string
	for _, f := range p.Engine.QueryTemporal("console_event", now.Add(-p.Window), now) {
		if len(f.Args) < 2 {
			continue
		}
		level := fmt.Sprintf("%v", f.Args[0])
		if level != "error" && level != "ERROR" {
			continue
		}
		lines = append(lines, fmt.Sprintf("console[error]: %v", f.Args[1]))
	}
	for _, f := range p.Engine.QueryTemporal("net_response", now.Add(-p.Window), now) {
		if len(f.Args) < 2 {
			continue
		}
		status := fmt.Sprintf("%v", f.Args[1])
		if status == "" || status[0] != '5' && status[0] != '4' {
			continue
		}
		lines = append(lines, fmt.Sprintf("net_response[%v]: %v", status, f.Args[0]))
	}
	return lines
}
