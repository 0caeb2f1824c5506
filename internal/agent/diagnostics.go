package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"browseragent/internal/docker"
)

// DockerDiagnostics is the loop's opt-in companion to internal/docker: when
// configured, it looks back at container logs around the time a step failed
// and surfaces any log lines that carry a request/trace id, the same
// correlation trick the MCP introspection server runs against live traffic
// facts. A nil *DockerDiagnostics is always a no-op, so callers can wire it
// unconditionally.
type DockerDiagnostics struct {
	Client   *docker.Client
	Lookback time.Duration
}

// NewDockerDiagnostics returns nil when there are no containers configured,
// matching the gating in config.DockerConfig.Enabled one level up.
func NewDockerDiagnostics(containers []string, lookback time.Duration, host string) *DockerDiagnostics {
	if len(containers) == 0 {
		return nil
	}
	if lookback <= 0 {
		lookback = 30 * time.Second
	}
	return &DockerDiagnostics{
		Client:   docker.NewClient(containers, lookback, host),
		Lookback: lookback,
	}
}

// correlatableKinds are the failure sentinels plausibly caused by something
// that also shows up in backend or container logs, as opposed to failures
// that are purely about the page or the model provider's own reply.
func correlatableKind(kind error) bool {
	switch kind {
	case ErrProviderTransport, ErrFrameTimeout:
		return true
	default:
		return false
	}
}

// Correlate queries the configured containers for recent error/warning log
// lines and returns any that carry a correlation key (request id,
// correlation id, trace id), formatted for inclusion in an action log or
// error report. A Docker query failure is swallowed: correlation is
// best-effort context, never load-bearing for error reporting.
func (d *DockerDiagnostics) Correlate(ctx context.Context) []string {
	if d == nil || d.Client == nil {
		return nil
	}
	logs, err := d.Client.QueryLogs(ctx, time.Now().Add(-d.Lookback))
	if err != nil || len(logs) == 0 {
		return nil
	}
	return formatCorrelatedLogs(d.Client, logs)
}

// formatCorrelatedLogs filters logs down to error/warning entries and keeps
// only the ones carrying a correlation key, formatted for a log line. Split
// out from Correlate so the formatting can be exercised without shelling
// out to the docker CLI.
func formatCorrelatedLogs(client *docker.Client, logs []docker.LogEntry) []string {
	var lines []string
	for _, entry := range client.FilterErrors(logs) {
		keys := docker.ExtractCorrelationKeys(entry.Message)
		if len(keys) == 0 {
			continue
		}
		keyDesc := make([]string, 0, len(keys))
		for _, k := range keys {
			keyDesc = append(keyDesc, k.Type+"="+k.Value)
		}
		lines = append(lines, fmt.Sprintf("%s[%s]: %s (%s)", entry.Container, entry.Level, entry.Message, strings.Join(keyDesc, ", ")))
	}
	return lines
}

// Annotate enriches le in place with correlated container log lines, when
// le's Kind is one Correlate applies to. Safe to call with a nil receiver or
// a nil le.
func (d *DockerDiagnostics) Annotate(ctx context.Context, le *LoopError) {
	if d == nil || le == nil || !correlatableKind(le.Kind) {
		return
	}
	if lines := d.Correlate(ctx); len(lines) > 0 {
		le.Correlated = lines
	}
}
