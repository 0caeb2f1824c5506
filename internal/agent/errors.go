package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the error taxonomy surfaced to callers of the
// loop. A caller matches with errors.Is; the loop itself decides which of
// these abort a command versus degrade a single frame or action.
var (
	ErrConfigurationMissing = errors.New("configuration-missing")
	ErrProviderAuth         = errors.New("provider-auth")
	ErrProviderModelMissing = errors.New("provider-model-missing")
	ErrProviderTransport    = errors.New("provider-transport")
	ErrProviderJSONValidate = errors.New("provider-json-validate")
	ErrFrameTimeout         = errors.New("frame-timeout")
	ErrSelectorNotFound     = errors.New("selector-not-found")
	ErrDragFailed           = errors.New("drag-failed")
	ErrScreenshotFailed     = errors.New("screenshot-failed")
	ErrCancelledByUser      = errors.New("cancelled-by-user")
	ErrBusy                 = errors.New("busy")
)

// LoopError wraps a sentinel with a human-readable detail string, the same
// shape internal/llm uses for its own dispatch errors. Correlated is filled
// in by DockerDiagnostics for failure kinds that plausibly have a
// server-side counterpart; it stays nil when Docker integration is off or
// nothing matched.
type LoopError struct {
	Kind       error
	Message    string
	Correlated []string
}

func (e *LoopError) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Correlated) > 0 {
		msg += fmt.Sprintf(" (%d correlated container log line(s))", len(e.Correlated))
	}
	return msg
}

func (e *LoopError) Unwrap() error { return e.Kind }
