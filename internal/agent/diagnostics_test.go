package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"browseragent/internal/docker"
)

func TestNewDockerDiagnosticsNilWithNoContainers(t *testing.T) {
	if d := NewDockerDiagnostics(nil, time.Second, ""); d != nil {
		t.Fatal("expected nil diagnostics when no containers are configured")
	}
}

func TestNewDockerDiagnosticsDefaultsLookback(t *testing.T) {
	d := NewDockerDiagnostics([]string{"backend"}, 0, "")
	if d.Lookback != 30*time.Second {
		t.Fatalf("expected default 30s lookback, got %v", d.Lookback)
	}
}

func TestFormatCorrelatedLogsKeepsOnlyKeyedErrorsAndWarnings(t *testing.T) {
	client := docker.NewClient([]string{"backend"}, time.Minute, "")
	logs := []docker.LogEntry{
		{Container: "backend", Level: "INFO", Message: "server started"},
		{Container: "backend", Level: "ERROR", Message: "request failed request_id=abc123"},
		{Container: "backend", Level: "WARNING", Message: "slow query, no id here"},
	}

	lines := formatCorrelatedLogs(client, logs)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one keyed error line, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "request_id=abc123") {
		t.Fatalf("expected the correlation key in the formatted line, got: %s", lines[0])
	}
	if !strings.Contains(lines[0], "backend[ERROR]") {
		t.Fatalf("expected container and level prefix, got: %s", lines[0])
	}
}

func TestFormatCorrelatedLogsReturnsNilWhenNothingMatches(t *testing.T) {
	client := docker.NewClient([]string{"backend"}, time.Minute, "")
	logs := []docker.LogEntry{
		{Container: "backend", Level: "ERROR", Message: "no correlation key in this line"},
	}
	if lines := formatCorrelatedLogs(client, logs); lines != nil {
		t.Fatalf("expected no lines when nothing carries a correlation key, got: %v", lines)
	}
}

func TestCorrelateIsNoOpWithoutConfiguredContainers(t *testing.T) {
	var d *DockerDiagnostics
	if lines := d.Correlate(context.Background()); lines != nil {
		t.Fatalf("expected nil diagnostics to no-op, got: %v", lines)
	}

	empty := &DockerDiagnostics{}
	if lines := empty.Correlate(context.Background()); lines != nil {
		t.Fatalf("expected a diagnostics with no client to no-op, got: %v", lines)
	}
}

func TestAnnotateOnlyAppliesToCorrelatableKinds(t *testing.T) {
	le := &LoopError{Kind: ErrProviderAuth, Message: "bad key"}
	var d *DockerDiagnostics
	d.Annotate(context.Background(), le)
	if le.Correlated != nil {
		t.Fatal("expected a nil diagnostics collaborator never to annotate")
	}

	if correlatableKind(ErrProviderAuth) {
		t.Fatal("expected provider-auth failures not to be docker-correlatable")
	}
	if !correlatableKind(ErrFrameTimeout) || !correlatableKind(ErrProviderTransport) {
		t.Fatal("expected frame-timeout and provider-transport failures to be docker-correlatable")
	}
}

func TestAnnotateToleratesNilLoopError(t *testing.T) {
	d := NewDockerDiagnostics([]string{"backend"}, time.Second, "")
	d.Annotate(context.Background(), nil)
}

func TestLoopErrorMessageIncludesCorrelatedCount(t *testing.T) {
	le := &LoopError{Kind: ErrFrameTimeout, Message: "deadline exceeded", Correlated: []string{"backend[ERROR]: x (request_id=1)"}}
	msg := le.Error()
	if !strings.Contains(msg, "deadline exceeded") || !strings.Contains(msg, "1 correlated container log line") {
		t.Fatalf("unexpected error message: %q", msg)
	}
}
