// Package docker shells out to `docker logs` for the backend containers
// behind the page a command is driving, so a selector-not-found or
// provider-transport failure can be correlated against whatever the
// application's own server logged around the same time.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// LogEntry is one parsed line of backend container output.
type LogEntry struct {
	Container string    `json:"container"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`   // ERROR, WARNING, INFO
	Tag       string    `json:"tag"`     // bracketed tag, if the line carried one
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Client queries `docker logs` for a fixed set of containers.
type Client struct {
	containers []string
	logWindow  time.Duration
	host       string
}

// NewClient builds a log client for the given containers. host, if set, is
// passed to `docker -H` (a remote Docker daemon).
func NewClient(containers []string, logWindow time.Duration, host string) *Client {
	return &Client{containers: containers, logWindow: logWindow, host: host}
}

// QueryLogs fetches and parses logs from every configured container since
// the given time. A container that fails to query is skipped rather than
// failing the whole call: backend correlation is best-effort context for an
// action-log line, never load-bearing.
func (c *Client) QueryLogs(ctx context.Context, since time.Time) ([]LogEntry, error) {
	var all []LogEntry
	for _, container := range c.containers {
		entries, err := c.queryContainer(ctx, container, since)
		if err != nil {
			continue
		}
		all = append(all, entries...)
	}
	return all, nil
}

func (c *Client) queryContainer(ctx context.Context, container string, since time.Time) ([]LogEntry, error) {
	args := []string{"logs", "--timestamps", "--since", since.Format(time.RFC3339)}
	if c.host != "" {
		args = append([]string{"-H", c.host}, args...)
	}
	args = append(args, container)

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker logs %s: %w (output: %s)", container, err, string(output))
	}
	return parseLogs(container, string(output)), nil
}

var (
	dockerTsPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)\s+(.*)$`)
	tagPattern      = regexp.MustCompile(`^\[([A-Z_]+)\]\s+(.*)$`)
	levelPattern    = regexp.MustCompile(`^(ERROR|WARNING|INFO|DEBUG|CRITICAL):\s*(.*)$`)
	nextjsPattern   = regexp.MustCompile(`^-\s+(error|warn|event|wait|ready)\s+(.*)$`)
)

// parseLogs turns raw `docker logs --timestamps` output for one container
// into structured entries. It recognizes the handful of line shapes a
// small web app's dev/prod server is likely to emit: a Docker RFC3339Nano
// timestamp prefix, a bracketed [TAG] convention, a bare "LEVEL: message"
// line, and Next.js's "- event/error/warn ..." dev-server lines. Anything
// else falls back to a keyword-based level guess.
func parseLogs(container, output string) []LogEntry {
	var entries []LogEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry := LogEntry{Container: container, Timestamp: time.Now(), Level: "INFO", Raw: line}
		remaining := line

		if m := dockerTsPattern.FindStringSubmatch(line); len(m) == 3 {
			if ts, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
				entry.Timestamp = ts
			}
			remaining = m[2]
		}

		switch {
		case tagMatch(&entry, remaining):
		case levelMatch(&entry, remaining):
		case nextjsMatch(&entry, remaining):
		default:
			entry.Level = inferLevelFromMessage(remaining)
			entry.Message = remaining
		}

		entries = append(entries, entry)
	}
	return entries
}

func tagMatch(entry *LogEntry, remaining string) bool {
	m := tagPattern.FindStringSubmatch(remaining)
	if len(m) != 3 {
		return false
	}
	entry.Tag = m[1]
	entry.Message = m[2]
	entry.Level = inferLevelFromTag(m[1], m[2])
	return true
}

func levelMatch(entry *LogEntry, remaining string) bool {
	m := levelPattern.FindStringSubmatch(remaining)
	if len(m) != 3 {
		return false
	}
	entry.Level = strings.ToUpper(m[1])
	entry.Message = m[2]
	return true
}

func nextjsMatch(entry *LogEntry, remaining string) bool {
	m := nextjsPattern.FindStringSubmatch(remaining)
	if len(m) != 3 {
		return false
	}
	entry.Tag = "NEXTJS"
	entry.Level = inferLevelFromNextjs(m[1])
	entry.Message = m[2]
	return true
}

func inferLevelFromTag(tag, message string) string {
	switch tag {
	case "ERROR", "CRITICAL", "FATAL", "EXCEPTION":
		return "ERROR"
	case "WARNING", "WARN":
		return "WARNING"
	default:
		return inferLevelFromMessage(message)
	}
}

func inferLevelFromNextjs(eventType string) string {
	switch strings.ToLower(eventType) {
	case "error":
		return "ERROR"
	case "warn":
		return "WARNING"
	default:
		return "INFO"
	}
}

var (
	errorPatterns = []string{
		"error", "exception", "failed", "failure", "traceback", "critical",
		"fatal", "panic", "crash", "timeout", "refused", "denied",
	}
	warningPatterns = []string{"warning", "warn", "deprecated", "slow", "retry", "fallback", "degraded"}
)

// inferLevelFromMessage guesses a level from message content when no
// structured prefix matched.
func inferLevelFromMessage(message string) string {
	msg := strings.ToLower(message)
	for _, p := range errorPatterns {
		if strings.Contains(msg, p) {
			return "ERROR"
		}
	}
	for _, p := range warningPatterns {
		if strings.Contains(msg, p) {
			return "WARNING"
		}
	}
	return "INFO"
}

// FilterErrors keeps only ERROR/WARNING/CRITICAL entries.
func (c *Client) FilterErrors(logs []LogEntry) []LogEntry {
	var out []LogEntry
	for _, l := range logs {
		if l.Level == "ERROR" || l.Level == "WARNING" || l.Level == "CRITICAL" {
			out = append(out, l)
		}
	}
	return out
}

// ContainerHealth summarizes one container's recent error/warning counts.
type ContainerHealth struct {
	Container    string `json:"container"`
	ErrorCount   int    `json:"error_count"`
	WarningCount int    `json:"warning_count"`
	Status       string `json:"status"` // healthy, degraded, unhealthy
}

// AnalyzeHealth buckets logs per configured container and grades each one
// healthy/degraded/unhealthy by error/warning volume.
func (c *Client) AnalyzeHealth(logs []LogEntry) map[string]ContainerHealth {
	health := make(map[string]ContainerHealth, len(c.containers))
	for _, container := range c.containers {
		health[container] = ContainerHealth{Container: container, Status: "healthy"}
	}
	for _, l := range logs {
		h := health[l.Container]
		h.Container = l.Container
		switch l.Level {
		case "ERROR", "CRITICAL":
			h.ErrorCount++
		case "WARNING":
			h.WarningCount++
		}
		health[l.Container] = h
	}
	for container, h := range health {
		switch {
		case h.ErrorCount > 5:
			h.Status = "unhealthy"
		case h.ErrorCount > 0 || h.WarningCount > 10:
			h.Status = "degraded"
		}
		health[container] = h
	}
	return health
}

// CorrelationKey is a normalized request/trace id pulled out of a log line,
// the hook used to tie a backend log entry to the page-side failure that
// plausibly triggered it.
type CorrelationKey struct {
	Type  string
	Value string
}

var (
	requestIDPattern   = regexp.MustCompile(`(?i)\b(?:x-request-id|request[_-]?id)\b["']?\s*(?:=|:)\s*["']?([a-z0-9][a-z0-9._:/\-]{5,127})`)
	correlationPattern = regexp.MustCompile(`(?i)\b(?:x-correlation-id|correlation[_-]?id)\b["']?\s*(?:=|:)\s*["']?([a-z0-9][a-z0-9._:/\-]{5,127})`)
	traceIDPattern     = regexp.MustCompile(`(?i)\b(?:x-trace-id|trace[_-]?id|x-b3-traceid)\b["']?\s*(?:=|:)\s*["']?([0-9a-f]{16,64})`)
)

// ExtractCorrelationKeys pulls request/correlation/trace ids out of a log
// message, the same id vocabulary the page's own network facts carry so a
// backend error line can be matched to a failed fetch/XHR on the page.
func ExtractCorrelationKeys(message string) []CorrelationKey {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return nil
	}

	var keys []CorrelationKey
	collect := func(kind string, re *regexp.Regexp) {
		for _, m := range re.FindAllStringSubmatch(msg, -1) {
			if len(m) < 2 {
				continue
			}
			if v := normalizeKeyValue(m[1]); v != "" {
				keys = append(keys, CorrelationKey{Type: kind, Value: v})
			}
		}
	}
	collect("request_id", requestIDPattern)
	collect("correlation_id", correlationPattern)
	collect("trace_id", traceIDPattern)
	return dedupeKeys(keys)
}

func normalizeKeyValue(value string) string {
	v := strings.TrimSpace(strings.ToLower(value))
	v = strings.Trim(v, "\"'`")
	return strings.TrimRight(v, ".,;:)]}")
}

func dedupeKeys(keys []CorrelationKey) []CorrelationKey {
	if len(keys) <= 1 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]CorrelationKey, 0, len(keys))
	for _, k := range keys {
		token := k.Type + ":" + k.Value
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, k)
	}
	return out
}
