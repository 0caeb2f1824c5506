// Package snapshot builds the merged, cross-frame Visual Page Map and
// computes token-lean diffs between successive snapshots.
package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"browseragent/internal/frame"
	"browseragent/internal/probe"
)

const (
	outerHeader  = "=== VISUAL PAGE MAP ==="
	diffHeader   = "=== PAGE UPDATE (diff) ==="
	unchangedMsg = "[Page unchanged]"
)

func iframeHeader(frameID int) string {
	return fmt.Sprintf("=== IFRAME CONTENT (frameId=%d) ===", frameID)
}

// CollectAllFrames gathers maps from every http(s) content frame and merges
// them into one document: the top frame's map first with its header
// untouched, then one IFRAME CONTENT block per child content frame.
func CollectAllFrames(ctx context.Context, coord *frame.Coordinator) (string, error) {
	refs, err := coord.FrameRefs(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate frames: %w", err)
	}

	var b strings.Builder
	wroteTop := false

	for _, ref := range refs {
		if !isHTTP(ref.URL) {
			continue
		}
		eval, err := coord.EvaluatorForID(ctx, &ref.ID)
		if err != nil {
			continue
		}
		m, err := probe.BuildVisualMap(eval)
		if err != nil {
			continue // frame-timeout/frame-error degrades to absent, never fatal
		}

		if ref.ID == 0 {
			b.WriteString(m)
			wroteTop = true
			continue
		}

		body := stripHeader(m)
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(iframeHeader(ref.ID))
		b.WriteByte('\n')
		b.WriteString(body)
	}

	if !wroteTop {
		return outerHeader + "\nViewport: 0x0 | Scroll: (0,0) | Elements: 0", nil
	}
	return b.String(), nil
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func stripHeader(m string) string {
	lines := strings.SplitN(m, "\n", 2)
	if len(lines) < 2 {
		return ""
	}
	return lines[1]
}

// NeedsIframeRetry reports whether a quiz-mode snapshot lacks any IFRAME
// CONTENT marker, signalling that an iframe was still navigating.
func NeedsIframeRetry(merged string) bool {
	return !strings.Contains(merged, "=== IFRAME CONTENT")
}

// CollectWithRetry retries CollectAllFrames in quiz mode when no iframe
// content block appears yet, up to maxAttempts total tries with a pause
// between each.
func CollectWithRetry(ctx context.Context, coord *frame.Coordinator, quizMode bool, maxAttempts int, pause time.Duration) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if pause <= 0 {
		pause = 1750 * time.Millisecond
	}

	var last string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m, err := CollectAllFrames(ctx, coord)
		if err != nil {
			return "", err
		}
		last = m
		if !quizMode || !NeedsIframeRetry(m) {
			return m, nil
		}
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(pause):
			}
			_ = coord.InjectAll(ctx)
		}
	}
	return last, nil
}

var elementLineRe = regexp.MustCompile(`^\[`)
var quotedRe = regexp.MustCompile(`sel="([^"]*)"\s+"([^"]*)"`)

type section struct {
	header string
	lines  []string // element lines only, in order
	other  []string // non-element lines (summary etc), preserved verbatim
}

func splitSections(doc string) []section {
	var sections []section
	var cur *section
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "===") {
			sections = append(sections, section{})
			cur = &sections[len(sections)-1]
			cur.header = line
			continue
		}
		if cur == nil {
			sections = append(sections, section{header: ""})
			cur = &sections[len(sections)-1]
		}
		if elementLineRe.MatchString(line) {
			cur.lines = append(cur.lines, line)
		} else if strings.TrimSpace(line) != "" {
			cur.other = append(cur.other, line)
		}
	}
	return sections
}

func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ComputeDiff produces a token-lean update: unchanged sections collapse to a
// one-line summary (with a "Key controls" pointer for the outer page), while
// changed sections are replayed in full. If nothing changed anywhere, it
// returns "[Page unchanged]".
func ComputeDiff(oldMap, newMap string) string {
	oldSections := splitSections(oldMap)
	newSections := splitSections(newMap)

	allUnchanged := true
	for i, ns := range newSections {
		if i < len(oldSections) && sameLines(oldSections[i].lines, ns.lines) {
			continue
		}
		allUnchanged = false
		break
	}
	if allUnchanged && len(oldSections) == len(newSections) {
		return unchangedMsg
	}

	var b strings.Builder
	b.WriteString(diffHeader)
	b.WriteString("\nPrevious selectors remain valid.\n")

	for i, ns := range newSections {
		unchanged := i < len(oldSections) && sameLines(oldSections[i].lines, ns.lines)
		isIframe := strings.HasPrefix(ns.header, "=== IFRAME")

		if !unchanged {
			if ns.header != "" {
				b.WriteString(ns.header)
				b.WriteByte('\n')
			}
			for _, l := range ns.other {
				b.WriteString(l)
				b.WriteByte('\n')
			}
			for _, l := range ns.lines {
				b.WriteString(l)
				b.WriteByte('\n')
			}
			continue
		}

		if isIframe {
			fmt.Fprintf(&b, "[Iframe: %d unchanged]\n", len(ns.lines))
			continue
		}
		fmt.Fprintf(&b, "[Outer page: %d elements unchanged]\n", len(ns.lines))
		if keys := keyControls(ns.lines); keys != "" {
			b.WriteString("Key controls: ")
			b.WriteString(keys)
			b.WriteByte('\n')
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// keyControls extracts a pipe-joined "label" sel="..." pointer list from
// interactive element lines so the planner can still reference main-page
// buttons after a summarized section. The exact format is advisory per
// spec.md's open question; this preserves the semantics, not a byte format.
func keyControls(lines []string) string {
	var parts []string
	for _, l := range lines {
		if !strings.HasPrefix(l, "[*") {
			continue
		}
		m := quotedRe.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%q sel=%q", m[2], m[1]))
	}
	return strings.Join(parts, " | ")
}
