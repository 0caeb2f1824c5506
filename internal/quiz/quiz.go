// Package quiz is the Quiz Oracle: it decides whether the current page is
// an assessment widget, extracts a stable identifier for the current item
// so the agent loop can avoid redundant search calls, and flags when the
// page needs the vision handoff.
package quiz

import (
	"regexp"
	"strings"
)

const detectThreshold = 4

var keywordTokens = []string{"quiz", "assessment", "test", "exam", "survey"}

// weighted page-map tokens, accumulated the same way a relevance score is
// built up from independent signals rather than derived from any single
// one of them.
var weightedTokens = []struct {
	token  string
	weight int
}{
	{"lrn_assess", 3},
	{"mcq-input", 3},
	{"Quick Check", 2},
	{"Item ", 1},
	{"question", 1},
	{"[unchecked]", 1},
	{"RADIO", 1},
	{"CHECKBOX", 1},
}

// Detect scores a page's Visual Page Map and URL/title against the
// assessment-framework vocabulary and reports whether the combined score
// reaches the quiz-mode threshold.
func Detect(pageMap, url, title string) bool {
	return Score(pageMap, url, title) >= detectThreshold
}

// Score computes the weighted signal total without applying the threshold,
// exposed separately so callers (and tests) can see how close a borderline
// page came.
func Score(pageMap, url, title string) int {
	score := 0
	for _, wt := range weightedTokens {
		if strings.Contains(pageMap, wt.token) {
			score += wt.weight
		}
	}

	lowerURL := strings.ToLower(url)
	lowerTitle := strings.ToLower(title)
	for _, kw := range keywordTokens {
		if strings.Contains(lowerURL, kw) || strings.Contains(lowerTitle, kw) {
			score += 2
		}
	}
	return score
}

var itemCounterRe = regexp.MustCompile(`\d+\s+of\s+\d+\s+Items?`)

// StableQuestionKey extracts an identifier for the current item that does
// not change across intra-item state changes (e.g. tile placements or a
// radio flipping from unchecked to checked), so the loop can tell whether
// it has moved on to a new question. Without an "N of M Items" counter the
// key is the iframe section's header line, cut to 80 characters. Returns ""
// if there is no iframe section.
func StableQuestionKey(merged string) string {
	section := iframeSection(merged)
	if section == "" {
		return ""
	}
	if m := itemCounterRe.FindString(section); m != "" {
		return m
	}
	header := strings.SplitN(section, "\n", 2)[0]
	if len(header) > 80 {
		header = header[:80]
	}
	return header
}

var chromeLines = []string{"Next", "Submit", "Currently contains", "Select to move"}

var counterLineRe = regexp.MustCompile(`^\d+\s+of\s+\d+`)
var quotedTextRe = regexp.MustCompile(`"([^"]*)"`)

// ExtractQuestionText pulls the first handful of meaningful text fragments
// out of the iframe section, dropping UI chrome like "Next"/"Submit" and
// bare item counters that carry no question content.
func ExtractQuestionText(merged string) string {
	section := iframeSection(merged)
	if section == "" {
		return ""
	}

	var out []string
	for _, line := range strings.Split(section, "\n") {
		m := quotedTextRe.FindAllStringSubmatch(line, -1)
		for _, g := range m {
			text := strings.TrimSpace(g[1])
			if text == "" || isChrome(text) {
				continue
			}
			out = append(out, text)
			if len(out) >= 15 {
				return strings.Join(out, " | ")
			}
		}
	}
	return strings.Join(out, " | ")
}

func isChrome(text string) bool {
	if counterLineRe.MatchString(text) {
		return true
	}
	for _, c := range chromeLines {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}

// NeedsVision reports whether the current iframe section contains an image
// large enough to matter (>=50x50) with little or no accompanying text,
// which a text-only planner cannot reason about on its own.
func NeedsVision(merged string) bool {
	section := iframeSection(merged)
	if section == "" {
		section = merged
	}
	for _, line := range strings.Split(section, "\n") {
		if !strings.Contains(line, "IMG") {
			continue
		}
		m := imgDimsRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		w := atoi(m[1])
		h := atoi(m[2])
		if w < 50 || h < 50 {
			continue
		}
		text := ""
		if tm := quotedTextRe.FindStringSubmatch(line); tm != nil {
			text = tm[1]
		}
		if len(text) < 10 {
			return true
		}
	}
	return false
}

var imgDimsRe = regexp.MustCompile(`@\(\d+,\d+\s+(\d+)x(\d+)\)`)

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func iframeSection(merged string) string {
	idx := strings.Index(merged, "=== IFRAME CONTENT")
	if idx < 0 {
		return ""
	}
	rest := merged[idx:]
	if next := strings.Index(rest[1:], "=== IFRAME CONTENT"); next >= 0 {
		rest = rest[:next+1]
	}
	return rest
}
