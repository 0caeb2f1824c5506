// Package llm is the provider-neutral LLM Dispatcher: chat transport, the
// two-step vision handoff, the optional search analyst, JSON recovery, and
// conversation-window pruning.
package llm

import "browseragent/internal/action"

// ModelDecision is the planner's structured reply for one step.
type ModelDecision struct {
	Thinking string          `json:"thinking"`
	Actions  []action.Action `json:"actions"`
	Done     bool            `json:"done"`
	Summary  string          `json:"summary"`
	Mode     string          `json:"mode,omitempty"`
}

// HasRealActions reports whether the decision contains at least one action
// that is not a describe no-op; a describe-only batch counts as "no real
// actions" per spec.md's design notes.
func (d ModelDecision) HasRealActions() bool {
	for _, a := range d.Actions {
		if a.Type != action.Describe {
			return true
		}
	}
	return false
}

// ConversationEntry is one role/content pair in dispatch history.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// historyCap is the maximum number of entries retained (three user/
// assistant pairs) in the default pruning policy.
const historyCap = 6

// PruneHistory trims history to the trailing historyCap entries.
func PruneHistory(history []ConversationEntry) []ConversationEntry {
	if len(history) <= historyCap {
		return history
	}
	return history[len(history)-historyCap:]
}

// PageContext is the per-step perception bundle handed to the dispatcher.
type PageContext struct {
	URL         string
	Title       string
	VisualMap   string
	Screenshot  string // base64 PNG, optional
	NeedsVision bool
	DOM         string // optional secondary simplified JSON tree
}

// Mode selects the system prompt and break-point/pacing semantics.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeQuiz   Mode = "quiz"
)
