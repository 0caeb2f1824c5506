// Package action dispatches structured actions emitted by the LLM
// Dispatcher to the right frame, owns the drag protocol and its trusted-
// input fallback, and owns screenshot/navigation/tab/tab-group operations.
package action

// Kind enumerates the action vocabulary (spec.md §3).
type Kind string

const (
	Click          Kind = "click"
	TypeText       Kind = "type"
	Select         Kind = "select"
	Hover          Kind = "hover"
	Scroll         Kind = "scroll"
	Extract        Kind = "extract"
	Evaluate       Kind = "evaluate"
	Keyboard       Kind = "keyboard"
	Wait           Kind = "wait"
	Describe       Kind = "describe"
	Snapshot       Kind = "snapshot"
	Screenshot     Kind = "screenshot"
	Navigate       Kind = "navigate"
	Drag           Kind = "drag"
	Search         Kind = "search"
	TabNew         Kind = "tab_new"
	TabClose       Kind = "tab_close"
	TabSwitch      Kind = "tab_switch"
	TabList        Kind = "tab_list"
	TabGroupCreate Kind = "tab_group_create"
	TabGroupAdd    Kind = "tab_group_add"
	TabGroupRemove Kind = "tab_group_remove"
)

// Action is a tagged record; FrameID is optional and orthogonal to Kind.
type Action struct {
	Type Kind `json:"type"`

	FrameID *int `json:"frameId,omitempty"`

	Selector     string `json:"selector,omitempty"`
	FromSelector string `json:"fromSelector,omitempty"`
	ToSelector   string `json:"toSelector,omitempty"`

	Text        string `json:"text,omitempty"`
	Value       string `json:"value,omitempty"`
	URL         string `json:"url,omitempty"`
	Direction   string `json:"direction,omitempty"`
	Amount      int    `json:"amount,omitempty"`
	Query       string `json:"query,omitempty"`
	Attribute   string `json:"attribute,omitempty"`
	Expression  string `json:"expression,omitempty"`
	Key         string `json:"key,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
	Millis      int    `json:"milliseconds,omitempty"`
	Clear       bool   `json:"clear,omitempty"`

	Color   string   `json:"color,omitempty"`
	Title   string   `json:"title,omitempty"`
	TabID   string   `json:"tabId,omitempty"`
	TabIDs  []string `json:"tabIds,omitempty"`
	GroupID string   `json:"groupId,omitempty"`
	Index   int      `json:"index,omitempty"`
}

// IsBreakPoint reports whether executing a matched this action ends the
// current batch and yields perception back to the loop. drag only breaks
// the batch in quiz mode.
func IsBreakPoint(a Action, quizMode bool) bool {
	switch a.Type {
	case Snapshot, Screenshot, Search:
		return true
	case Drag:
		return quizMode
	default:
		return false
	}
}

// Result is the outcome of executing one action. The executor surface
// always returns a Result with Success set and has no Go error return:
// unknown action types and exhausted drag fallbacks are also reported as a
// Result with Success false and Error set.
type Result struct {
	Type    Kind                   `json:"type"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
