package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"browseragent/internal/action"
)

// Dispatcher is the provider-neutral façade the agent loop calls once per
// step. Primary handles planning; Vision and Search are optional secondary
// capabilities resolved from Primary when it satisfies VisionCapable /
// SearchCapable (Search only when it also names a search model).
type Dispatcher struct {
	Primary Provider
	Vision  VisionCapable
	Search  SearchCapable

	history []ConversationEntry
}

// NewDispatcher builds a Dispatcher around a primary provider, auto-wiring
// the vision/search capabilities if the primary satisfies them. Search is
// left nil when the primary has no search model configured.
func NewDispatcher(primary Provider) *Dispatcher {
	d := &Dispatcher{Primary: primary}
	if v, ok := primary.(VisionCapable); ok {
		d.Vision = v
	}
	if s, ok := primary.(SearchCapable); ok && s.SearchModel() != "" {
		d.Search = s
	}
	return d
}

// History returns the current pruned conversation window, for callers that
// need to inspect or persist it across steps.
func (d *Dispatcher) History() []ConversationEntry { return d.history }

// ResetHistory clears conversation memory; used after a provider-json-
// validate failure, per the one-shot history-clearing retry policy.
func (d *Dispatcher) ResetHistory() { d.history = nil }

// SetHistory replaces the conversation window outright, used by the retry
// policy that drops the last exchange before reprompting after a reply with
// no real actions.
func (d *Dispatcher) SetHistory(history []ConversationEntry) { d.history = history }

// Send builds the user message for one step, runs the vision handoff if the
// page needs it and the primary model can't see images, dispatches the
// chat call, and parses the structured reply.
func (d *Dispatcher) Send(ctx context.Context, userMessage string, pc PageContext, mode Mode) (ModelDecision, error) {
	visionNote := ""
	if pc.NeedsVision && pc.Screenshot != "" && !d.Primary.SupportsImages(d.Primary.Model()) {
		analysis, err := d.runVision(ctx, pc.Screenshot)
		if err == nil && analysis != "" {
			visionNote = "\n\n=== VISION ANALYSIS ===\n" + analysis
		}
	}

	fullMessage := userMessage + visionNote

	var content interface{} = fullMessage
	if pc.Screenshot != "" && d.Primary.SupportsImages(d.Primary.Model()) {
		content = []ContentPart{
			{Type: "text", Text: fullMessage},
			{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + pc.Screenshot}},
		}
	}

	messages := make([]Message, 0, len(d.history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt(mode)})
	for _, h := range d.history {
		messages = append(messages, Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, Message{Role: "user", Content: content})

	resp, err := d.Primary.SendChat(ctx, ChatRequest{
		Model:          d.Primary.Model(),
		Messages:       messages,
		Temperature:    0,
		MaxTokens:      2000,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return ModelDecision{}, err
	}

	raw := resp.Choices[0].Message.Content
	decision, err := parseDecision(raw)
	if err != nil {
		return ModelDecision{}, &DispatchError{Kind: ErrMalformedJSON, Message: err.Error()}
	}

	d.history = append(d.history, ConversationEntry{Role: "user", Content: fullMessage})
	d.history = append(d.history, ConversationEntry{Role: "assistant", Content: raw})
	d.history = PruneHistory(d.history)

	return decision, nil
}

// runVision asks the vision model to describe a screenshot in plain text,
// for a primary model that cannot see images itself.
func (d *Dispatcher) runVision(ctx context.Context, screenshotB64 string) (string, error) {
	if d.Vision == nil {
		return "", fmt.Errorf("no vision-capable provider configured")
	}
	resp, err := d.Vision.SendChat(ctx, ChatRequest{
		Model: d.Vision.VisionModel(),
		Messages: []Message{
			{Role: "user", Content: []ContentPart{
				{Type: "text", Text: visionPrompt},
				{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64," + screenshotB64}},
			}},
		},
		Temperature: 0,
		MaxTokens:   800,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &DispatchError{Kind: ErrNoContent}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// RunSearch calls the secondary search analyst for a quiz question. The
// agent loop buffers the result and injects it into the next step's user
// message under === SEARCH RESULTS ===.
func (d *Dispatcher) RunSearch(ctx context.Context, question string) (string, error) {
	if d.Search == nil {
		return "", fmt.Errorf("no search-capable provider configured")
	}
	resp, err := d.Search.SendChat(ctx, ChatRequest{
		Model: d.Search.SearchModel(),
		Messages: []Message{
			{Role: "user", Content: fmt.Sprintf(searchAnalystPromptTemplate, question)},
		},
		Temperature: 0,
		MaxTokens:   400,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &DispatchError{Kind: ErrNoContent}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// parsedReply mirrors the wire shape before actions are typed, so a
// multi_tool_use.parallel-style array of single actions (some providers
// emit this despite instructions) can be folded into one batch.
type parsedReply struct {
	Thinking string          `json:"thinking"`
	Actions  json.RawMessage `json:"actions"`
	Done     bool            `json:"done"`
	Summary  string          `json:"summary"`
	Mode     string          `json:"mode"`
}

func parseDecision(text string) (ModelDecision, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return ModelDecision{}, fmt.Errorf("%w: raw=%q", err, text)
	}

	var parsed parsedReply
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return ModelDecision{}, fmt.Errorf("llm json parse: %w", err)
	}

	actions, err := parseActions(parsed.Actions)
	if err != nil {
		return ModelDecision{}, err
	}

	return ModelDecision{
		Thinking: strings.TrimSpace(parsed.Thinking),
		Actions:  actions,
		Done:     parsed.Done,
		Summary:  strings.TrimSpace(parsed.Summary),
		Mode:     strings.TrimSpace(parsed.Mode),
	}, nil
}

// parseActions accepts both the documented array-of-objects shape and a
// single bare object, and strips a stray "functions." prefix some providers
// add to the type field.
func parseActions(raw json.RawMessage) ([]action.Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var list []action.Action
	if err := json.Unmarshal(raw, &list); err == nil {
		for i := range list {
			list[i].Type = action.Kind(strings.TrimPrefix(string(list[i].Type), "functions."))
		}
		return list, nil
	}

	var single action.Action
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	single.Type = action.Kind(strings.TrimPrefix(string(single.Type), "functions."))
	return []action.Action{single}, nil
}

// extractJSON scans for the first balanced top-level {...} object, ignoring
// braces inside string literals, then strips // and /* */ comments some
// models insert despite the JSON-only instruction.
func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return removeJSONComments(text[start : i+1]), nil
				}
			}
		}
	}
	return "", fmt.Errorf("json object not found in model reply")
}

func removeJSONComments(s string) string {
	var b strings.Builder
	inStr := false
	esc := false
	i := 0
	for i < len(s) {
		ch := s[i]
		if esc {
			b.WriteByte(ch)
			esc = false
			i++
			continue
		}
		if ch == '\\' && inStr {
			b.WriteByte(ch)
			esc = true
			i++
			continue
		}
		if ch == '"' {
			inStr = !inStr
			b.WriteByte(ch)
			i++
			continue
		}
		if !inStr && i < len(s)-1 && s[i] == '/' && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			continue
		}
		if !inStr && i < len(s)-1 && s[i] == '/' && s[i+1] == '*' {
			i += 2
			for i < len(s)-1 && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i += 2
			continue
		}
		b.WriteByte(ch)
		i++
	}
	return b.String()
}
