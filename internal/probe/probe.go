// Package probe builds and injects the in-page script that walks the DOM,
// emits the Visual Page Map element list, and carries out DOM-level actions
// on the driver's behalf.
package probe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed probe.js
var script string

// Script returns the probe bundle; re-evaluating it is a safe no-op thanks
// to the window-scope singleton guard it installs.
func Script() string { return script }

// Evaluator runs JS inside a specific frame and returns its JSON-encoded
// result. internal/frame and internal/action supply implementations backed
// by a browser.TabHandle.
type Evaluator func(js string, args ...interface{}) (json.RawMessage, error)

// Option is a <select> entry.
type Option struct {
	Value    string `json:"value"`
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
}

// Element is one row of a Visual Page Map.
type Element struct {
	Tag         string   `json:"tag"`
	Selector    string   `json:"selector"`
	X           int      `json:"x"`
	Y           int      `json:"y"`
	W           int      `json:"w"`
	H           int      `json:"h"`
	Visible     bool     `json:"visible"`
	Text        string   `json:"text,omitempty"`
	Interactive bool     `json:"interactive"`
	InputType   string   `json:"inputType,omitempty"`
	Value       string   `json:"value,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	AriaLabel   string   `json:"ariaLabel,omitempty"`
	Checked     bool     `json:"checked,omitempty"`
	Draggable   bool     `json:"draggable,omitempty"`
	DropTarget  bool     `json:"droptarget,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
	Href        string   `json:"href,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

type rawMap struct {
	Elements []Element `json:"elements"`
	Viewport struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
	Scroll struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"scroll"`
}

// BuildVisualMap evaluates the probe's element walk in the given frame and
// renders the result per the fixed Visual Page Map grammar.
func BuildVisualMap(eval Evaluator) (string, error) {
	raw, err := eval(script + "; window.__browseragentBuildMap()")
	if err != nil {
		return "", fmt.Errorf("build visual map: %w", err)
	}
	var jsonStr string
	if err := json.Unmarshal(raw, &jsonStr); err != nil {
		return "", fmt.Errorf("decode map envelope: %w", err)
	}
	var m rawMap
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		return "", fmt.Errorf("decode map payload: %w", err)
	}
	return RenderMap(m.Elements, m.Viewport.Width, m.Viewport.Height, m.Scroll.X, m.Scroll.Y), nil
}

// RenderMap renders an already-sorted-or-not element list into the fixed
// grammar: header, one summary line, then one line per element sorted by
// (y, x).
func RenderMap(elements []Element, viewportW, viewportH, scrollX, scrollY int) string {
	sorted := make([]Element, len(elements))
	copy(sorted, elements)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var b strings.Builder
	b.WriteString("=== VISUAL PAGE MAP ===\n")
	fmt.Fprintf(&b, "Viewport: %dx%d | Scroll: (%d,%d) | Elements: %d\n", viewportW, viewportH, scrollX, scrollY, len(sorted))
	for _, el := range sorted {
		b.WriteString(renderElement(el, viewportW, viewportH))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderElement(el Element, viewportW, viewportH int) string {
	var b strings.Builder
	marker := ""
	if el.Interactive {
		marker = "*"
	}
	if el.InputType != "" {
		fmt.Fprintf(&b, "[%s%s[%s]]", marker, el.Tag, el.InputType)
	} else {
		fmt.Fprintf(&b, "[%s%s]", marker, el.Tag)
	}
	fmt.Fprintf(&b, " @(%d,%d %dx%d)", el.X, el.Y, el.W, el.H)

	offscreen := el.X+el.W < 0 || el.Y+el.H < 0 || el.X > viewportW || el.Y > viewportH || !el.Visible
	if offscreen {
		b.WriteString(" [offscreen]")
	}
	fmt.Fprintf(&b, " sel=%q", el.Selector)
	if el.Text != "" {
		fmt.Fprintf(&b, " %q", el.Text)
	}

	var flags []string
	if el.Value != "" {
		flags = append(flags, "value="+strconv.Quote(el.Value))
	}
	if el.Placeholder != "" {
		flags = append(flags, "placeholder="+strconv.Quote(el.Placeholder))
	}
	if el.AriaLabel != "" {
		flags = append(flags, "aria-label="+strconv.Quote(el.AriaLabel))
	}
	if el.InputType == "checkbox" || el.InputType == "radio" {
		if el.Checked {
			flags = append(flags, "checked")
		} else {
			flags = append(flags, "unchecked")
		}
	}
	if el.Draggable {
		flags = append(flags, "draggable")
	}
	if el.DropTarget {
		flags = append(flags, "droptarget")
	}
	if el.Disabled {
		flags = append(flags, "disabled")
	}
	if el.Href != "" {
		flags = append(flags, "href="+strconv.Quote(el.Href))
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(flags, ","))
	}

	if len(el.Options) > 0 {
		parts := make([]string, 0, len(el.Options))
		for _, o := range el.Options {
			sel := ""
			if o.Selected {
				sel = "*"
			}
			parts = append(parts, fmt.Sprintf("%s%s=%s", sel, o.Value, o.Text))
		}
		fmt.Fprintf(&b, " options=[%s]", strings.Join(parts, ","))
	}

	return b.String()
}

// ActionRequest is the JSON payload sent into the page for ExecuteAction.
// Field set mirrors internal/action.Action; kept independent to avoid probe
// depending on the action package.
type ActionRequest map[string]interface{}

// ActionResult is the typed reply from the in-page executor.
type ActionResult struct {
	Success bool                   `json:"success"`
	Type    string                 `json:"type"`
	Error   string                 `json:"error,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NotFoundError marks a selector that resolved to zero nodes.
type NotFoundError struct {
	Selector string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not-found: %s", e.Selector) }

// ExecuteAction runs one action inside the page and returns its typed
// result, translating the probe's "not-found: <selector>" error string into
// a typed NotFoundError.
func ExecuteAction(eval Evaluator, req ActionRequest) (*ActionResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payloadJSON, _ := json.Marshal(string(payload))
	raw, err := eval(fmt.Sprintf("%s; window.__browseragentExecuteAction(%s)", script, payloadJSON))
	if err != nil {
		return nil, err
	}
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode action envelope: %w", err)
	}
	var result ActionResult
	if err := json.Unmarshal([]byte(wrapped), &result); err != nil {
		return nil, fmt.Errorf("decode action result: %w", err)
	}
	if !result.Success && strings.HasPrefix(result.Error, "not-found: ") {
		return &result, &NotFoundError{Selector: strings.TrimPrefix(result.Error, "not-found: ")}
	}
	return &result, nil
}

// DragCoord is one endpoint of a drag gesture.
type DragCoord struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label"`
}

// Exists reports whether a selector resolves to at least one node in the
// given frame, used for auto-frame recovery when a drag's frameId is
// omitted and the source selector must be located by sweeping frames.
func Exists(eval Evaluator, selector string) (bool, error) {
	arg, _ := json.Marshal(selector)
	raw, err := eval(fmt.Sprintf("!!document.querySelector(%s)", arg))
	if err != nil {
		return false, err
	}
	var exists bool
	if err := json.Unmarshal(raw, &exists); err != nil {
		return false, fmt.Errorf("decode exists result: %w", err)
	}
	return exists, nil
}

// GetDragCoords resolves both drag endpoints to client coordinates.
func GetDragCoords(eval Evaluator, fromSelector, toSelector string) (from, to DragCoord, err error) {
	fromArg, _ := json.Marshal(fromSelector)
	toArg, _ := json.Marshal(toSelector)
	raw, err := eval(fmt.Sprintf("%s; window.__browseragentDragCoords(%s, %s)", script, fromArg, toArg))
	if err != nil {
		return from, to, err
	}
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return from, to, fmt.Errorf("decode drag-coord envelope: %w", err)
	}
	var payload struct {
		Error string    `json:"error"`
		From  DragCoord `json:"from"`
		To    DragCoord `json:"to"`
	}
	if err := json.Unmarshal([]byte(wrapped), &payload); err != nil {
		return from, to, fmt.Errorf("decode drag-coord payload: %w", err)
	}
	if payload.Error != "" {
		return from, to, fmt.Errorf("drag coords: %s", payload.Error)
	}
	return payload.From, payload.To, nil
}

// SynthesizedDrag runs the pointer+mouse+HTML5 fan-out drag sequence.
func SynthesizedDrag(eval Evaluator, fromSelector, toSelector string) (*ActionResult, error) {
	return runDragScript(eval, "__browseragentSynthesizedDrag", fromSelector, toSelector)
}

// ClickToPlace runs the quiz click-source-then-click-target pattern.
func ClickToPlace(eval Evaluator, fromSelector, toSelector string) (*ActionResult, error) {
	return runDragScript(eval, "__browseragentClickToPlace", fromSelector, toSelector)
}

func runDragScript(eval Evaluator, fn, fromSelector, toSelector string) (*ActionResult, error) {
	fromArg, _ := json.Marshal(fromSelector)
	toArg, _ := json.Marshal(toSelector)
	raw, err := eval(fmt.Sprintf("%s; window.%s(%s, %s)", script, fn, fromArg, toArg))
	if err != nil {
		return nil, err
	}
	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode drag envelope: %w", err)
	}
	var result ActionResult
	if err := json.Unmarshal([]byte(wrapped), &result); err != nil {
		return nil, fmt.Errorf("decode drag result: %w", err)
	}
	return &result, nil
}
