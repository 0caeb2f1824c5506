package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"browseragent/internal/browser"
	"browseragent/internal/frame"
	"browseragent/internal/probe"
)

// TabResolver looks up a tracked tab by id, used for tab_switch/tab_close
// operations that target a tab other than the one the executor was built
// against.
type TabResolver interface {
	Resolve(ctx context.Context, tabID string) (browser.TabHandle, error)
}

// Executor dispatches actions against one tab through its Frame Coordinator.
type Executor struct {
	Tab      browser.TabHandle
	Coord    *frame.Coordinator
	Resolver TabResolver
}

// New builds an Executor bound to a tab and its coordinator.
func New(tab browser.TabHandle, coord *frame.Coordinator, resolver TabResolver) *Executor {
	return &Executor{Tab: tab, Coord: coord, Resolver: resolver}
}

// Execute dispatches one action. quizMode selects the click-to-place drag
// pattern over the synthesized/trusted path.
func (e *Executor) Execute(ctx context.Context, a Action, quizMode bool) Result {
	switch a.Type {
	case Click, TypeText, Select, Hover, Scroll, Extract, Evaluate, Keyboard, Wait, Describe:
		return e.executeInFrame(ctx, a)
	case Drag:
		return e.executeDrag(ctx, a, quizMode)
	case Navigate:
		return e.executeNavigate(ctx, a)
	case Screenshot:
		return e.executeScreenshot(ctx)
	case Snapshot, Search:
		// Perception/search side effects are owned by the agent loop; the
		// executor only needs to recognize these as break-point markers.
		return Result{Type: a.Type, Success: true}
	case TabNew:
		return e.executeTabNew(ctx, a)
	case TabClose:
		return e.executeTabClose(ctx, a)
	case TabSwitch:
		return e.executeTabSwitch(ctx, a)
	case TabList:
		return e.executeTabList(ctx)
	case TabGroupCreate:
		return e.executeTabGroupCreate(ctx, a)
	case TabGroupAdd:
		return e.executeTabGroupAdd(ctx, a)
	case TabGroupRemove:
		return e.executeTabGroupRemove(ctx, a)
	default:
		return Result{Type: a.Type, Success: false, Error: fmt.Sprintf("unknown action type: %s", a.Type)}
	}
}

func (e *Executor) executeInFrame(ctx context.Context, a Action) Result {
	eval, err := e.Coord.EvaluatorForID(ctx, a.FrameID)
	if err != nil {
		return Result{Type: a.Type, Success: false, Error: err.Error()}
	}

	req := probe.ActionRequest{"type": string(a.Type)}
	switch a.Type {
	case Click, Hover:
		req["selector"] = a.Selector
	case TypeText:
		req["selector"] = a.Selector
		req["text"] = a.Text
		req["clear"] = a.Clear
	case Select:
		req["selector"] = a.Selector
		req["value"] = a.Value
	case Scroll:
		req["selector"] = a.Selector
		req["direction"] = a.Direction
		req["amount"] = a.Amount
	case Extract:
		req["selector"] = a.Selector
		req["attribute"] = a.Attribute
	case Evaluate:
		req["expression"] = a.Expression
	case Keyboard:
		req["key"] = a.Key
	case Wait:
		req["selector"] = a.Selector
		req["timeout"] = a.Timeout
		req["milliseconds"] = a.Millis
	case Describe:
		req["text"] = a.Text
	}

	res, err := probe.ExecuteAction(eval, req)
	if err != nil {
		var nf *probe.NotFoundError
		if errors.As(err, &nf) {
			return Result{Type: a.Type, Success: false, Error: nf.Error()}
		}
		return Result{Type: a.Type, Success: false, Error: err.Error()}
	}
	return Result{Type: a.Type, Success: res.Success, Error: res.Error, Data: res.Data}
}

func (e *Executor) executeDrag(ctx context.Context, a Action, quizMode bool) Result {
	frameID := a.FrameID
	eval, err := e.Coord.EvaluatorForID(ctx, frameID)
	if err != nil {
		return Result{Type: Drag, Success: false, Error: err.Error()}
	}

	// Auto-frame recovery: if the planner omitted frameId and the source
	// selector isn't found in the top frame, sweep remaining content frames.
	if frameID == nil {
		if found, fid := e.findFrameForSelector(ctx, a.FromSelector); found {
			frameID = &fid
			eval, _ = e.Coord.EvaluatorForID(ctx, frameID)
		}
	}

	if quizMode {
		res, err := probe.ClickToPlace(eval, a.FromSelector, a.ToSelector)
		if err == nil && res.Success {
			time.Sleep(500 * time.Millisecond)
			return Result{Type: Drag, Success: true}
		}
	}

	synth, synthErr := probe.SynthesizedDrag(eval, a.FromSelector, a.ToSelector)
	if synthErr == nil && synth.Success {
		return Result{Type: Drag, Success: true}
	}

	if trusted, trustedErr := e.trustedDrag(ctx, eval, a.FromSelector, a.ToSelector); trustedErr == nil {
		return Result{Type: Drag, Success: true, Data: trusted}
	}

	errMsg := "drag-failed: exhausted synthesized, trusted, and click-to-place fallbacks"
	if synthErr != nil {
		errMsg = fmt.Sprintf("drag-failed: %v", synthErr)
	}
	return Result{Type: Drag, Success: false, Error: errMsg}
}

// trustedDrag replays mousePressed -> 15-step mouseMoved -> mouseReleased
// through the browser's debug channel so the events are marked trusted,
// for drag frameworks that ignore untrusted synthesized events.
func (e *Executor) trustedDrag(ctx context.Context, eval probe.Evaluator, fromSelector, toSelector string) (map[string]interface{}, error) {
	from, to, err := probe.GetDragCoords(eval, fromSelector, toSelector)
	if err != nil {
		return nil, err
	}

	if err := e.Tab.DebugAttach(ctx); err != nil {
		return nil, err
	}

	send := func(eventType string, x, y float64) error {
		_, err := e.Tab.DebugSend(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		})
		return err
	}

	if err := send("mousePressed", from.X, from.Y); err != nil {
		return nil, err
	}
	for i := 1; i <= 15; i++ {
		x := from.X + (to.X-from.X)*float64(i)/15
		y := from.Y + (to.Y-from.Y)*float64(i)/15
		if err := send("mouseMoved", x, y); err != nil {
			return nil, err
		}
	}
	if err := send("mouseReleased", to.X, to.Y); err != nil {
		return nil, err
	}
	return map[string]interface{}{"from": from.Label, "to": to.Label}, nil
}

func (e *Executor) findFrameForSelector(ctx context.Context, selector string) (bool, int) {
	refs, err := e.Coord.FrameRefs(ctx)
	if err != nil {
		return false, 0
	}
	for _, ref := range refs {
		if ref.ID == 0 || !strings.HasPrefix(ref.URL, "http") {
			continue
		}
		eval, err := e.Coord.EvaluatorForID(ctx, &ref.ID)
		if err != nil {
			continue
		}
		if ok, err := probe.Exists(eval, selector); err == nil && ok {
			return true, ref.ID
		}
	}
	return false, 0
}

func (e *Executor) executeNavigate(ctx context.Context, a Action) Result {
	if err := e.Tab.UpdateURL(ctx, a.URL); err != nil {
		return Result{Type: Navigate, Success: false, Error: err.Error()}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := e.Tab.WaitLoaded(waitCtx, 15*time.Second); err != nil {
		return Result{Type: Navigate, Success: false, Error: err.Error()}
	}
	return Result{Type: Navigate, Success: true, Data: map[string]interface{}{"url": a.URL}}
}

func (e *Executor) executeScreenshot(ctx context.Context) Result {
	if err := e.Tab.DebugAttach(ctx); err != nil {
		return Result{Type: Screenshot, Success: false, Error: fmt.Sprintf("screenshot-failed: %v", err)}
	}
	data, err := e.Tab.CaptureScreenshot(ctx)
	if err != nil {
		return Result{Type: Screenshot, Success: false, Error: fmt.Sprintf("screenshot-failed: %v", err)}
	}
	return Result{Type: Screenshot, Success: true, Data: map[string]interface{}{"image": data}}
}

func (e *Executor) executeTabNew(ctx context.Context, a Action) Result {
	t, err := e.Tab.New(ctx, a.URL)
	if err != nil {
		return Result{Type: TabNew, Success: false, Error: err.Error()}
	}
	return Result{Type: TabNew, Success: true, Data: map[string]interface{}{"tabId": t.ID()}}
}

func (e *Executor) executeTabClose(ctx context.Context, a Action) Result {
	target := e.Tab
	if a.TabID != "" && e.Resolver != nil {
		t, err := e.Resolver.Resolve(ctx, a.TabID)
		if err != nil {
			return Result{Type: TabClose, Success: false, Error: err.Error()}
		}
		target = t
	}
	if err := target.Close(ctx); err != nil {
		return Result{Type: TabClose, Success: false, Error: err.Error()}
	}
	return Result{Type: TabClose, Success: true}
}

func (e *Executor) executeTabSwitch(ctx context.Context, a Action) Result {
	tabs, err := e.Tab.ListTabs(ctx)
	if err != nil {
		return Result{Type: TabSwitch, Success: false, Error: err.Error()}
	}
	if a.Index < 0 || a.Index >= len(tabs) {
		return Result{Type: TabSwitch, Success: false, Error: fmt.Sprintf("tab index %d out of range [0,%d)", a.Index, len(tabs))}
	}
	if e.Resolver == nil {
		return Result{Type: TabSwitch, Success: false, Error: "tab resolver unavailable"}
	}
	t, err := e.Resolver.Resolve(ctx, tabs[a.Index].ID)
	if err != nil {
		return Result{Type: TabSwitch, Success: false, Error: err.Error()}
	}
	if err := t.Activate(ctx); err != nil {
		return Result{Type: TabSwitch, Success: false, Error: err.Error()}
	}
	return Result{Type: TabSwitch, Success: true, Data: map[string]interface{}{"tabId": t.ID()}}
}

func (e *Executor) executeTabList(ctx context.Context) Result {
	tabs, err := e.Tab.ListTabs(ctx)
	if err != nil {
		return Result{Type: TabList, Success: false, Error: err.Error()}
	}
	var b strings.Builder
	for i, t := range tabs {
		fmt.Fprintf(&b, "%d. %s — %s\n", i, t.Title, t.URL)
	}
	return Result{Type: TabList, Success: true, Data: map[string]interface{}{
		"text": strings.TrimRight(b.String(), "\n"),
		"tabs": tabs,
	}}
}

func (e *Executor) executeTabGroupCreate(ctx context.Context, a Action) Result {
	id, err := e.Tab.GroupTabs(ctx, a.TabIDs, a.Color, a.Title)
	if err != nil {
		return Result{Type: TabGroupCreate, Success: false, Error: err.Error()}
	}
	return Result{Type: TabGroupCreate, Success: true, Data: map[string]interface{}{"groupId": id}}
}

func (e *Executor) executeTabGroupAdd(ctx context.Context, a Action) Result {
	if err := e.Tab.AddToGroup(ctx, a.GroupID, a.TabIDs); err != nil {
		return Result{Type: TabGroupAdd, Success: false, Error: err.Error()}
	}
	return Result{Type: TabGroupAdd, Success: true}
}

func (e *Executor) executeTabGroupRemove(ctx context.Context, a Action) Result {
	if err := e.Tab.Ungroup(ctx, a.GroupID); err != nil {
		return Result{Type: TabGroupRemove, Success: false, Error: err.Error()}
	}
	return Result{Type: TabGroupRemove, Success: true}
}
