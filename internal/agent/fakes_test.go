package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"browseragent/internal/browser"
	"browseragent/internal/llm"
	"browseragent/internal/probe"
)

// fakeTab is a minimal browser.TabHandle that serves canned probe responses
// instead of driving a real page. Each frame's BuildVisualMap reply is
// pulled from a per-frame queue so a scenario can vary page content step by
// step; the last queued reply repeats once the queue is exhausted.
type fakeTab struct {
	mu sync.Mutex

	id, url, title string
	frames         []browser.FrameInfo
	viewportW      int
	viewportH      int

	elementQueues map[string][][]probe.Element // keyed by CDP frame id ("" == top)
	elementCalls  map[string]int

	screenshot string
}

func newFakeTab() *fakeTab {
	return &fakeTab{
		id:            "tab-1",
		url:           "https://app.example.com/start",
		title:         "Start",
		viewportW:     1280,
		viewportH:     800,
		elementQueues: make(map[string][][]probe.Element),
		elementCalls:  make(map[string]int),
	}
}

func (t *fakeTab) setElements(frameID string, perStep [][]probe.Element) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elementQueues[frameID] = perStep
}

func (t *fakeTab) ID() string    { return t.id }
func (t *fakeTab) URL() string   { return t.url }
func (t *fakeTab) Title() string { return t.title }

func (t *fakeTab) InjectProbeInAllFrames(ctx context.Context, js string) error { return nil }

func (t *fakeTab) EnumerateFrames(ctx context.Context) ([]browser.FrameInfo, error) {
	return t.frames, nil
}

func wrapJSON(v interface{}) json.RawMessage {
	inner, _ := json.Marshal(v)
	outer, _ := json.Marshal(string(inner))
	return outer
}

func (t *fakeTab) SendToFrame(ctx context.Context, frameID string, js string, args ...interface{}) (json.RawMessage, error) {
	switch {
	case strings.Contains(js, "__browseragentBuildMap"):
		t.mu.Lock()
		queue := t.elementQueues[frameID]
		call := t.elementCalls[frameID]
		t.elementCalls[frameID] = call + 1
		t.mu.Unlock()

		var elems []probe.Element
		if len(queue) > 0 {
			idx := call
			if idx >= len(queue) {
				idx = len(queue) - 1
			}
			elems = queue[idx]
		}
		payload := map[string]interface{}{
			"elements": elems,
			"viewport": map[string]int{"width": t.viewportW, "height": t.viewportH},
			"scroll":   map[string]int{"x": 0, "y": 0},
		}
		return wrapJSON(payload), nil

	case strings.Contains(js, "__browseragentDragCoords"):
		payload := map[string]interface{}{
			"from": probe.DragCoord{X: 10, Y: 10, Label: "from"},
			"to":   probe.DragCoord{X: 100, Y: 100, Label: "to"},
		}
		return wrapJSON(payload), nil

	case strings.Contains(js, "__browseragentExecuteAction"),
		strings.Contains(js, "__browseragentClickToPlace"),
		strings.Contains(js, "__browseragentSynthesizedDrag"):
		return wrapJSON(probe.ActionResult{Success: true}), nil

	case strings.Contains(js, "document.querySelector"):
		raw, _ := json.Marshal(true)
		return raw, nil

	default:
		raw, _ := json.Marshal("ok")
		return raw, nil
	}
}

func (t *fakeTab) UpdateURL(ctx context.Context, url string) error { t.url = url; return nil }
func (t *fakeTab) WaitLoaded(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (t *fakeTab) Activate(ctx context.Context) error { return nil }
func (t *fakeTab) Close(ctx context.Context) error    { return nil }
func (t *fakeTab) New(ctx context.Context, url string) (browser.TabHandle, error) {
	return newFakeTab(), nil
}
func (t *fakeTab) ListTabs(ctx context.Context) ([]browser.Session, error) { return nil, nil }
func (t *fakeTab) ListTabGroups(ctx context.Context) ([]browser.TabGroup, error) {
	return nil, nil
}
func (t *fakeTab) GroupTabs(ctx context.Context, tabIDs []string, color, title string) (string, error) {
	return "group-1", nil
}
func (t *fakeTab) AddToGroup(ctx context.Context, groupID string, tabIDs []string) error { return nil }
func (t *fakeTab) Ungroup(ctx context.Context, groupID string) error                     { return nil }

func (t *fakeTab) DebugAttach(ctx context.Context) error { return nil }
func (t *fakeTab) DebugSend(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	raw, _ := json.Marshal(map[string]interface{}{})
	return raw, nil
}
func (t *fakeTab) CaptureScreenshot(ctx context.Context) (string, error) {
	if t.screenshot == "" {
		return "ZmFrZXNob3Q=", nil
	}
	return t.screenshot, nil
}

// chatResponse builds an llm.ChatResponse carrying content as the sole
// choice, without having to spell provider.go's anonymous Choices type.
func chatResponse(content string) llm.ChatResponse {
	raw := fmt.Sprintf(`{"choices":[{"message":{"content":%s}}]}`, strconv.Quote(content))
	var resp llm.ChatResponse
	_ = json.Unmarshal([]byte(raw), &resp)
	return resp
}

// basicProvider implements only llm.Provider: no vision or search capability.
type basicProvider struct {
	mu             sync.Mutex
	model          string
	supportsImages bool
	replies        []string
	calls          []llm.ChatRequest
	onCall         func(req llm.ChatRequest)
}

func (p *basicProvider) Name() string { return "fake" }
func (p *basicProvider) Model() string {
	if p.model == "" {
		return "fake-model"
	}
	return p.model
}
func (p *basicProvider) Validate(ctx context.Context) error            { return nil }
func (p *basicProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (p *basicProvider) SupportsImages(model string) bool              { return p.supportsImages }

func (p *basicProvider) SendChat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	idx := len(p.calls) - 1
	hook := p.onCall
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return chatResponse(`{"actions":[],"done":true,"summary":"nothing to do"}`), nil
	}
	i := idx
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return chatResponse(p.replies[i]), nil
}

func (p *basicProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *basicProvider) lastUserContent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return ""
	}
	last := p.calls[len(p.calls)-1]
	for i := len(last.Messages) - 1; i >= 0; i-- {
		if last.Messages[i].Role != "user" {
			continue
		}
		if s, ok := last.Messages[i].Content.(string); ok {
			return s
		}
		if parts, ok := last.Messages[i].Content.([]llm.ContentPart); ok {
			for _, part := range parts {
				if part.Type == "text" {
					return part.Text
				}
			}
		}
	}
	return ""
}

// fullProvider adds vision and search capability on top of basicProvider.
type fullProvider struct {
	basicProvider
	visionModel string
	searchModel string
	visionReply string
	searchReply string
}

func (p *fullProvider) VisionModel() string { return p.visionModel }
func (p *fullProvider) SearchModel() string { return p.searchModel }

func (p *fullProvider) SendChat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if req.Model == p.visionModel {
		return chatResponse(p.visionReply), nil
	}
	if req.Model == p.searchModel {
		return chatResponse(p.searchReply), nil
	}
	return p.basicProvider.SendChat(ctx, req)
}
