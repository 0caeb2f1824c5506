package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// FrameInfo describes one frame in a tab's frame tree.
type FrameInfo struct {
	FrameID       string `json:"frameId"`
	ParentFrameID string `json:"parentFrameId,omitempty"`
	URL           string `json:"url"`
}

// TabHandle is the capability surface the agent loop drives a browser tab
// through. It never reaches for *rod.Page directly above this package.
type TabHandle interface {
	ID() string
	URL() string
	Title() string

	InjectProbeInAllFrames(ctx context.Context, js string) error
	EnumerateFrames(ctx context.Context) ([]FrameInfo, error)
	SendToFrame(ctx context.Context, frameID string, js string, args ...interface{}) (json.RawMessage, error)

	UpdateURL(ctx context.Context, url string) error
	WaitLoaded(ctx context.Context, timeout time.Duration) error
	Activate(ctx context.Context) error
	Close(ctx context.Context) error
	New(ctx context.Context, url string) (TabHandle, error)
	ListTabs(ctx context.Context) ([]Session, error)
	ListTabGroups(ctx context.Context) ([]TabGroup, error)
	GroupTabs(ctx context.Context, tabIDs []string, color, title string) (string, error)
	AddToGroup(ctx context.Context, groupID string, tabIDs []string) error
	Ungroup(ctx context.Context, groupID string) error

	DebugAttach(ctx context.Context) error
	DebugSend(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error)
	CaptureScreenshot(ctx context.Context) (string, error)
}

// tabHandle adapts a tracked sessionRecord to the TabHandle contract.
type tabHandle struct {
	mgr       *SessionManager
	sessionID string
}

// TabHandle returns a TabHandle bound to an already-tracked session.
func (m *SessionManager) TabHandle(sessionID string) (TabHandle, error) {
	if _, ok := m.GetSession(sessionID); !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return &tabHandle{mgr: m, sessionID: sessionID}, nil
}

// Resolve implements action.TabResolver so the Action Executor can activate
// or close a tab other than the one it was built against.
func (m *SessionManager) Resolve(ctx context.Context, sessionID string) (TabHandle, error) {
	return m.TabHandle(sessionID)
}

func (t *tabHandle) ID() string { return t.sessionID }

func (t *tabHandle) URL() string {
	s, _ := t.mgr.GetSession(t.sessionID)
	return s.URL
}

func (t *tabHandle) Title() string {
	s, _ := t.mgr.GetSession(t.sessionID)
	return s.Title
}

func (t *tabHandle) page() (*rod.Page, error) {
	page, ok := t.mgr.Page(t.sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", t.sessionID)
	}
	return page, nil
}

// InjectProbeInAllFrames evaluates js in the top frame and every descendant
// frame, tolerating frames that reject injection (restricted/about:blank).
func (t *tabHandle) InjectProbeInAllFrames(ctx context.Context, js string) error {
	page, err := t.page()
	if err != nil {
		return err
	}
	frames, err := t.EnumerateFrames(ctx)
	if err != nil {
		return err
	}
	for _, f := range frames {
		target := page
		if f.FrameID != "" {
			fp, ferr := page.Context(ctx).Frame(proto.PageFrameID(f.FrameID))
			if ferr != nil {
				continue // restricted or detached frame; not fatal
			}
			target = fp
		}
		_, _ = target.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, AwaitPromise: true})
	}
	return nil
}

// EnumerateFrames walks the tab's live frame tree via the navigation-stable
// Page.getFrameTree CDP call rather than an injection-based walk, because an
// iframe can navigate mid-step and invalidate an injected reference.
func (t *tabHandle) EnumerateFrames(ctx context.Context) ([]FrameInfo, error) {
	page, err := t.page()
	if err != nil {
		return nil, err
	}
	res, err := proto.PageGetFrameTree{}.Call(page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}

	var out []FrameInfo
	var walk func(node *proto.PageFrameTree, parent string)
	walk = func(node *proto.PageFrameTree, parent string) {
		if node == nil || node.Frame == nil {
			return
		}
		out = append(out, FrameInfo{
			FrameID:       string(node.Frame.ID),
			ParentFrameID: parent,
			URL:           node.Frame.URL,
		})
		for _, child := range node.ChildFrames {
			walk(child, string(node.Frame.ID))
		}
	}
	walk(res.FrameTree, "")
	return out, nil
}

// SendToFrame evaluates js inside the named frame, returning nil if the
// frame yields no usable value. Callers enforce the per-frame timeout via
// ctx; this method does not impose its own.
func (t *tabHandle) SendToFrame(ctx context.Context, frameID string, js string, args ...interface{}) (json.RawMessage, error) {
	page, err := t.page()
	if err != nil {
		return nil, err
	}

	target := page
	if frameID != "" && frameID != "0" {
		fp, ferr := page.Context(ctx).Frame(proto.PageFrameID(frameID))
		if ferr != nil {
			return nil, fmt.Errorf("frame %s unavailable: %w", frameID, ferr)
		}
		target = fp
	}

	res, err := target.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

func (t *tabHandle) UpdateURL(ctx context.Context, url string) error {
	page, err := t.page()
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Navigate(url); err != nil {
		return err
	}
	t.mgr.UpdateMetadata(t.sessionID, func(s Session) Session {
		s.URL = url
		s.LastActive = time.Now()
		return s
	})
	return nil
}

func (t *tabHandle) WaitLoaded(ctx context.Context, timeout time.Duration) error {
	page, err := t.page()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.Context(waitCtx).WaitLoad(); err != nil {
		return fmt.Errorf("wait loaded: %w", err)
	}
	time.Sleep(500 * time.Millisecond) // settle delay per navigate contract
	return nil
}

func (t *tabHandle) Activate(ctx context.Context) error {
	page, err := t.page()
	if err != nil {
		return err
	}
	return page.Context(ctx).Activate()
}

func (t *tabHandle) Close(ctx context.Context) error {
	page, err := t.page()
	if err == nil {
		_ = page.Close()
	}
	t.mgr.mu.Lock()
	delete(t.mgr.sessions, t.sessionID)
	t.mgr.mu.Unlock()
	_ = t.mgr.persistSessions()
	return nil
}

func (t *tabHandle) New(ctx context.Context, url string) (TabHandle, error) {
	meta, err := t.mgr.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}
	return &tabHandle{mgr: t.mgr, sessionID: meta.ID}, nil
}

func (t *tabHandle) ListTabs(ctx context.Context) ([]Session, error) {
	return t.mgr.List(), nil
}

func (t *tabHandle) ListTabGroups(ctx context.Context) ([]TabGroup, error) {
	return t.mgr.ListGroups(), nil
}

func (t *tabHandle) GroupTabs(ctx context.Context, tabIDs []string, color, title string) (string, error) {
	return t.mgr.GroupTabs(tabIDs, color, title)
}

func (t *tabHandle) AddToGroup(ctx context.Context, groupID string, tabIDs []string) error {
	return t.mgr.AddToGroup(groupID, tabIDs)
}

func (t *tabHandle) Ungroup(ctx context.Context, groupID string) error {
	return t.mgr.Ungroup(groupID)
}

// DebugAttach is idempotent: rod sessions are already CDP-attached on
// creation, so this only checks that the tab's page is still available. It
// records nothing; attachedDebugTabs lives on agent.ExecutionState.
func (t *tabHandle) DebugAttach(ctx context.Context) error {
	if _, err := t.page(); err != nil {
		return err
	}
	return nil
}

// DebugSend dispatches the small set of raw CDP commands the driver actually
// needs for the trusted-input drag fallback and screenshot capture. Rod
// requires typed proto structs rather than an arbitrary (method, params)
// call, so known methods are mapped onto their typed equivalents.
func (t *tabHandle) DebugSend(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	page, err := t.page()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	switch method {
	case "Input.dispatchMouseEvent":
		var p proto.InputDispatchMouseEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Call(page.Context(ctx)); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	case "Input.dispatchKeyEvent":
		var p proto.InputDispatchKeyEvent
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Call(page.Context(ctx)); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	case "Page.captureScreenshot":
		res, err := proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}.Call(page.Context(ctx))
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"data": base64.StdEncoding.EncodeToString(res.Data)})
	default:
		return nil, fmt.Errorf("unsupported debug method: %s", method)
	}
}

func (t *tabHandle) CaptureScreenshot(ctx context.Context) (string, error) {
	page, err := t.page()
	if err != nil {
		return "", err
	}
	data, err := page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// --- tab-group registry -----------------------------------------------

func (m *SessionManager) ListGroups() []TabGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TabGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	return out
}

func (m *SessionManager) GroupTabs(tabIDs []string, color, title string) (string, error) {
	if len(tabIDs) == 0 {
		return "", fmt.Errorf("groupTabs requires at least one tab id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tabIDs {
		if _, ok := m.sessions[id]; !ok {
			return "", fmt.Errorf("unknown session: %s", id)
		}
	}
	id := uuid.NewString()
	m.groups[id] = &TabGroup{ID: id, Title: title, Color: color, TabIDs: append([]string{}, tabIDs...), Created: time.Now()}
	return id, nil
}

func (m *SessionManager) AddToGroup(groupID string, tabIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("unknown tab group: %s", groupID)
	}
	for _, id := range tabIDs {
		if _, ok := m.sessions[id]; !ok {
			return fmt.Errorf("unknown session: %s", id)
		}
		g.TabIDs = append(g.TabIDs, id)
	}
	return nil
}

func (m *SessionManager) Ungroup(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return fmt.Errorf("unknown tab group: %s", groupID)
	}
	delete(m.groups, groupID)
	return nil
}
