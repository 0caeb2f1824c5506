package snapshot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"browseragent/internal/browser"
	"browseragent/internal/frame"
)

// fakeTab is a minimal browser.TabHandle used to drive a real
// frame.Coordinator without a live browser.
type fakeTab struct {
	frames  []browser.FrameInfo
	results map[string]json.RawMessage // frameID -> raw visual-map envelope
}

func (f *fakeTab) ID() string    { return "fake-tab" }
func (f *fakeTab) URL() string   { return "https://example.com" }
func (f *fakeTab) Title() string { return "Example" }

func (f *fakeTab) InjectProbeInAllFrames(ctx context.Context, js string) error { return nil }

func (f *fakeTab) EnumerateFrames(ctx context.Context) ([]browser.FrameInfo, error) {
	return f.frames, nil
}

func (f *fakeTab) SendToFrame(ctx context.Context, frameID string, js string, args ...interface{}) (json.RawMessage, error) {
	if raw, ok := f.results[frameID]; ok {
		return raw, nil
	}
	return nil, nil
}

func (f *fakeTab) UpdateURL(ctx context.Context, url string) error             { return nil }
func (f *fakeTab) WaitLoaded(ctx context.Context, timeout time.Duration) error { return nil }
func (f *fakeTab) Activate(ctx context.Context) error                         { return nil }
func (f *fakeTab) Close(ctx context.Context) error                            { return nil }
func (f *fakeTab) New(ctx context.Context, url string) (browser.TabHandle, error) {
	return f, nil
}
func (f *fakeTab) ListTabs(ctx context.Context) ([]browser.Session, error) { return nil, nil }
func (f *fakeTab) ListTabGroups(ctx context.Context) ([]browser.TabGroup, error) {
	return nil, nil
}
func (f *fakeTab) GroupTabs(ctx context.Context, tabIDs []string, color, title string) (string, error) {
	return "", nil
}
func (f *fakeTab) AddToGroup(ctx context.Context, groupID string, tabIDs []string) error { return nil }
func (f *fakeTab) Ungroup(ctx context.Context, groupID string) error                     { return nil }
func (f *fakeTab) DebugAttach(ctx context.Context) error                                { return nil }
func (f *fakeTab) DebugSend(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeTab) CaptureScreenshot(ctx context.Context) (string, error) { return "", nil }

func visualMapEnvelope(t *testing.T, elements string) json.RawMessage {
	t.Helper()
	inner := `{"elements":[` + elements + `],"viewport":{"width":1280,"height":720},"scroll":{"x":0,"y":0}}`
	wrapped, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return wrapped
}

func TestCollectAllFramesMergesTopAndIframeContent(t *testing.T) {
	elementJSON := `{"tag":"button","selector":"#go","visible":true,"interactive":true}`
	tab := &fakeTab{
		frames: []browser.FrameInfo{
			{FrameID: "root", URL: "https://example.com"},
			{FrameID: "child", ParentFrameID: "root", URL: "https://example.com/quiz"},
		},
		results: map[string]json.RawMessage{
			"":      visualMapEnvelope(t, elementJSON),
			"child": visualMapEnvelope(t, elementJSON),
		},
	}
	coord := frame.New(tab)

	merged, err := CollectAllFrames(context.Background(), coord)
	if err != nil {
		t.Fatalf("CollectAllFrames failed: %v", err)
	}
	if !strings.HasPrefix(merged, outerHeader) {
		t.Fatalf("expected merged doc to start with the outer header, got: %s", merged)
	}
	if !strings.Contains(merged, "=== IFRAME CONTENT (frameId=1) ===") {
		t.Fatalf("expected an iframe content block, got: %s", merged)
	}
}

func TestCollectAllFramesSkipsNonHTTPFrames(t *testing.T) {
	tab := &fakeTab{
		frames: []browser.FrameInfo{
			{FrameID: "root", URL: "about:blank"},
		},
	}
	coord := frame.New(tab)

	merged, err := CollectAllFrames(context.Background(), coord)
	if err != nil {
		t.Fatalf("CollectAllFrames failed: %v", err)
	}
	if !strings.Contains(merged, "Elements: 0") {
		t.Fatalf("expected the empty-top-frame fallback, got: %s", merged)
	}
}

func TestNeedsIframeRetryDetectsMissingIframeBlock(t *testing.T) {
	if !NeedsIframeRetry(outerHeader + "\nViewport: 0x0 | Scroll: (0,0) | Elements: 0") {
		t.Fatal("expected NeedsIframeRetry true when no iframe block is present")
	}
	if NeedsIframeRetry(outerHeader + "\n=== IFRAME CONTENT (frameId=1) ===\n") {
		t.Fatal("expected NeedsIframeRetry false once an iframe block exists")
	}
}

func TestComputeDiffReturnsUnchangedWhenIdentical(t *testing.T) {
	doc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 1\n[*button] @(0,0 10x10) sel=\"#go\" \"Go\""
	if diff := ComputeDiff(doc, doc); diff != unchangedMsg {
		t.Fatalf("expected unchanged message, got: %q", diff)
	}
}

func TestComputeDiffRepeatsChangedSectionInFull(t *testing.T) {
	oldDoc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 1\n[*button] @(0,0 10x10) sel=\"#go\" \"Go\""
	newDoc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 1\n[*button] @(0,0 10x10) sel=\"#go\" \"Go now\""

	diff := ComputeDiff(oldDoc, newDoc)
	if !strings.HasPrefix(diff, diffHeader) {
		t.Fatalf("expected diff header, got: %s", diff)
	}
	if !strings.Contains(diff, "Go now") {
		t.Fatalf("expected the changed element line replayed in full, got: %s", diff)
	}
}

func TestComputeDiffCollapsesUnchangedOuterSectionWithKeyControls(t *testing.T) {
	oldDoc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 1\n[*button] @(0,0 10x10) sel=\"#go\" \"Go\"\n" +
		"=== IFRAME CONTENT (frameId=1) ===\n[*input] @(0,0 10x10) sel=\"#field\" \"old\""
	newDoc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 1\n[*button] @(0,0 10x10) sel=\"#go\" \"Go\"\n" +
		"=== IFRAME CONTENT (frameId=1) ===\n[*input] @(0,0 10x10) sel=\"#field\" \"new\""

	diff := ComputeDiff(oldDoc, newDoc)
	if !strings.Contains(diff, "Outer page: 1 elements unchanged") {
		t.Fatalf("expected the outer section to collapse, got: %s", diff)
	}
	if !strings.Contains(diff, `Key controls: "Go" sel="#go"`) {
		t.Fatalf("expected a key-controls pointer for the collapsed outer page, got: %s", diff)
	}
	if !strings.Contains(diff, "new") {
		t.Fatalf("expected the changed iframe line replayed in full, got: %s", diff)
	}
}

func TestComputeDiffCollapsesUnchangedIframeSection(t *testing.T) {
	doc := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 0\n" +
		"=== IFRAME CONTENT (frameId=1) ===\n[*input] @(0,0 10x10) sel=\"#field\" \"same\""
	changed := outerHeader + "\nViewport: 1280x720 | Scroll: (0,0) | Elements: 0\n[newel] @(5,5 1x1)\n" +
		"=== IFRAME CONTENT (frameId=1) ===\n[*input] @(0,0 10x10) sel=\"#field\" \"same\""

	diff := ComputeDiff(doc, changed)
	if !strings.Contains(diff, "[Iframe: 1 unchanged]") {
		t.Fatalf("expected the iframe section to collapse, got: %s", diff)
	}
}

func TestCollectWithRetryStopsOnceIframeContentAppears(t *testing.T) {
	elementJSON := `{"tag":"div","selector":"#x","visible":true}`
	tab := &fakeTab{
		frames: []browser.FrameInfo{
			{FrameID: "root", URL: "https://example.com"},
			{FrameID: "child", ParentFrameID: "root", URL: "https://example.com/quiz"},
		},
		results: map[string]json.RawMessage{
			"":      visualMapEnvelope(t, elementJSON),
			"child": visualMapEnvelope(t, elementJSON),
		},
	}
	coord := frame.New(tab)

	merged, err := CollectWithRetry(context.Background(), coord, true, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("CollectWithRetry failed: %v", err)
	}
	if NeedsIframeRetry(merged) {
		t.Fatalf("expected iframe content present on first attempt, got: %s", merged)
	}
}

func TestCollectWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	tab := &fakeTab{
		frames: []browser.FrameInfo{{FrameID: "root", URL: "https://example.com"}},
	}
	coord := frame.New(tab)

	merged, err := CollectWithRetry(context.Background(), coord, true, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("CollectWithRetry failed: %v", err)
	}
	if !NeedsIframeRetry(merged) {
		t.Fatal("expected retries to give up and still report missing iframe content")
	}
}
