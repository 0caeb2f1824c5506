// Package frame enumerates a tab's frames, injects the page probe into each
// of them, and routes per-frame messages under a hard timeout so a wedged
// frame never blocks the pipeline.
package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"browseragent/internal/browser"
	"browseragent/internal/probe"
)

// FrameRef is a frame addressed by the small integer id the rest of the
// pipeline (LLM actions, snapshots) uses; top frame is always 0. CDP frame
// ids are long opaque strings, so the coordinator keeps the int<->CDP
// mapping current across InjectAll/Frames calls within a step.
type FrameRef struct {
	ID       int
	ParentID *int
	URL      string
}

// DefaultTimeout is the hard per-frame message timeout (spec §4.2(iii)).
const DefaultTimeout = 3 * time.Second

var restrictedPrefixes = []string{"about:", "chrome:", "chrome-extension:", "devtools:", "data:"}

func isRestricted(url string) bool {
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// Coordinator wraps a browser.TabHandle with frame-aware injection and
// timeout-bounded messaging.
type Coordinator struct {
	Tab     browser.TabHandle
	Timeout time.Duration

	mu        sync.Mutex
	idToCDP   map[int]string
	cdpToID   map[string]int
}

// New builds a Coordinator with the default per-frame timeout.
func New(tab browser.TabHandle) *Coordinator {
	return &Coordinator{Tab: tab, Timeout: DefaultTimeout}
}

// Frames enumerates frames via the tab's navigation-stable frame tree.
func (c *Coordinator) Frames(ctx context.Context) ([]browser.FrameInfo, error) {
	return c.Tab.EnumerateFrames(ctx)
}

// FrameRefs enumerates frames and (re)assigns the small integer ids the rest
// of the pipeline addresses frames by. Enumeration order is depth-first from
// the root, so the top frame is always id 0.
func (c *Coordinator) FrameRefs(ctx context.Context) ([]FrameRef, error) {
	infos, err := c.Frames(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idToCDP = make(map[int]string, len(infos))
	c.cdpToID = make(map[string]int, len(infos))
	parentOf := make(map[string]int)

	refs := make([]FrameRef, 0, len(infos))
	for i, info := range infos {
		c.idToCDP[i] = info.FrameID
		c.cdpToID[info.FrameID] = i
		parentOf[info.FrameID] = i

		ref := FrameRef{ID: i, URL: info.URL}
		if info.ParentFrameID != "" {
			if pid, ok := c.cdpToID[info.ParentFrameID]; ok {
				p := pid
				ref.ParentID = &p
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ResolveFrame maps a pipeline frame id back to the CDP frame id, valid
// until the next FrameRefs call.
func (c *Coordinator) ResolveFrame(id int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cdp, ok := c.idToCDP[id]
	return cdp, ok
}

// InjectAll re-injects the probe into every frame; restricted frames are
// tolerated silently, real content frames that fail are not.
func (c *Coordinator) InjectAll(ctx context.Context) error {
	frames, err := c.Frames(ctx)
	if err != nil {
		return fmt.Errorf("enumerate frames: %w", err)
	}
	var firstErr error
	for _, f := range frames {
		if isRestricted(f.URL) {
			continue
		}
		if _, err := c.Send(ctx, f.FrameID, probe.Script()+"; true"); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("inject frame %s (%s): %w", f.FrameID, f.URL, err)
			}
		}
	}
	return firstErr
}

// Send evaluates js in the given frame with the coordinator's hard timeout.
// Every failure is returned as an error, and a timeout is reported as one;
// restricted frames are not special-cased here.
func (c *Coordinator) Send(ctx context.Context, frameID string, js string, args ...interface{}) (json.RawMessage, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.Tab.SendToFrame(sendCtx, frameID, js, args...)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("frame %s timed out after %s: %w", frameID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

// Evaluator returns a probe.Evaluator bound to one CDP frame id and this
// coordinator's context/timeout policy.
func (c *Coordinator) Evaluator(ctx context.Context, frameID string) probe.Evaluator {
	return func(js string, args ...interface{}) (json.RawMessage, error) {
		return c.Send(ctx, frameID, js, args...)
	}
}

// EvaluatorForID returns a probe.Evaluator addressed by pipeline frame id
// (nil or 0 means top frame). Resolution uses the mapping from the most
// recent FrameRefs call.
func (c *Coordinator) EvaluatorForID(ctx context.Context, frameID *int) (probe.Evaluator, error) {
	if frameID == nil || *frameID == 0 {
		return c.Evaluator(ctx, ""), nil
	}
	cdp, ok := c.ResolveFrame(*frameID)
	if !ok {
		return nil, fmt.Errorf("unknown frame id %d", *frameID)
	}
	return c.Evaluator(ctx, cdp), nil
}
