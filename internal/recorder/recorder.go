// Package recorder is the agent loop's flight recorder: a rotating JSONL
// trace of every command/decision/action event a Loop emits, for offline
// replay when a run needs to be debugged after the fact.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// EventKind tags a StepEvent with the stage of the loop that produced it.
type EventKind string

const (
	EventCommandStart   EventKind = "command_start"
	EventModelDecision  EventKind = "model_decision"
	EventActionResult   EventKind = "action_result"
	EventCommandDone    EventKind = "command_done"
	EventCommandStopped EventKind = "command_stopped"
)

// StepEvent is one entry in the trace: a typed record of a command starting,
// the model's decision for a step, one action's outcome, or the command
// ending, rather than an opaque blob the loop hands the recorder.
type StepEvent struct {
	Timestamp time.Time `json:"ts"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Step      int       `json:"step"`

	Command string `json:"command,omitempty"` // set on command_start
	Mode    string `json:"mode,omitempty"`     // set on model_decision: "normal" or "quiz"
	Done    bool   `json:"done,omitempty"`     // set on model_decision/command_done

	Action  string `json:"action,omitempty"`  // set on action_result: the action.Kind
	Success bool   `json:"success,omitempty"` // set on action_result

	Summary string `json:"summary,omitempty"` // set on model_decision/command_done
	Error   string `json:"error,omitempty"`   // set on action_result when it failed
}

// Recorder writes a Loop's StepEvents to a rotating JSONL trace file.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
}

// NewRecorder creates a recorder rooted at basePath (TraceDir if empty),
// creating the directory if it doesn't exist.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start begins a new trace file for sessionID, rotating old traces first so
// only the newest MaxRotatedFiles are kept.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log appends ev to the current trace file, stamping Timestamp if it's
// unset. A no-op before Start or after Close.
func (r *Recorder) Log(ev StepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_ = r.encoder.Encode(ev)
}

// rotate keeps only the newest MaxRotatedFiles trace files in basePath.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	if len(traces) >= MaxRotatedFiles {
		keep := MaxRotatedFiles - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(r.basePath, traces[i].Name))
		}
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
