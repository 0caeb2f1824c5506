package agent

import (
	"sync"

	"browseragent/internal/llm"
)

// ExecutionState is the process-wide singleton spec.md §3/§5 describes:
// at-most-one command executing, a cooperative cancellation flag, and the
// set of tabs currently bound to the browser's debug channel. It is
// constructed once per driver process and shared by every Loop.
type ExecutionState struct {
	mu                sync.Mutex
	isExecuting       bool
	shouldStop        bool
	attachedDebugTabs map[string]bool
	client            *llm.Dispatcher
}

// NewExecutionState returns an idle ExecutionState bound to the given
// dispatch client.
func NewExecutionState(client *llm.Dispatcher) *ExecutionState {
	return &ExecutionState{
		attachedDebugTabs: make(map[string]bool),
		client:            client,
	}
}

// TryStart claims isExecuting for a new command, clearing shouldStop. It
// returns false if a command is already in flight, matching the
// single-flight invariant: exactly one of two concurrent requests enters
// the loop.
func (s *ExecutionState) TryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isExecuting {
		return false
	}
	s.isExecuting = true
	s.shouldStop = false
	return true
}

// Finish releases isExecuting at command exit, successful or not.
func (s *ExecutionState) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isExecuting = false
}

// Stop arms shouldStop; the loop observes it at the next suspension point.
// A no-op if no command is currently executing.
func (s *ExecutionState) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isExecuting {
		s.shouldStop = true
	}
}

// ShouldStop reports whether cancellation has been requested for the
// in-flight command.
func (s *ExecutionState) ShouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldStop
}

// IsExecuting reports whether a command currently owns the loop.
func (s *ExecutionState) IsExecuting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExecuting
}

// MarkDebugAttached records a tab as bound to the debug channel; attach is
// idempotent, so calling this more than once for the same tab is harmless.
func (s *ExecutionState) MarkDebugAttached(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedDebugTabs[tabID] = true
}

// ClearDebugAttached removes a tab from the attached set.
func (s *ExecutionState) ClearDebugAttached(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachedDebugTabs, tabID)
}

// IsDebugAttached reports whether a tab is currently bound.
func (s *ExecutionState) IsDebugAttached(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachedDebugTabs[tabID]
}

// Client returns the bound LLM dispatcher.
func (s *ExecutionState) Client() *llm.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
