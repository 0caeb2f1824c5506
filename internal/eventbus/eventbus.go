// Package eventbus is the fire-and-forget pub/sub for the driver's three
// user-facing channels: STATUS_UPDATE, ACTION_LOG, and EXECUTION_STATE.
package eventbus

import (
	"sync"
	"time"
)

// Topic names the three fixed channels a subscriber can watch.
type Topic string

const (
	StatusUpdate   Topic = "STATUS_UPDATE"
	ActionLog      Topic = "ACTION_LOG"
	ExecutionState Topic = "EXECUTION_STATE"
)

// Status is the driver's overall readiness as reported on StatusUpdate.
type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// LogType classifies one ActionLog entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogPending LogType = "pending"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
)

// Event is the envelope delivered to every subscriber regardless of topic;
// Payload holds one of StatusUpdateEvent, ActionLogEvent, or
// ExecutionStateEvent depending on Topic.
type Event struct {
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StatusUpdateEvent is the payload published on StatusUpdate.
type StatusUpdateEvent struct {
	Status Status `json:"status"`
	Text   string `json:"text"`
}

// ActionLogEvent is the payload published on ActionLog.
type ActionLogEvent struct {
	LogType LogType `json:"logType"`
	Text    string  `json:"text"`
}

// ExecutionStateEvent is the payload published on ExecutionState.
type ExecutionStateEvent struct {
	Running bool `json:"running"`
}

// Bus is a process-wide fan-out: each topic keeps its own subscriber list,
// independent of the others, matching the predicate-keyed subscription
// shape used elsewhere in this driver's deductive engine.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers ch to receive events on topic. The channel should be
// buffered; a full channel has its delivery dropped rather than blocking
// the publisher.
func (b *Bus) Subscribe(topic Topic, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], ch)
}

// Unsubscribe removes ch from topic's subscriber list.
func (b *Bus) Unsubscribe(topic Topic, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, c := range list {
		if c == ch {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (b *Bus) publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	event := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishStatus announces the driver's overall readiness.
func (b *Bus) PublishStatus(status Status, text string) {
	b.publish(StatusUpdate, StatusUpdateEvent{Status: status, Text: text})
}

// PublishActionLog announces one action-level log line.
func (b *Bus) PublishActionLog(logType LogType, text string) {
	b.publish(ActionLog, ActionLogEvent{LogType: logType, Text: text})
}

// PublishExecutionState announces whether the loop is currently executing.
func (b *Bus) PublishExecutionState(running bool) {
	b.publish(ExecutionState, ExecutionStateEvent{Running: running})
}
