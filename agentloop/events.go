package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventRunStart      EventKind = "run_start"
	EventRunEnd        EventKind = "run_end"
	EventIteration     EventKind = "iteration"
	EventAssistantText EventKind = "assistant_text"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventFlowBlocked   EventKind = "flow_blocked"
	EventHintInjected  EventKind = "hint_injected"
	EventRetry         EventKind = "retry"
	EventTurnLimit     EventKind = "turn_limit"
	EventError         EventKind = "error"
)

// SessionEvent is a typed event emitted by the driver loop.
type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host through a buffered channel.
// Events are dropped rather than blocking the loop when nobody reads.
type EventEmitter struct {
	sessionID string
	runID     string
	ch        chan SessionEvent
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an emitter with room for bufferSize events.
func NewEventEmitter(sessionID, runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		runID:     runID,
		ch:        make(chan SessionEvent, bufferSize),
	}
}

// Emit queues an event. It is a no-op once the emitter is closed.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		RunID:     e.runID,
		Data:      data,
	}:
	default:
	}
}

// Events returns the read side of the channel.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the channel. Safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
