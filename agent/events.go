package agent

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart      EventKind = "session_start"
	EventSessionEnd        EventKind = "session_end"
	EventUserInput         EventKind = "user_input"
	EventStateChange       EventKind = "state_change"
	EventAssistantDelta    EventKind = "assistant_delta"
	EventAssistantMessage  EventKind = "assistant_message"
	EventToolCallPending   EventKind = "tool_call_pending"
	EventToolCallStatus    EventKind = "tool_call_status"
	EventToolCallEnd       EventKind = "tool_call_end"
	EventApprovalRequested EventKind = "approval_requested"
	EventApprovalResolved  EventKind = "approval_resolved"
	EventSteeringInjected  EventKind = "steering_injected"
	EventLoopDetected      EventKind = "loop_detected"
	EventCompaction        EventKind = "compaction"
	EventIterationLimit    EventKind = "iteration_limit"
	EventWarning           EventKind = "warning"
	EventError             EventKind = "error"
)

// SessionEvent is a typed event emitted by the conversation loop.
type SessionEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a
// buffered channel. Emission never blocks the loop: when the host falls
// behind, events are dropped rather than stalling tool execution.
type EventEmitter struct {
	sessionID string
	ch        chan SessionEvent
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan SessionEvent, bufferSize),
	}
}

// Emit sends an event to the channel. If the emitter is closed, the
// event is silently dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop rather than block the loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
