/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

import "sync"

// ---- Call State & Event Enums ----

// CallState represents the state of a call session in the state machine
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateEnded     CallState = "ended"
	CallStateRejected  CallState = "rejected"
	CallStateMissed    CallState = "missed"
)

// Terminal returns true for states a session never leaves.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateRejected || s == CallStateMissed
}

// Role identifies which side of the call this session plays.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// SessionEventKey identifies the type of session event
type SessionEventKey string

const (
	SessionEventRinging      SessionEventKey = "ringing"
	SessionEventConnected    SessionEventKey = "connected"
	SessionEventEnded        SessionEventKey = "ended"
	SessionEventRejected     SessionEventKey = "rejected"
	SessionEventMissed       SessionEventKey = "missed"
	SessionEventRemoteTrack  SessionEventKey = "remote_track"
	SessionEventDurationTick SessionEventKey = "duration"
	SessionEventDismiss      SessionEventKey = "dismiss"
	SessionEventError        SessionEventKey = "call_error"
)

// ClientEventKey identifies the type of client-level event
type ClientEventKey string

const (
	ClientEventIncomingCall ClientEventKey = "incoming_call"
)

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
