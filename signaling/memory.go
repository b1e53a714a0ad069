/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryChannel is an in-process Channel implementation. Both parties of a
// call share the same instance; it backs the loopback example and the calling
// package's tests, and doubles as the room state of the reference signal
// server.
type MemoryChannel struct {
	mu         sync.Mutex
	calls      map[string]*Call
	candidates map[string][]IceCandidate

	callWatchers      map[string]map[int]CallHandler
	incomingWatchers  map[string]map[int]CallHandler
	candidateWatchers map[string]map[int]candidateWatcher
	nextWatcherID     int
}

type candidateWatcher struct {
	exclude string
	fn      CandidateHandler
}

// NewMemoryChannel creates an empty in-memory signaling channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		calls:             make(map[string]*Call),
		candidates:        make(map[string][]IceCandidate),
		callWatchers:      make(map[string]map[int]CallHandler),
		incomingWatchers:  make(map[string]map[int]CallHandler),
		candidateWatchers: make(map[string]map[int]candidateWatcher),
	}
}

// CreateCall allocates an id and persists the record with status ringing.
func (m *MemoryChannel) CreateCall(_ context.Context, fields CallFields) (*Call, error) {
	call := &Call{
		ID:           uuid.New().String(),
		CallerID:     fields.CallerID,
		CallerName:   fields.CallerName,
		ReceiverID:   fields.ReceiverID,
		ReceiverName: fields.ReceiverName,
		Type:         fields.Type,
		Status:       CallStatusRinging,
		Offer:        fields.Offer,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.calls[call.ID] = call
	callHandlers := m.snapshotCallHandlers(call.ID)
	incoming := m.snapshotIncomingHandlers(call.ReceiverID)
	snapshot := call.Clone()
	m.mu.Unlock()

	for _, fn := range callHandlers {
		fn(snapshot.Clone())
	}
	for _, fn := range incoming {
		fn(snapshot.Clone())
	}
	return snapshot, nil
}

// UpdateCall applies a partial update; nil fields never overwrite.
func (m *MemoryChannel) UpdateCall(_ context.Context, id string, update CallUpdate) error {
	m.mu.Lock()
	call, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if update.Status != nil {
		call.Status = *update.Status
	}
	if update.Answer != nil {
		call.Answer = *update.Answer
	}
	if update.AnsweredAt != nil {
		t := *update.AnsweredAt
		call.AnsweredAt = &t
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		call.EndedAt = &t
	}
	handlers := m.snapshotCallHandlers(id)
	snapshot := call.Clone()
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(snapshot.Clone())
	}
	return nil
}

// WatchCall registers a handler for record changes. Fires immediately with
// the current state if the record exists.
func (m *MemoryChannel) WatchCall(id string, fn CallHandler) (Unsubscribe, error) {
	m.mu.Lock()
	watcherID := m.nextWatcherID
	m.nextWatcherID++
	if m.callWatchers[id] == nil {
		m.callWatchers[id] = make(map[int]CallHandler)
	}
	m.callWatchers[id][watcherID] = fn
	current := m.calls[id].Clone()
	m.mu.Unlock()

	if current != nil {
		fn(current)
	}

	return func() {
		m.mu.Lock()
		delete(m.callWatchers[id], watcherID)
		m.mu.Unlock()
	}, nil
}

// WatchIncomingCalls registers a handler for new ringing records addressed to
// userID.
func (m *MemoryChannel) WatchIncomingCalls(userID string, fn CallHandler) (Unsubscribe, error) {
	m.mu.Lock()
	watcherID := m.nextWatcherID
	m.nextWatcherID++
	if m.incomingWatchers[userID] == nil {
		m.incomingWatchers[userID] = make(map[int]CallHandler)
	}
	m.incomingWatchers[userID][watcherID] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.incomingWatchers[userID], watcherID)
		m.mu.Unlock()
	}, nil
}

// AddIceCandidate appends a candidate event and fans it out to watchers,
// excluding the originator's own subscriptions.
func (m *MemoryChannel) AddIceCandidate(_ context.Context, callID, fromUserID, candidate string) error {
	event := IceCandidate{
		ID:         uuid.New().String(),
		CallID:     callID,
		FromUserID: fromUserID,
		Candidate:  candidate,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.candidates[callID] = append(m.candidates[callID], event)
	var handlers []CandidateHandler
	for _, w := range m.candidateWatchers[callID] {
		if w.exclude == fromUserID {
			continue
		}
		handlers = append(handlers, w.fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(candidate)
	}
	return nil
}

// WatchIceCandidates registers a handler for newly appended candidates,
// excluding candidates from excludeUserID. Only new candidates are delivered;
// the existing backlog is not replayed.
func (m *MemoryChannel) WatchIceCandidates(callID, excludeUserID string, fn CandidateHandler) (Unsubscribe, error) {
	m.mu.Lock()
	watcherID := m.nextWatcherID
	m.nextWatcherID++
	if m.candidateWatchers[callID] == nil {
		m.candidateWatchers[callID] = make(map[int]candidateWatcher)
	}
	m.candidateWatchers[callID][watcherID] = candidateWatcher{exclude: excludeUserID, fn: fn}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.candidateWatchers[callID], watcherID)
		m.mu.Unlock()
	}, nil
}

// DeleteCall removes the record and candidate stream and notifies record
// watchers with nil. Missing records are not an error.
func (m *MemoryChannel) DeleteCall(_ context.Context, callID string) error {
	m.mu.Lock()
	_, existed := m.calls[callID]
	delete(m.calls, callID)
	delete(m.candidates, callID)
	handlers := m.snapshotCallHandlers(callID)
	m.mu.Unlock()

	if existed {
		for _, fn := range handlers {
			fn(nil)
		}
	}
	return nil
}

// GetCall returns a copy of the current record, or nil. Used by the reference
// signal server and by tests.
func (m *MemoryChannel) GetCall(id string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id].Clone()
}

// Candidates returns a copy of the candidate backlog for a call.
func (m *MemoryChannel) Candidates(callID string) []IceCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IceCandidate, len(m.candidates[callID]))
	copy(out, m.candidates[callID])
	return out
}

// snapshotCallHandlers copies the handler set for a call id. Callers must
// hold m.mu.
func (m *MemoryChannel) snapshotCallHandlers(id string) []CallHandler {
	var out []CallHandler
	for _, fn := range m.callWatchers[id] {
		out = append(out, fn)
	}
	return out
}

// snapshotIncomingHandlers copies the incoming-call handler set for a user.
// Callers must hold m.mu.
func (m *MemoryChannel) snapshotIncomingHandlers(userID string) []CallHandler {
	var out []CallHandler
	for _, fn := range m.incomingWatchers[userID] {
		out = append(out, fn)
	}
	return out
}
