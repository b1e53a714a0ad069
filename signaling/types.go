/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package signaling defines the out-of-band signaling channel used to set up
// calls: the Call record, the ICE candidate event stream, and the Channel
// interface any realtime backend (websocket, Redis, in-memory) can satisfy.
package signaling

import "time"

// CallType indicates whether a call carries audio only or audio and video.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the shared status of a call attempt as persisted in the
// signaling channel. The storage layer does not enforce transition order;
// the session state machine does.
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
)

// Terminal reports whether s is a terminal call status.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed || s == CallStatusRejected
}

// Call is one call attempt between two parties. Identity fields and the call
// type are immutable after creation. Offer is set by the caller at creation;
// Answer is set by the receiver when accepting; both are opaque serialized
// session descriptions and are immutable once set.
type Call struct {
	ID           string      `json:"id"`
	CallerID     string      `json:"callerId"`
	CallerName   string      `json:"callerName,omitempty"`
	ReceiverID   string      `json:"receiverId"`
	ReceiverName string      `json:"receiverName,omitempty"`
	Type         CallType    `json:"type"`
	Status       CallStatus  `json:"status"`
	Offer        string      `json:"offer,omitempty"`
	Answer       string      `json:"answer,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	AnsweredAt   *time.Time  `json:"answeredAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
}

// Clone returns a deep copy of the call record.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// CallFields holds the initial fields for creating a call record. The backend
// allocates the id and the creation timestamp.
type CallFields struct {
	CallerID     string   `json:"callerId"`
	CallerName   string   `json:"callerName,omitempty"`
	ReceiverID   string   `json:"receiverId"`
	ReceiverName string   `json:"receiverName,omitempty"`
	Type         CallType `json:"type"`
	Offer        string   `json:"offer"`
}

// CallUpdate is a partial update to a call record. Nil fields are left
// untouched by the backend; an update never clears a previously set value.
type CallUpdate struct {
	Status     *CallStatus `json:"status,omitempty"`
	Answer     *string     `json:"answer,omitempty"`
	AnsweredAt *time.Time  `json:"answeredAt,omitempty"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
}

// StatusUpdate returns a CallUpdate that only sets the status.
func StatusUpdate(s CallStatus) CallUpdate {
	return CallUpdate{Status: &s}
}

// IceCandidate is an append-only candidate event scoped to a call. The
// Candidate payload is an opaque serialized network-path descriptor; the
// channel never parses it.
type IceCandidate struct {
	ID         string    `json:"id"`
	CallID     string    `json:"callId"`
	FromUserID string    `json:"fromUserId"`
	Candidate  string    `json:"candidate"`
	CreatedAt  time.Time `json:"createdAt"`
}
