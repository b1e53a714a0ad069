/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package signaling

import "context"

// Unsubscribe cancels a watch registration. Safe to call more than once.
type Unsubscribe func()

// CallHandler receives call record snapshots. A nil call means the record was
// deleted from the backend.
type CallHandler func(call *Call)

// CandidateHandler receives the opaque candidate payload of a newly appended
// ICE candidate event.
type CandidateHandler func(candidate string)

// Channel is the out-of-band signaling medium used to exchange call records
// and ICE candidates between the two parties of a call. Implementations must
// be safe for concurrent use and must enforce candidate self-exclusion at the
// subscription level: a watcher never sees candidates it added itself.
type Channel interface {
	// CreateCall allocates an id, persists the initial record with status
	// ringing, and returns the stored record.
	CreateCall(ctx context.Context, fields CallFields) (*Call, error)

	// UpdateCall applies a partial update to the call record. Nil fields in
	// the update never overwrite existing values.
	UpdateCall(ctx context.Context, id string, update CallUpdate) error

	// WatchCall subscribes to every change of the call record. If the record
	// exists at registration time the handler fires once immediately with the
	// current state. Deletion is delivered as a nil call.
	WatchCall(id string, fn CallHandler) (Unsubscribe, error)

	// WatchIncomingCalls fires for newly created records where the receiver
	// is userID and the status is ringing.
	WatchIncomingCalls(userID string, fn CallHandler) (Unsubscribe, error)

	// AddIceCandidate appends a candidate event to the call's candidate
	// stream, tagged with the originating user id.
	AddIceCandidate(ctx context.Context, callID, fromUserID, candidate string) error

	// WatchIceCandidates subscribes to newly appended candidates for the
	// call, excluding candidates added by excludeUserID. Candidates are
	// delivered in append order.
	WatchIceCandidates(callID, excludeUserID string, fn CandidateHandler) (Unsubscribe, error)

	// DeleteCall removes the call record and its candidate stream. This is a
	// best-effort courtesy cleanup; implementations should not fail a missing
	// record.
	DeleteCall(ctx context.Context, callID string) error
}
