/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/media"
	"github.com/handylink/callkit-go-sdk/signaling"
)

// Session is one call attempt, caller or receiver side. It owns all mutable
// call state; signaling-channel callbacks, timer callbacks, and peer
// connection callbacks all dispatch into lock-taking methods, so there is a
// single serialization point and no shared state leaks into closures.
//
// A session moves through ringing -> connected -> ended, or from ringing
// directly to rejected or missed. Every path into a terminal state funnels
// through finish, which runs the terminal side effects exactly once no matter
// how many triggers race: local hangup, the echo of our own status write, the
// no-answer timer, a transport failure, or deletion of the record.
type Session struct {
	mu sync.Mutex

	client *Client
	role   Role

	call  *signaling.Call
	state CallState

	media *media.Handle
	peer  *peerLink

	muted     bool
	speakerOn bool

	// Accumulated call duration in whole seconds, counted while connected.
	durationSecs int

	// Remote candidates that arrived before the peer connection exists
	// (receiver side, before Accept). Drained into the peer in arrival order.
	pendingRemote []string

	noAnswerTimer *time.Timer
	graceTimer    *time.Timer
	tickerStop    chan struct{}

	unsubCall       signaling.Unsubscribe
	unsubCandidates signaling.Unsubscribe

	// One-shot terminal guard and cleanup guard.
	finished bool
	cleaned  bool

	// Events
	Emitter *EventEmitter
}

// terminalOutcome describes one terminal transition: the status to persist
// (when this side initiated it), the local state to land in, and the side
// effects that accompany it.
type terminalOutcome struct {
	status   signaling.CallStatus
	state    CallState
	persist  bool
	summary  string
	busyTone bool
}

func newSession(client *Client, role Role, call *signaling.Call) *Session {
	return &Session{
		client:  client,
		role:    role,
		call:    call,
		state:   CallStateRinging,
		Emitter: NewEventEmitter(),
	}
}

// ID returns the call id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.ID
}

// Role returns which side of the call this session plays.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current session state.
func (s *Session) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Call returns a snapshot of the latest call record.
func (s *Session) Call() *signaling.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.Clone()
}

// Duration returns the accumulated connected time.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.durationSecs) * time.Second
}

// IsMuted returns true if local audio is muted.
func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SpeakerOn returns the local speaker-routing preference.
func (s *Session) SpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

// CameraUnavailable reports whether video was requested but no camera could
// be captured. Always false before media is acquired.
func (s *Session) CameraUnavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil && s.media.Flags.CameraUnavailable
}

// ---- Receiver Flow ----

// Accept answers an incoming call: acquires local media, applies the offer,
// publishes the answer, and transitions to connected. Receiver side only.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.role != RoleReceiver {
		s.mu.Unlock()
		return fmt.Errorf("cannot accept: not the receiving side")
	}
	if s.finished || s.state != CallStateRinging {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot accept: call is in state %s", state)
	}
	call := s.call
	s.mu.Unlock()

	handle, err := s.client.acquirer.Acquire(call.Type == signaling.CallTypeVideo)
	if err != nil {
		return &callkitsdk.MediaError{Err: err}
	}

	peer, err := newPeerLink(handle.API, handle.Tracks, s.client.config.ICEServers, s.client.logger)
	if err != nil {
		handle.Close()
		return err
	}
	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		s.Emitter.Emit(string(SessionEventRemoteTrack), track)
	})
	peer.OnConnectionState(s.handleConnectionState)
	peer.SetLocalCandidateSink(s.forwardLocalCandidate(call.ID))

	if err := peer.SetRemoteOffer(call.Offer); err != nil {
		peer.Close()
		handle.Close()
		return &callkitsdk.SignalingError{Op: "apply offer", Err: err}
	}

	// The remote description is set, so buffered candidates apply immediately.
	// Candidates arriving during the drain keep buffering on the session
	// (s.peer is still nil), so the loop preserves arrival order; only once
	// the buffer is empty is the peer published for direct application.
	s.mu.Lock()
	for !s.finished && len(s.pendingRemote) > 0 {
		buffered := s.pendingRemote
		s.pendingRemote = nil
		s.mu.Unlock()
		for _, c := range buffered {
			peer.AddRemoteCandidate(c)
		}
		s.mu.Lock()
	}
	if s.finished {
		// Caller hung up while we were acquiring media.
		s.mu.Unlock()
		peer.Close()
		handle.Close()
		return fmt.Errorf("cannot accept: call already ended")
	}
	s.media = handle
	s.peer = peer
	s.muted = handle.Flags.StartedMuted
	s.mu.Unlock()

	answer, err := peer.CreateAnswer()
	if err != nil {
		s.cleanup()
		s.client.clearActive(s)
		return &callkitsdk.SignalingError{Op: "create answer", Err: err}
	}

	now := time.Now()
	status := signaling.CallStatusConnected
	update := signaling.CallUpdate{
		Status:     &status,
		Answer:     &answer,
		AnsweredAt: &now,
	}
	if err := s.client.channel.UpdateCall(ctx, call.ID, update); err != nil {
		s.cleanup()
		s.client.clearActive(s)
		return &callkitsdk.SignalingError{Op: "publish answer", Err: err}
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.state = CallStateConnected
	s.mu.Unlock()

	s.client.tones.Stop()
	s.client.tones.Play(ToneConnect)
	s.startDurationTicker()
	s.Emitter.Emit(string(SessionEventConnected), s)
	return nil
}

// Reject declines an incoming call. The rejected status is persisted so the
// caller sees it; no summary message is posted from this side. Receiver side
// only.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.role != RoleReceiver {
		s.mu.Unlock()
		return fmt.Errorf("cannot reject: not the receiving side")
	}
	if s.finished || s.state != CallStateRinging {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot reject: call is in state %s", state)
	}
	s.mu.Unlock()

	s.finish(ctx, terminalOutcome{
		status:  signaling.CallStatusRejected,
		state:   CallStateRejected,
		persist: true,
	})
	return nil
}

// ---- Hangup ----

// End hangs up the call from either side and from any non-terminal state.
// When the call was connected for at least one second a duration summary
// message is posted to the other party. Idempotent.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	dur := s.durationSecs
	callType := s.call.Type
	s.mu.Unlock()

	summary := ""
	if dur > 0 {
		summary = durationSummary(callType, dur)
	}
	s.finish(ctx, terminalOutcome{
		status:  signaling.CallStatusEnded,
		state:   CallStateEnded,
		persist: true,
		summary: summary,
	})
	return nil
}

// ---- Local controls ----

// ToggleMute flips the local audio enabled flag on the already-acquired
// tracks, without re-acquiring media. Returns the resulting muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	h := s.media
	s.mu.Unlock()
	if h == nil {
		return true
	}
	muted := h.ToggleAudio()
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return muted
}

// ToggleCamera flips the local video enabled flag on the existing video
// track. When video was never acquired it is a no-op and ok is false.
func (s *Session) ToggleCamera() (disabled, ok bool) {
	s.mu.Lock()
	h := s.media
	s.mu.Unlock()
	if h == nil {
		return true, false
	}
	return h.ToggleVideo()
}

// ToggleSpeaker flips the local audio-routing preference. It has no
// signaling effect. Returns the resulting speaker state.
func (s *Session) ToggleSpeaker() bool {
	s.mu.Lock()
	s.speakerOn = !s.speakerOn
	on := s.speakerOn
	s.mu.Unlock()
	return on
}

// ---- Signaling-channel dispatch ----

// handleCallUpdate is the WatchCall callback. A nil call means the record was
// deleted, which is the other side tearing down.
func (s *Session) handleCallUpdate(call *signaling.Call) {
	if call == nil {
		s.finish(context.Background(), terminalOutcome{
			status: signaling.CallStatusEnded,
			state:  CallStateEnded,
		})
		return
	}

	s.mu.Lock()
	s.call = call
	role := s.role
	s.mu.Unlock()

	switch call.Status {
	case signaling.CallStatusRinging:
		// Initial snapshot, nothing to dispatch.

	case signaling.CallStatusConnected:
		// Only the caller has an offer awaiting this answer. The receiver
		// wrote this update itself; its echo carries nothing to do.
		if role == RoleCaller && call.Answer != "" {
			s.handleRemoteAnswer(call.Answer)
		}

	case signaling.CallStatusRejected:
		out := terminalOutcome{
			status: signaling.CallStatusRejected,
			state:  CallStateRejected,
		}
		if role == RoleCaller {
			out.summary = outcomeSummary(call.Type, "Declined")
			out.busyTone = true
		}
		s.finish(context.Background(), out)

	case signaling.CallStatusEnded:
		s.finish(context.Background(), terminalOutcome{
			status: signaling.CallStatusEnded,
			state:  CallStateEnded,
		})

	case signaling.CallStatusMissed:
		// The caller's own timer wrote this; its echo is blocked by the
		// terminal guard. For an observing receiver the call simply ended.
		s.finish(context.Background(), terminalOutcome{
			status: signaling.CallStatusMissed,
			state:  CallStateEnded,
		})
	}
}

// handleRemoteAnswer applies the receiver's answer and transitions the caller
// to connected. Guarded twice against duplicate delivery: the session must
// still be ringing, and the peer link ignores an answer once its signaling
// state is stable.
func (s *Session) handleRemoteAnswer(answer string) {
	s.mu.Lock()
	if s.finished || s.state != CallStateRinging {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
	s.mu.Unlock()

	if err := peer.SetRemoteAnswer(answer); err != nil {
		// The no-answer timer is already stopped; without a terminal
		// transition here the session would ring forever.
		s.client.logger.Printf("calling: failed to apply remote answer: %v", err)
		s.Emitter.Emit(string(SessionEventError), &callkitsdk.SignalingError{Op: "apply answer", Err: err})
		s.finish(context.Background(), terminalOutcome{
			status:  signaling.CallStatusEnded,
			state:   CallStateEnded,
			persist: true,
		})
		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.state = CallStateConnected
	s.mu.Unlock()

	s.client.tones.Stop()
	s.client.tones.Play(ToneConnect)
	s.startDurationTicker()
	s.Emitter.Emit(string(SessionEventConnected), s)
}

// handleRemoteCandidate is the WatchIceCandidates callback. Before the peer
// connection exists (receiver side, pre-accept) candidates are buffered on
// the session; afterwards the peer link takes over buffering until the remote
// description is set.
func (s *Session) handleRemoteCandidate(candidate string) {
	s.mu.Lock()
	peer := s.peer
	if peer == nil {
		s.pendingRemote = append(s.pendingRemote, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	peer.AddRemoteCandidate(candidate)
}

// ---- Transport dispatch ----

// handleConnectionState reacts to peer connection state changes. A failed
// transport ends the call immediately; a disconnect gets a grace window to
// self-heal before the call is declared ended.
func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()

	case webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		if s.finished || s.state != CallStateConnected || s.graceTimer != nil {
			s.mu.Unlock()
			return
		}
		s.graceTimer = time.AfterFunc(s.client.config.DisconnectGrace, s.graceExpired)
		s.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		s.Emitter.Emit(string(SessionEventError), &callkitsdk.TransportFailedError{State: state.String()})
		s.finish(context.Background(), terminalOutcome{
			status:  signaling.CallStatusEnded,
			state:   CallStateEnded,
			persist: true,
		})
	}
}

// graceExpired fires when the disconnect grace window elapses. The transport
// state is re-checked; a connection that recovered stays up.
func (s *Session) graceExpired() {
	s.mu.Lock()
	s.graceTimer = nil
	peer := s.peer
	state := s.state
	finished := s.finished
	s.mu.Unlock()

	if finished || state != CallStateConnected || peer == nil {
		return
	}
	switch connState := peer.ConnectionState(); connState {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.Emitter.Emit(string(SessionEventError), &callkitsdk.TransportFailedError{State: connState.String()})
		s.finish(context.Background(), terminalOutcome{
			status:  signaling.CallStatusEnded,
			state:   CallStateEnded,
			persist: true,
		})
	}
}

// noAnswerExpired fires when the caller's no-answer timer elapses with the
// session still ringing.
func (s *Session) noAnswerExpired() {
	s.mu.Lock()
	if s.finished || s.state != CallStateRinging {
		s.mu.Unlock()
		return
	}
	callType := s.call.Type
	s.mu.Unlock()

	s.finish(context.Background(), terminalOutcome{
		status:   signaling.CallStatusMissed,
		state:    CallStateMissed,
		persist:  true,
		summary:  outcomeSummary(callType, "No answer"),
		busyTone: true,
	})
}

// ---- Terminal transition ----

// finish runs the terminal side-effect bundle exactly once: stop tones,
// persist the status when this side initiated the transition, post the
// summary message when there is one, record history, schedule the courtesy
// record deletion, release all resources, and emit the terminal and dismiss
// events. All failure paths inside are logged and non-fatal.
func (s *Session) finish(ctx context.Context, out terminalOutcome) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = out.state
	call := s.call
	dur := s.durationSecs
	s.mu.Unlock()

	c := s.client
	c.tones.Stop()
	if out.busyTone {
		c.tones.Play(ToneBusy)
	}

	if out.persist {
		now := time.Now()
		status := out.status
		update := signaling.CallUpdate{
			Status:  &status,
			EndedAt: &now,
		}
		if err := c.channel.UpdateCall(ctx, call.ID, update); err != nil {
			c.logger.Printf("calling: failed to persist call status %s: %v", out.status, err)
		}
	}

	if out.summary != "" {
		if err := c.sink.PostSummary(ctx, c.userID, s.otherPartyID(call), out.summary); err != nil {
			c.logger.Printf("calling: failed to post call summary: %v", err)
		}
	}

	if c.history != nil {
		if err := c.history.Record(ctx, call, out.status, time.Duration(dur)*time.Second); err != nil {
			c.logger.Printf("calling: failed to record call history: %v", err)
		}
	}

	// Courtesy cleanup of the shared record. Best-effort; the other side may
	// have beaten us to it.
	callID := call.ID
	time.AfterFunc(c.config.DeleteDelay, func() {
		if err := c.channel.DeleteCall(context.Background(), callID); err != nil {
			c.logger.Printf("calling: failed to delete call record %s: %v", callID, err)
		}
	})

	s.cleanup()

	s.Emitter.Emit(string(terminalEvent(out.state)), s)
	time.AfterFunc(c.config.DismissDelay, func() {
		s.Emitter.Emit(string(SessionEventDismiss), s)
	})

	c.clearActive(s)
}

func terminalEvent(state CallState) SessionEventKey {
	switch state {
	case CallStateRejected:
		return SessionEventRejected
	case CallStateMissed:
		return SessionEventMissed
	default:
		return SessionEventEnded
	}
}

// otherPartyID returns the user id of the remote party.
func (s *Session) otherPartyID(call *signaling.Call) string {
	if call.CallerID == s.client.userID {
		return call.ReceiverID
	}
	return call.CallerID
}

// ---- Duration ----

// startDurationTicker counts whole connected seconds and emits a tick event
// for each.
func (s *Session) startDurationTicker() {
	s.mu.Lock()
	if s.tickerStop != nil || s.finished {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.tickerStop = stop
	interval := s.client.config.DurationTick
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.state != CallStateConnected {
					s.mu.Unlock()
					continue
				}
				s.durationSecs++
				secs := s.durationSecs
				s.mu.Unlock()
				s.Emitter.Emit(string(SessionEventDurationTick), secs)
			}
		}
	}()
}

// ---- Teardown ----

// Close releases all session resources without running the terminal
// side-effect bundle. Hosts call it on unmount; every terminal transition
// calls it internally. Idempotent.
func (s *Session) Close() {
	s.cleanup()
}

// cleanup stops timers and the duration ticker, unsubscribes both watches,
// clears the candidate buffer, and releases the peer connection and local
// media. Safe to call multiple times and safe to call when nothing was
// started.
func (s *Session) cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	noAnswer, grace := s.noAnswerTimer, s.graceTimer
	s.noAnswerTimer, s.graceTimer = nil, nil
	tickerStop := s.tickerStop
	s.tickerStop = nil
	unsubCall, unsubCand := s.unsubCall, s.unsubCandidates
	s.unsubCall, s.unsubCandidates = nil, nil
	peer := s.peer
	handle := s.media
	s.pendingRemote = nil
	s.mu.Unlock()

	if noAnswer != nil {
		noAnswer.Stop()
	}
	if grace != nil {
		grace.Stop()
	}
	if tickerStop != nil {
		close(tickerStop)
	}
	if unsubCall != nil {
		unsubCall()
	}
	if unsubCand != nil {
		unsubCand()
	}
	if peer != nil {
		peer.Close()
	}
	if handle != nil {
		handle.Close()
	}
}

// forwardLocalCandidate returns the sink that pushes locally gathered
// candidates into the signaling channel, tagged with the local user id.
func (s *Session) forwardLocalCandidate(callID string) func(candidate string) {
	return func(candidate string) {
		if err := s.client.channel.AddIceCandidate(context.Background(), callID, s.client.userID, candidate); err != nil {
			s.client.logger.Printf("calling: failed to forward ICE candidate: %v", err)
		}
	}
}
