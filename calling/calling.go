/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package calling implements peer-to-peer voice and video call sessions for
// the HandyLink marketplace: the call state machine, offer/answer and
// trickle-ICE exchange over a signaling channel, no-answer and disconnect
// handling, and call-summary posting.
package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/media"
	"github.com/handylink/callkit-go-sdk/messages"
	"github.com/handylink/callkit-go-sdk/signaling"
)

// HistoryRecorder persists terminal call outcomes. Recording is best-effort;
// errors are logged, never fatal to the call.
type HistoryRecorder interface {
	Record(ctx context.Context, call *signaling.Call, outcome signaling.CallStatus, duration time.Duration) error
}

// Config holds the configuration for the calling client. The timer durations
// exist as configuration so tests can shrink them; production code should use
// DefaultConfig.
type Config struct {
	// ICEServers for the peer connection (STUN/TURN).
	ICEServers []webrtc.ICEServer

	// DisplayName is the local party's name as shown to the other side.
	DisplayName string

	// NoAnswerTimeout is how long an outgoing call rings before it is marked
	// missed.
	NoAnswerTimeout time.Duration

	// DisconnectGrace is how long a connected call may stay disconnected
	// before it is declared ended.
	DisconnectGrace time.Duration

	// DeleteDelay is how long after a terminal transition the signaling
	// record is deleted.
	DeleteDelay time.Duration

	// DismissDelay is how long after a terminal transition the dismiss event
	// fires.
	DismissDelay time.Duration

	// DurationTick is the interval of the connected-duration counter.
	DurationTick time.Duration

	// Media is the media acquisition configuration.
	Media *media.Config

	// Logger overrides the core SDK logger when set.
	Logger callkitsdk.Logger
}

// DefaultConfig returns a Config with the production timer values.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		NoAnswerTimeout: 30 * time.Second,
		DisconnectGrace: 4 * time.Second,
		DeleteDelay:     5 * time.Second,
		DismissDelay:    3 * time.Second,
		DurationTick:    time.Second,
		Media:           media.DefaultConfig(),
	}
}

// Client is the calling plugin. It holds at most one active session at a
// time, originates outgoing calls, and listens for incoming ones.
type Client struct {
	mu sync.Mutex

	core    *callkitsdk.Client
	channel signaling.Channel
	sink    messages.Sink
	history HistoryRecorder

	acquirer media.Acquirer
	tones    TonePlayer

	config *Config
	logger callkitsdk.Logger
	userID string

	active *Session

	lastReceiverID   string
	lastReceiverName string
	lastType         signaling.CallType

	unsubIncoming signaling.Unsubscribe

	// Events
	Emitter *EventEmitter
}

// New creates a calling client on top of the core SDK client, a signaling
// channel, and a message sink. A nil config uses defaults.
func New(core *callkitsdk.Client, channel signaling.Channel, sink messages.Sink, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{
		core:     core,
		channel:  channel,
		sink:     sink,
		acquirer: media.NewDeviceAcquirer(config.Media),
		tones:    NoopTonePlayer{},
		config:   config,
		logger:   logger,
		userID:   core.UserID,
		Emitter:  NewEventEmitter(),
	}
}

// SetTonePlayer installs the call-progress sound player. The default plays
// nothing.
func (c *Client) SetTonePlayer(p TonePlayer) {
	if p == nil {
		p = NoopTonePlayer{}
	}
	c.mu.Lock()
	c.tones = p
	c.mu.Unlock()
}

// SetAcquirer overrides the media acquirer. Tests use this to avoid touching
// capture devices.
func (c *Client) SetAcquirer(a media.Acquirer) {
	c.mu.Lock()
	c.acquirer = a
	c.mu.Unlock()
}

// SetHistory installs an optional call-history recorder.
func (c *Client) SetHistory(h HistoryRecorder) {
	c.mu.Lock()
	c.history = h
	c.mu.Unlock()
}

// ActiveSession returns the current session, or nil.
func (c *Client) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StartCall originates a call to receiverID: acquires local media, creates
// the offer, persists the signaling record, starts the outgoing ring, and
// arms the no-answer timer. Fails when a call is already active. On any
// failure before the record exists all acquired resources are released and
// the client falls back to idle.
func (c *Client) StartCall(ctx context.Context, receiverID, receiverName string, callType signaling.CallType) (*Session, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot start call: a call is already active")
	}
	c.lastReceiverID = receiverID
	c.lastReceiverName = receiverName
	c.lastType = callType
	acquirer := c.acquirer
	c.mu.Unlock()

	handle, err := acquirer.Acquire(callType == signaling.CallTypeVideo)
	if err != nil {
		return nil, &callkitsdk.MediaError{Err: err}
	}

	peer, err := newPeerLink(handle.API, handle.Tracks, c.config.ICEServers, c.logger)
	if err != nil {
		handle.Close()
		return nil, err
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		peer.Close()
		handle.Close()
		return nil, &callkitsdk.SignalingError{Op: "create offer", Err: err}
	}

	call, err := c.channel.CreateCall(ctx, signaling.CallFields{
		CallerID:     c.userID,
		CallerName:   c.config.DisplayName,
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		Type:         callType,
		Offer:        offer,
	})
	if err != nil {
		peer.Close()
		handle.Close()
		return nil, &callkitsdk.SignalingError{Op: "create call", Err: err}
	}

	session := newSession(c, RoleCaller, call)
	session.media = handle
	session.peer = peer
	session.muted = handle.Flags.StartedMuted

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		peer.Close()
		handle.Close()
		if err := c.channel.DeleteCall(ctx, call.ID); err != nil {
			c.logger.Printf("calling: failed to delete orphaned call record: %v", err)
		}
		return nil, fmt.Errorf("cannot start call: a call is already active")
	}
	c.active = session
	c.mu.Unlock()

	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		session.Emitter.Emit(string(SessionEventRemoteTrack), track)
	})
	peer.OnConnectionState(session.handleConnectionState)

	// The record exists now, so candidates have somewhere to go. Any gathered
	// while the record was being created flush through here.
	peer.SetLocalCandidateSink(session.forwardLocalCandidate(call.ID))

	unsubCand, err := c.channel.WatchIceCandidates(call.ID, c.userID, session.handleRemoteCandidate)
	if err != nil {
		session.cleanup()
		c.clearActive(session)
		return nil, &callkitsdk.SignalingError{Op: "watch candidates", Err: err}
	}
	unsubCall, err := c.channel.WatchCall(call.ID, session.handleCallUpdate)
	if err != nil {
		unsubCand()
		session.cleanup()
		c.clearActive(session)
		return nil, &callkitsdk.SignalingError{Op: "watch call", Err: err}
	}

	// WatchCall fires immediately with the current record state, so with a
	// fast channel the receiver may already have answered or rejected by the
	// time registration returns. Only ring and arm the timer if the session
	// is still ringing, and release the watches if it already tore down.
	session.mu.Lock()
	session.unsubCall = unsubCall
	session.unsubCandidates = unsubCand
	if session.cleaned {
		session.unsubCall = nil
		session.unsubCandidates = nil
		session.mu.Unlock()
		unsubCall()
		unsubCand()
		return session, nil
	}
	ringing := !session.finished && session.state == CallStateRinging
	if ringing {
		session.noAnswerTimer = time.AfterFunc(c.config.NoAnswerTimeout, session.noAnswerExpired)
	}
	session.mu.Unlock()

	if ringing {
		c.tones.Play(ToneOutgoingRing)
		session.Emitter.Emit(string(SessionEventRinging), session)
	}
	return session, nil
}

// RetryCall re-dials the destination of the most recent call with a fresh
// session and a fresh terminal guard.
func (c *Client) RetryCall(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	receiverID := c.lastReceiverID
	receiverName := c.lastReceiverName
	callType := c.lastType
	c.mu.Unlock()

	if receiverID == "" {
		return nil, fmt.Errorf("cannot retry: no previous call")
	}
	return c.StartCall(ctx, receiverID, receiverName, callType)
}

// Listen subscribes to incoming calls for the local user. Each new ringing
// record produces a receiver-side session delivered via the incoming_call
// event; the host answers with Session.Accept or Session.Reject. Duplicate
// delivery of a call already being handled is ignored, as is any call
// arriving while another is active.
func (c *Client) Listen() (signaling.Unsubscribe, error) {
	c.mu.Lock()
	if c.unsubIncoming != nil {
		unsub := c.unsubIncoming
		c.mu.Unlock()
		return unsub, nil
	}
	c.mu.Unlock()

	unsub, err := c.channel.WatchIncomingCalls(c.userID, c.handleIncoming)
	if err != nil {
		return nil, &callkitsdk.SignalingError{Op: "watch incoming calls", Err: err}
	}

	c.mu.Lock()
	c.unsubIncoming = unsub
	c.mu.Unlock()
	return unsub, nil
}

// handleIncoming is the WatchIncomingCalls callback.
func (c *Client) handleIncoming(call *signaling.Call) {
	if call == nil || call.Status != signaling.CallStatusRinging {
		return
	}

	c.mu.Lock()
	if c.active != nil {
		duplicate := c.active.call.ID == call.ID
		c.mu.Unlock()
		if !duplicate {
			c.logger.Printf("calling: ignoring incoming call %s while another call is active", call.ID)
		}
		return
	}
	session := newSession(c, RoleReceiver, call)
	c.active = session
	c.mu.Unlock()

	unsubCand, err := c.channel.WatchIceCandidates(call.ID, c.userID, session.handleRemoteCandidate)
	if err != nil {
		c.logger.Printf("calling: failed to watch candidates for incoming call %s: %v", call.ID, err)
		c.clearActive(session)
		return
	}
	unsubCall, err := c.channel.WatchCall(call.ID, session.handleCallUpdate)
	if err != nil {
		c.logger.Printf("calling: failed to watch incoming call %s: %v", call.ID, err)
		unsubCand()
		c.clearActive(session)
		return
	}

	session.mu.Lock()
	session.unsubCall = unsubCall
	session.unsubCandidates = unsubCand
	if session.cleaned {
		session.unsubCall = nil
		session.unsubCandidates = nil
		session.mu.Unlock()
		unsubCall()
		unsubCand()
		return
	}
	ringing := !session.finished && session.state == CallStateRinging
	session.mu.Unlock()
	if !ringing {
		return
	}

	c.tones.Play(ToneIncomingRing)
	c.Emitter.Emit(string(ClientEventIncomingCall), session)
}

// clearActive drops the active session if it is still s.
func (c *Client) clearActive(s *Session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}

// Close stops listening for incoming calls and releases the active session
// without running its terminal side effects. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	unsub := c.unsubIncoming
	c.unsubIncoming = nil
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if active != nil {
		active.Close()
	}
	c.tones.Stop()
}
