/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/media"
	"github.com/handylink/callkit-go-sdk/messages"
	"github.com/handylink/callkit-go-sdk/signaling"
)

// newTestCalling creates a calling client with shrunk timers, synthetic media,
// and no STUN servers so tests never touch the network.
func newTestCalling(t *testing.T, userID string, channel signaling.Channel, sink messages.Sink) *Client {
	t.Helper()

	core, err := callkitsdk.NewClient("test-token", userID, nil)
	if err != nil {
		t.Fatalf("Failed to create core client: %v", err)
	}

	config := DefaultConfig()
	config.ICEServers = nil
	config.NoAnswerTimeout = 80 * time.Millisecond
	config.DisconnectGrace = 40 * time.Millisecond
	config.DeleteDelay = 50 * time.Millisecond
	config.DismissDelay = 20 * time.Millisecond
	config.DurationTick = 10 * time.Millisecond

	c := New(core, channel, sink, config)
	c.SetAcquirer(media.SyntheticAcquirer{})
	t.Cleanup(c.Close)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// recordingTones records the tone sequence a client played.
type recordingTones struct {
	mu     sync.Mutex
	played []Tone
	stops  int
}

func (r *recordingTones) Play(tone Tone) {
	r.mu.Lock()
	r.played = append(r.played, tone)
	r.mu.Unlock()
}

func (r *recordingTones) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *recordingTones) sequence() []Tone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tone, len(r.played))
	copy(out, r.played)
	return out
}

func TestStartCallAndConnect(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	incoming := make(chan *Session, 1)
	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		incoming <- data.(*Session)
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	if session.Role() != RoleCaller {
		t.Errorf("Expected role caller, got %s", session.Role())
	}

	var bobSession *Session
	select {
	case bobSession = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for incoming call")
	}
	if bobSession.Role() != RoleReceiver {
		t.Errorf("Expected role receiver, got %s", bobSession.Role())
	}
	if bobSession.ID() != session.ID() {
		t.Errorf("Caller and receiver disagree on call id: %s vs %s", session.ID(), bobSession.ID())
	}

	if err := bobSession.Accept(context.Background()); err != nil {
		t.Fatalf("Failed to accept call: %v", err)
	}

	waitFor(t, "caller connected", func() bool { return session.State() == CallStateConnected })
	waitFor(t, "receiver connected", func() bool { return bobSession.State() == CallStateConnected })

	// The no-answer timer must not fire on a connected call.
	time.Sleep(100 * time.Millisecond)
	if session.State() != CallStateConnected {
		t.Errorf("Expected caller to stay connected, got %s", session.State())
	}

	waitFor(t, "duration to accrue", func() bool { return session.Duration() > 0 })

	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	waitFor(t, "caller ended", func() bool { return session.State() == CallStateEnded })
	waitFor(t, "receiver ended", func() bool { return bobSession.State() == CallStateEnded })

	// Exactly one duration summary, posted by the side that hung up.
	posted := sink.Posted()
	if len(posted) != 1 {
		t.Fatalf("Expected 1 posted summary, got %d", len(posted))
	}
	if posted[0].FromID != "alice" || posted[0].ToPersonID != "bob" {
		t.Errorf("Summary routed %s -> %s, expected alice -> bob", posted[0].FromID, posted[0].ToPersonID)
	}
	if !strings.HasPrefix(posted[0].Text, "📞 Voice call · ") {
		t.Errorf("Unexpected summary text %q", posted[0].Text)
	}

	// The courtesy deletion removes the shared record.
	callID := session.ID()
	waitFor(t, "record deletion", func() bool { return channel.GetCall(callID) == nil })

	waitFor(t, "active session cleared", func() bool {
		return alice.ActiveSession() == nil && bob.ActiveSession() == nil
	})
}

func TestAcceptPersistsStatusUpdates(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	incoming := make(chan *Session, 1)
	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		incoming <- data.(*Session)
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	var bobSession *Session
	select {
	case bobSession = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for incoming call")
	}
	if err := bobSession.Accept(context.Background()); err != nil {
		t.Fatalf("Failed to accept call: %v", err)
	}

	// Accepting writes the answer and the connected status to the shared
	// record in one update.
	record := channel.GetCall(session.ID())
	if record == nil {
		t.Fatal("Expected the call record to exist after accept")
	}
	if record.Status != signaling.CallStatusConnected {
		t.Errorf("Expected status connected, got %s", record.Status)
	}
	if record.Answer == "" {
		t.Error("Expected the answer to be persisted")
	}
	if record.AnsweredAt == nil {
		t.Error("Expected answeredAt to be persisted")
	}

	waitFor(t, "caller connected", func() bool { return session.State() == CallStateConnected })
	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}

	// The terminal transition persists the final status before the courtesy
	// deletion removes the record.
	record = channel.GetCall(session.ID())
	if record == nil {
		t.Fatal("Expected the call record to survive until the courtesy deletion")
	}
	if record.Status != signaling.CallStatusEnded {
		t.Errorf("Expected status ended, got %s", record.Status)
	}
	if record.EndedAt == nil {
		t.Error("Expected endedAt to be persisted")
	}
}

func TestCallMissed(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	tones := &recordingTones{}
	alice.SetTonePlayer(tones)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}

	dismissed := make(chan struct{}, 1)
	session.Emitter.On(string(SessionEventDismiss), func(interface{}) {
		select {
		case dismissed <- struct{}{}:
		default:
		}
	})

	waitFor(t, "missed state", func() bool { return session.State() == CallStateMissed })

	posted := sink.Posted()
	if len(posted) != 1 {
		t.Fatalf("Expected 1 posted summary, got %d", len(posted))
	}
	if posted[0].Text != "📞 Voice call · No answer" {
		t.Errorf("Unexpected summary text %q", posted[0].Text)
	}
	if posted[0].FromID != "alice" || posted[0].ToPersonID != "bob" {
		t.Errorf("Summary routed %s -> %s, expected alice -> bob", posted[0].FromID, posted[0].ToPersonID)
	}

	select {
	case <-dismissed:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for dismiss event")
	}

	callID := session.ID()
	waitFor(t, "record deletion", func() bool { return channel.GetCall(callID) == nil })

	seq := tones.sequence()
	if len(seq) != 2 || seq[0] != ToneOutgoingRing || seq[1] != ToneBusy {
		t.Errorf("Expected tone sequence [outgoing_ring busy], got %v", seq)
	}
}

func TestCallRejected(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	var bobSession *Session
	var bobMu sync.Mutex
	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		s := data.(*Session)
		bobMu.Lock()
		bobSession = s
		bobMu.Unlock()
		go func() {
			if err := s.Reject(context.Background()); err != nil {
				t.Errorf("Failed to reject call: %v", err)
			}
		}()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}

	waitFor(t, "caller rejected", func() bool { return session.State() == CallStateRejected })
	waitFor(t, "receiver rejected", func() bool {
		bobMu.Lock()
		defer bobMu.Unlock()
		return bobSession != nil && bobSession.State() == CallStateRejected
	})

	waitFor(t, "declined summary", func() bool { return len(sink.Posted()) == 1 })
	posted := sink.Posted()
	if posted[0].Text != "📞 Voice call · Declined" {
		t.Errorf("Unexpected summary text %q", posted[0].Text)
	}
	if posted[0].FromID != "alice" {
		t.Errorf("Expected the caller to post the summary, got %s", posted[0].FromID)
	}

	// The rejecting side posts nothing.
	time.Sleep(100 * time.Millisecond)
	if n := len(sink.Posted()); n != 1 {
		t.Errorf("Expected summary count to stay at 1, got %d", n)
	}
}

func TestHangupWhileRingingPostsNoSummary(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	if session.State() != CallStateEnded {
		t.Errorf("Expected state ended, got %s", session.State())
	}

	// The no-answer timer must stay silent after the terminal transition.
	time.Sleep(150 * time.Millisecond)
	if session.State() != CallStateEnded {
		t.Errorf("Expected state to stay ended, got %s", session.State())
	}
	if n := len(sink.Posted()); n != 0 {
		t.Errorf("Expected no posted summaries, got %d", n)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		s := data.(*Session)
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				t.Errorf("Failed to accept call: %v", err)
			}
		}()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	waitFor(t, "connected", func() bool { return session.State() == CallStateConnected })
	waitFor(t, "duration to accrue", func() bool { return session.Duration() > 0 })

	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	if err := session.End(context.Background()); err != nil {
		t.Errorf("Second End returned error: %v", err)
	}

	// One terminal transition, one summary, even though the echo of our own
	// status write also arrives through the watch.
	time.Sleep(100 * time.Millisecond)
	if n := len(sink.Posted()); n != 1 {
		t.Errorf("Expected 1 posted summary, got %d", n)
	}
}

func TestAcceptAfterCallerHangsUp(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	incoming := make(chan *Session, 1)
	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		incoming <- data.(*Session)
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	var bobSession *Session
	select {
	case bobSession = <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for incoming call")
	}

	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	waitFor(t, "receiver ended", func() bool { return bobSession.State() == CallStateEnded })

	if err := bobSession.Accept(context.Background()); err == nil {
		t.Error("Expected Accept to fail on an ended call")
	}
}

func TestRoleGuards(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	defer session.End(context.Background())

	if err := session.Accept(context.Background()); err == nil {
		t.Error("Expected Accept to fail on the caller side")
	}
	if err := session.Reject(context.Background()); err == nil {
		t.Error("Expected Reject to fail on the caller side")
	}
}

func TestVideoCallDegradation(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		s := data.(*Session)
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				t.Errorf("Failed to accept call: %v", err)
			}
		}()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVideo)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	waitFor(t, "connected", func() bool { return session.State() == CallStateConnected })

	// The synthetic acquirer has no camera or microphone; the call still
	// connects, degraded.
	if !session.CameraUnavailable() {
		t.Error("Expected CameraUnavailable on a video call without a camera")
	}
	if !session.IsMuted() {
		t.Error("Expected session to start muted without a microphone")
	}
	if _, ok := session.ToggleCamera(); ok {
		t.Error("Expected ToggleCamera to report no camera")
	}

	waitFor(t, "duration to accrue", func() bool { return session.Duration() > 0 })
	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}

	posted := sink.Posted()
	if len(posted) != 1 {
		t.Fatalf("Expected 1 posted summary, got %d", len(posted))
	}
	if !strings.HasPrefix(posted[0].Text, "📹 Video call · ") {
		t.Errorf("Expected video call label, got %q", posted[0].Text)
	}
}

func TestToggleControls(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	defer session.End(context.Background())

	// Synthetic audio starts muted.
	if !session.IsMuted() {
		t.Error("Expected session to start muted")
	}
	if muted := session.ToggleMute(); muted {
		t.Error("Expected first toggle to unmute")
	}
	if muted := session.ToggleMute(); !muted {
		t.Error("Expected second toggle to mute again")
	}

	if session.SpeakerOn() {
		t.Error("Expected speaker off initially")
	}
	if on := session.ToggleSpeaker(); !on {
		t.Error("Expected speaker on after toggle")
	}

	// Voice call never has a video track.
	if _, ok := session.ToggleCamera(); ok {
		t.Error("Expected ToggleCamera to report no camera on a voice call")
	}
}

func TestSecondStartCallFails(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	if _, err := alice.StartCall(context.Background(), "carol", "Carol", signaling.CallTypeVoice); err == nil {
		t.Error("Expected second StartCall to fail while a call is active")
	}

	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	waitFor(t, "active session cleared", func() bool { return alice.ActiveSession() == nil })

	// After the terminal transition a new call can start.
	again, err := alice.StartCall(context.Background(), "carol", "Carol", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start a call after the previous ended: %v", err)
	}
	again.End(context.Background())
}

func TestRetryCall(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	if _, err := alice.RetryCall(context.Background()); err == nil {
		t.Error("Expected RetryCall to fail with no previous call")
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	firstID := session.ID()
	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}
	waitFor(t, "active session cleared", func() bool { return alice.ActiveSession() == nil })

	retry, err := alice.RetryCall(context.Background())
	if err != nil {
		t.Fatalf("Failed to retry call: %v", err)
	}
	defer retry.End(context.Background())

	if retry.ID() == firstID {
		t.Error("Expected retry to create a fresh call record")
	}
	call := retry.Call()
	if call.ReceiverID != "bob" || call.Type != signaling.CallTypeVoice {
		t.Errorf("Retry dialed %s (%s), expected bob (voice)", call.ReceiverID, call.Type)
	}
}

func TestIncomingIgnoredWhileActive(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	carol := newTestCalling(t, "carol", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	var incomingCount int
	var countMu sync.Mutex
	bob.Emitter.On(string(ClientEventIncomingCall), func(interface{}) {
		countMu.Lock()
		incomingCount++
		countMu.Unlock()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	first, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	defer first.End(context.Background())

	waitFor(t, "first incoming delivered", func() bool {
		countMu.Lock()
		defer countMu.Unlock()
		return incomingCount == 1
	})

	second, err := carol.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start second call: %v", err)
	}
	defer second.End(context.Background())

	time.Sleep(50 * time.Millisecond)
	countMu.Lock()
	count := incomingCount
	countMu.Unlock()
	if count != 1 {
		t.Errorf("Expected busy receiver to see 1 incoming call, got %d", count)
	}
	if active := bob.ActiveSession(); active != nil && active.ID() == second.ID() {
		t.Error("Expected the busy receiver never to adopt the second call")
	}
}

func TestDurationSummaryFormat(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}

	session.mu.Lock()
	session.durationSecs = 65
	session.mu.Unlock()

	if err := session.End(context.Background()); err != nil {
		t.Fatalf("Failed to end call: %v", err)
	}

	posted := sink.Posted()
	if len(posted) != 1 {
		t.Fatalf("Expected 1 posted summary, got %d", len(posted))
	}
	if posted[0].Text != "📞 Voice call · 01:05" {
		t.Errorf("Unexpected summary text %q", posted[0].Text)
	}
}

func TestHistoryRecorded(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	history := &recordingHistory{}
	alice.SetHistory(history)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	waitFor(t, "missed state", func() bool { return session.State() == CallStateMissed })

	entries := history.entries()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(entries))
	}
	if entries[0].outcome != signaling.CallStatusMissed {
		t.Errorf("Expected outcome missed, got %s", entries[0].outcome)
	}
	if entries[0].call.ID != session.ID() {
		t.Errorf("History recorded call %s, expected %s", entries[0].call.ID, session.ID())
	}
}

type historyEntry struct {
	call     *signaling.Call
	outcome  signaling.CallStatus
	duration time.Duration
}

type recordingHistory struct {
	mu      sync.Mutex
	records []historyEntry
}

func (r *recordingHistory) Record(_ context.Context, call *signaling.Call, outcome signaling.CallStatus, duration time.Duration) error {
	r.mu.Lock()
	r.records = append(r.records, historyEntry{call: call, outcome: outcome, duration: duration})
	r.mu.Unlock()
	return nil
}

func (r *recordingHistory) entries() []historyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]historyEntry, len(r.records))
	copy(out, r.records)
	return out
}

func TestDisconnectGraceRecovery(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		s := data.(*Session)
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				t.Errorf("Failed to accept call: %v", err)
			}
		}()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	waitFor(t, "connected", func() bool { return session.State() == CallStateConnected })

	// A disconnect arms the grace timer; the expiry re-checks the transport
	// and keeps the call up when it has recovered, which it has here since
	// the real transport never reported disconnected.
	session.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	session.mu.Lock()
	armed := session.graceTimer != nil
	session.mu.Unlock()
	if !armed {
		t.Fatal("Expected the grace timer to arm on disconnect")
	}

	time.Sleep(80 * time.Millisecond)
	if session.State() != CallStateConnected {
		t.Fatalf("Expected a recovered call to stay connected, got %s", session.State())
	}

	// A reported recovery cancels a pending grace timer.
	session.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	session.handleConnectionState(webrtc.PeerConnectionStateConnected)
	session.mu.Lock()
	armed = session.graceTimer != nil
	session.mu.Unlock()
	if armed {
		t.Error("Expected recovery to cancel the grace timer")
	}

	// A failed transport surfaces a transport error and ends the call
	// immediately, with no summary.
	errs := make(chan error, 1)
	session.Emitter.On(string(SessionEventError), func(data interface{}) {
		if err, ok := data.(error); ok {
			select {
			case errs <- err:
			default:
			}
		}
	})
	session.handleConnectionState(webrtc.PeerConnectionStateFailed)
	waitFor(t, "ended after transport failure", func() bool { return session.State() == CallStateEnded })
	if n := len(sink.Posted()); n != 0 {
		t.Errorf("Expected no summary after a transport failure, got %d", n)
	}
	select {
	case err := <-errs:
		if !callkitsdk.IsTransportFailed(err) {
			t.Errorf("Expected a transport failure error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the transport error")
	}
}

func TestDisconnectGraceExpiry(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)
	bob := newTestCalling(t, "bob", channel, sink)

	bob.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) {
		s := data.(*Session)
		go func() {
			if err := s.Accept(context.Background()); err != nil {
				t.Errorf("Failed to accept call: %v", err)
			}
		}()
	})
	if _, err := bob.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}
	waitFor(t, "connected", func() bool { return session.State() == CallStateConnected })

	errs := make(chan error, 1)
	session.Emitter.On(string(SessionEventError), func(data interface{}) {
		if err, ok := data.(error); ok {
			select {
			case errs <- err:
			default:
			}
		}
	})

	// Pin the transport read to disconnected so the grace expiry cannot
	// observe a recovery, and detach the live transport callback so a late
	// real transition cannot cancel the grace timer mid-test.
	session.mu.Lock()
	peer := session.peer
	peer.connectionState = func() webrtc.PeerConnectionState {
		return webrtc.PeerConnectionStateDisconnected
	}
	session.mu.Unlock()
	peer.OnConnectionState(nil)

	session.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	waitFor(t, "ended after grace expiry", func() bool { return session.State() == CallStateEnded })

	if n := len(sink.Posted()); n != 0 {
		t.Errorf("Expected no summary after a grace expiry, got %d", n)
	}
	select {
	case err := <-errs:
		if !callkitsdk.IsTransportFailed(err) {
			t.Errorf("Expected a transport failure error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the transport error")
	}

	// Both sides observe the persisted ended status.
	waitFor(t, "receiver ended", func() bool {
		active := bob.ActiveSession()
		return active == nil || active.State() == CallStateEnded
	})
}

func TestCallerEndsWhenAnswerFails(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}

	errs := make(chan error, 1)
	session.Emitter.On(string(SessionEventError), func(data interface{}) {
		if err, ok := data.(error); ok {
			select {
			case errs <- err:
			default:
			}
		}
	})

	// A garbage answer fails to apply. The no-answer timer is already stopped
	// at that point, so the session must reach a terminal state on its own
	// rather than ring forever.
	session.handleRemoteAnswer("not an sdp")

	if session.State() != CallStateEnded {
		t.Fatalf("Expected state ended after a failed answer, got %s", session.State())
	}
	if n := len(sink.Posted()); n != 0 {
		t.Errorf("Expected no summary after a failed answer, got %d", n)
	}
	select {
	case err := <-errs:
		if !callkitsdk.IsSignalingGlitch(err) {
			t.Errorf("Expected a signaling error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the signaling error")
	}
}

func TestReceiverCandidateBufferedBeforeAccept(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	call := &signaling.Call{
		ID:         "call-1",
		CallerID:   "bob",
		ReceiverID: "alice",
		Type:       signaling.CallTypeVoice,
		Status:     signaling.CallStatusRinging,
	}
	session := newSession(alice, RoleReceiver, call)

	// Before Accept there is no peer connection; remote candidates buffer on
	// the session in arrival order.
	session.handleRemoteCandidate("first")
	session.handleRemoteCandidate("second")

	session.mu.Lock()
	buffered := append([]string(nil), session.pendingRemote...)
	session.mu.Unlock()
	if len(buffered) != 2 || buffered[0] != "first" || buffered[1] != "second" {
		t.Fatalf("Expected buffered [first second], got %v", buffered)
	}

	session.Close()
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	sink := messages.NewMemorySink()
	alice := newTestCalling(t, "alice", channel, sink)

	session, err := alice.StartCall(context.Background(), "bob", "Bob", signaling.CallTypeVoice)
	if err != nil {
		t.Fatalf("Failed to start call: %v", err)
	}

	session.Close()
	session.Close()

	// Close releases resources without terminal side effects.
	if n := len(sink.Posted()); n != 0 {
		t.Errorf("Expected no posted summaries after Close, got %d", n)
	}
}
