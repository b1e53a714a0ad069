/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
)

// peerLink wraps the Pion peer connection for one call session. It owns the
// trickle-ICE plumbing: locally gathered candidates are forwarded through a
// sink the moment one is registered (and buffered until then, because the
// caller may not have a signaling record to attach them to yet), and remote
// candidates arriving before the remote description is set are buffered and
// drained in arrival order once it lands.
type peerLink struct {
	mu sync.Mutex

	pc     *webrtc.PeerConnection
	logger callkitsdk.Logger

	// Remote candidates received before SetRemoteDescription.
	pendingRemote []string
	remoteDescSet bool

	// Local candidates gathered before a sink is registered.
	pendingLocal []string
	localSink    func(candidate string)

	onConnectionState func(state webrtc.PeerConnectionState)
	onRemoteTrack     func(track *webrtc.TrackRemote)

	// connectionState reads the live transport state. Tests swap it to
	// simulate states an in-process connection never reaches.
	connectionState func() webrtc.PeerConnectionState

	closed bool
}

// newPeerLink creates the peer connection through the media handle's API so
// the registered codecs match the acquired tracks, and adds every local track
// as a sendrecv transceiver.
func newPeerLink(api *webrtc.API, tracks []webrtc.TrackLocal, iceServers []webrtc.ICEServer, logger callkitsdk.Logger) (*peerLink, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peerLink{
		pc:              pc,
		logger:          logger,
		connectionState: pc.ConnectionState,
	}

	for _, track := range tracks {
		transceiver, err := pc.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add transceiver: %w", err)
		}

		// Read RTCP from the sender to keep the interceptors fed
		go func() {
			sender := transceiver.Sender()
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Printf("calling: failed to marshal local ICE candidate: %v", err)
			return
		}
		p.emitLocalCandidate(string(payload))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Printf("calling: peer connection state -> %s", s.String())
		p.mu.Lock()
		handler := p.onConnectionState
		p.mu.Unlock()
		if handler != nil {
			handler(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Printf("calling: remote track received: codec=%s", track.Codec().MimeType)
		p.mu.Lock()
		handler := p.onRemoteTrack
		p.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	return p, nil
}

// OnConnectionState sets the callback for peer connection state changes.
func (p *peerLink) OnConnectionState(handler func(state webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectionState = handler
}

// OnRemoteTrack sets the callback for when a remote track is received.
func (p *peerLink) OnRemoteTrack(handler func(track *webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = handler
}

// SetLocalCandidateSink registers the forwarder for locally gathered
// candidates and flushes any candidates buffered while no sink was set.
// The caller registers it only after the signaling record exists, so no
// candidate is ever emitted with nowhere to go.
func (p *peerLink) SetLocalCandidateSink(sink func(candidate string)) {
	p.mu.Lock()
	buffered := p.pendingLocal
	p.pendingLocal = nil
	p.localSink = sink
	p.mu.Unlock()

	for _, c := range buffered {
		sink(c)
	}
}

// emitLocalCandidate forwards a gathered candidate to the sink, or buffers it
// until a sink is registered.
func (p *peerLink) emitLocalCandidate(candidate string) {
	p.mu.Lock()
	sink := p.localSink
	if sink == nil {
		p.pendingLocal = append(p.pendingLocal, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	sink(candidate)
}

// CreateOffer creates the local offer and sets it as the local description.
// Candidates trickle through the sink afterwards; there is no wait for
// gathering to complete.
func (p *peerLink) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// SetRemoteOffer applies the remote offer (receiver side) and drains any
// buffered remote candidates.
func (p *peerLink) SetRemoteOffer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	p.drainRemoteCandidates()
	return nil
}

// CreateAnswer creates the local answer and sets it as the local description.
func (p *peerLink) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteAnswer applies the remote answer (caller side) and drains any
// buffered remote candidates. If the peer connection is already in stable
// state the answer was applied before; the signaling channel may echo the same
// update more than once, so this is a no-op rather than an error.
func (p *peerLink) SetRemoteAnswer(sdp string) error {
	if p.pc.SignalingState() == webrtc.SignalingStateStable {
		p.logger.Printf("calling: ignoring duplicate remote answer (signaling state already stable)")
		return nil
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	p.drainRemoteCandidates()
	return nil
}

// AddRemoteCandidate applies a remote candidate if the remote description is
// already set, or buffers it for the drain. A candidate that fails to apply is
// logged and skipped; one bad candidate does not abort the call.
func (p *peerLink) AddRemoteCandidate(candidate string) {
	p.mu.Lock()
	if !p.remoteDescSet {
		p.pendingRemote = append(p.pendingRemote, candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.applyCandidate(candidate)
}

// drainRemoteCandidates applies every buffered candidate in arrival order.
// Candidates arriving mid-drain keep buffering (remoteDescSet is still false),
// so the loop catches them behind the older backlog; only an empty buffer
// flips remoteDescSet and opens direct application.
func (p *peerLink) drainRemoteCandidates() {
	p.mu.Lock()
	for len(p.pendingRemote) > 0 {
		buffered := p.pendingRemote
		p.pendingRemote = nil
		p.mu.Unlock()
		for _, c := range buffered {
			p.applyCandidate(c)
		}
		p.mu.Lock()
	}
	p.remoteDescSet = true
	p.mu.Unlock()
}

func (p *peerLink) applyCandidate(candidate string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		p.logger.Printf("calling: skipping malformed ICE candidate: %v", err)
		return
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		p.logger.Printf("calling: failed to apply ICE candidate: %v", err)
	}
}

// ConnectionState returns the current peer connection state.
func (p *peerLink) ConnectionState() webrtc.PeerConnectionState {
	return p.connectionState()
}

// Close closes the peer connection. Idempotent.
func (p *peerLink) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.onConnectionState = nil
	p.pendingRemote = nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		p.logger.Printf("calling: error closing peer connection: %v", err)
	}
}
