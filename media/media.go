/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package media acquires local audio/video for a call with graceful
// degradation. When no device is available or capture fails, it synthesizes a
// silent audio track so the connection can still be negotiated; some media
// engines require at least one track. Missing devices are never an error;
// they are reported through Flags so the session and UI can reflect the
// degraded capability.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
)

// Flags describes degraded-capability conditions detected during acquisition.
type Flags struct {
	// StartedMuted is true when no usable microphone was captured and the
	// audio track is synthetic silence.
	StartedMuted bool

	// CameraUnavailable is true when video was requested but no usable
	// camera was captured.
	CameraUnavailable bool
}

// Config holds configuration for media acquisition.
type Config struct {
	// MaxVideoWidth / MaxVideoHeight cap the capture resolution. Higher
	// resolutions increase encoding latency on low-end hardware.
	MaxVideoWidth  int
	MaxVideoHeight int

	// VideoBitRate is the target encoder bit rate in bits per second.
	VideoBitRate int

	// Logger receives capture diagnostics. Nil means the default logger.
	Logger callkitsdk.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxVideoWidth:  640,
		MaxVideoHeight: 480,
		VideoBitRate:   1_500_000,
		Logger:         callkitsdk.DefaultLogger(),
	}
}

// Handle is the acquired local media for one call session. Tracks are
// retained for the lifetime of the session and must be released with Close
// during teardown; there is no implicit release.
type Handle struct {
	// API is the WebRTC API configured with the codecs that match the
	// acquired tracks. Peer connections for this session must be created
	// through it.
	API *webrtc.API

	// Tracks are the local tracks to add to the peer connection: at least
	// one audio track (possibly synthetic), optionally one video track.
	Tracks []webrtc.TrackLocal

	// Flags reports degraded-capability conditions.
	Flags Flags

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	hasVideo     bool
	closers      []func()
	closed       bool
}

// newHandle wires the common Handle state. closers run exactly once, on Close.
func newHandle(api *webrtc.API, tracks []webrtc.TrackLocal, flags Flags, hasVideo bool, closers ...func()) *Handle {
	return &Handle{
		API:          api,
		Tracks:       tracks,
		Flags:        flags,
		audioEnabled: !flags.StartedMuted,
		videoEnabled: hasVideo,
		hasVideo:     hasVideo,
		closers:      closers,
	}
}

// SetAudioEnabled toggles the local audio enabled flag without re-acquiring
// media and returns the resulting muted state (true = muted).
func (h *Handle) SetAudioEnabled(enabled bool) bool {
	h.mu.Lock()
	h.audioEnabled = enabled
	muted := !h.audioEnabled
	h.mu.Unlock()
	return muted
}

// ToggleAudio flips the audio enabled flag and returns the resulting muted
// state (true = muted).
func (h *Handle) ToggleAudio() bool {
	h.mu.Lock()
	h.audioEnabled = !h.audioEnabled
	muted := !h.audioEnabled
	h.mu.Unlock()
	return muted
}

// SetVideoEnabled sets the video enabled flag on the existing video track.
// When no video track was ever acquired it is a no-op and returns false.
func (h *Handle) SetVideoEnabled(enabled bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasVideo {
		return false
	}
	h.videoEnabled = enabled
	return true
}

// ToggleVideo flips the video enabled flag on the existing video track and
// returns (disabled, ok). When no video track was ever acquired it is a
// no-op and ok is false; the camera is unavailable for this session.
func (h *Handle) ToggleVideo() (disabled, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasVideo {
		return true, false
	}
	h.videoEnabled = !h.videoEnabled
	return !h.videoEnabled, true
}

// AudioEnabled reports whether local audio is currently enabled.
func (h *Handle) AudioEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audioEnabled
}

// VideoEnabled reports whether local video is currently enabled.
func (h *Handle) VideoEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.videoEnabled
}

// HasVideo reports whether a video track was acquired for this session.
func (h *Handle) HasVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasVideo
}

// Close stops all acquired tracks and capture goroutines. Idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}

// Acquirer obtains local media for a call. The calling package takes this
// interface so tests can substitute a stub.
type Acquirer interface {
	// Acquire obtains local audio (always) and video (when wantVideo).
	// Missing or denied devices degrade to a synthetic silent audio track
	// and are reported via Handle.Flags, never as an error. An error means
	// the call attempt itself cannot proceed.
	Acquire(wantVideo bool) (*Handle, error)
}

// DeviceAcquirer captures from real devices where the platform supports it
// (pion/mediadevices on Linux) and falls back to synthetic media elsewhere.
type DeviceAcquirer struct {
	Config *Config
}

// NewDeviceAcquirer creates a DeviceAcquirer. A nil config uses defaults.
func NewDeviceAcquirer(config *Config) *DeviceAcquirer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = callkitsdk.DefaultLogger()
	}
	return &DeviceAcquirer{Config: config}
}

// Acquire implements Acquirer.
func (a *DeviceAcquirer) Acquire(wantVideo bool) (*Handle, error) {
	return acquirePlatform(a.Config, wantVideo)
}

// SyntheticAcquirer always produces the silent synthetic handle, never
// touching capture devices. Headless hosts and tests use it.
type SyntheticAcquirer struct{}

// Acquire implements Acquirer.
func (SyntheticAcquirer) Acquire(wantVideo bool) (*Handle, error) {
	return newSyntheticHandle(wantVideo)
}
