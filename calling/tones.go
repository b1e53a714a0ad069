/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

// Tone identifies a call-progress sound.
type Tone string

const (
	ToneOutgoingRing Tone = "outgoing_ring"
	ToneIncomingRing Tone = "incoming_ring"
	ToneBusy         Tone = "busy"
	ToneConnect      Tone = "connect"
)

// TonePlayer plays call-progress sounds. Play replaces whatever tone is
// currently playing; Stop silences the player. Start and stop are driven
// exclusively by session phase entry and exit, so implementations only need
// one active tone at a time. Implementations must be safe for concurrent use.
type TonePlayer interface {
	Play(tone Tone)
	Stop()
}

// NoopTonePlayer is a TonePlayer that plays nothing. It is the default when
// the host application does not provide one.
type NoopTonePlayer struct{}

// Play implements TonePlayer.
func (NoopTonePlayer) Play(Tone) {}

// Stop implements TonePlayer.
func (NoopTonePlayer) Stop() {}
