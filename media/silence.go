/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// newSyntheticHandle builds a Handle around a silent PCMU audio track. Used
// when no capture device is usable (or on platforms without capture drivers)
// so that SDP negotiation still has one sendable track.
func newSyntheticHandle(wantVideo bool) (*Handle, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	track, stop, err := newSilentAudioTrack()
	if err != nil {
		return nil, err
	}

	flags := Flags{StartedMuted: true, CameraUnavailable: wantVideo}
	return newHandle(api, []webrtc.TrackLocal{track}, flags, false, stop), nil
}

// newSilentAudioTrack creates a PCMU track fed with 20ms silence frames by a
// background goroutine. The returned stop function terminates the writer.
func newSilentAudioTrack() (*webrtc.TrackLocalStaticRTP, func(), error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"callkit-silence",
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create silent audio track: %w", err)
	}

	stopCh := make(chan struct{})
	go writeSilence(track, stopCh)

	var stopped bool
	stop := func() {
		if !stopped {
			stopped = true
			close(stopCh)
		}
	}
	return track, stop, nil
}

// writeSilence pumps PCMU silence (0xFF) every 20ms until stopped. 160
// samples per frame at 8kHz.
func writeSilence(track *webrtc.TrackLocalStaticRTP, stop <-chan struct{}) {
	silenceBuf := make([]byte, 160)
	for i := range silenceBuf {
		silenceBuf[i] = 0xFF
	}

	var seq uint16
	var ts uint32
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			ts += 160
			if err := track.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    0,
					SequenceNumber: seq,
					Timestamp:      ts,
					Marker:         seq == 1,
				},
				Payload: silenceBuf,
			}); err != nil {
				// No subscriber yet or the track was removed. Keep
				// pacing, the next write may succeed.
				continue
			}
		}
	}
}
