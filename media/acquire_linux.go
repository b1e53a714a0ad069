/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

//go:build linux && cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
)

// acquirePlatform captures local camera/mic via pion/mediadevices (V4L2 +
// malgo on Linux). GetUserMedia fails as a unit when either requested track
// can't be opened, so attempts are staged: audio+video, then video-only, then
// audio-only. Every failure degrades rather than erroring; when all attempts
// fail the session proceeds on a synthetic silent audio track.
func acquirePlatform(cfg *Config, wantVideo bool) (*Handle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = callkitsdk.DefaultLogger()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return newSyntheticHandle(wantVideo)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return newSyntheticHandle(wantVideo)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return newSyntheticHandle(wantVideo)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	devices := mediadevices.EnumerateDevices()
	hasAudioDevice, hasVideoDevice := false, false
	for _, d := range devices {
		switch d.Kind {
		case mediadevices.AudioInput:
			hasAudioDevice = true
		case mediadevices.VideoInput:
			hasVideoDevice = true
		}
	}
	if len(devices) == 0 {
		logger.Printf("media: no capture devices found, using synthetic audio")
		return newSyntheticHandle(wantVideo)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{}
	if wantVideo && hasVideoDevice && hasAudioDevice {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if wantVideo && hasVideoDevice {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if hasAudioDevice {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node
				// producing malformed frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: cfg.MaxVideoWidth}
				c.Height = prop.IntRanged{Max: cfg.MaxVideoHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Printf("media: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		hasVideo := false
		for _, track := range tracks {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				hasVideo = true
			}
			locals = append(locals, track)
		}

		flags := Flags{
			StartedMuted:      !a.audio,
			CameraUnavailable: wantVideo && !hasVideo,
		}
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		logger.Printf("media: local media captured (%s), %d tracks", a.label, len(tracks))
		return newHandle(api, locals, flags, hasVideo, closeFn), nil
	}

	logger.Printf("media: all capture attempts failed, using synthetic audio")
	return newSyntheticHandle(wantVideo)
}
