//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// DeviceCapturer captures the first camera and microphone through
// pion/mediadevices, falling back to video-only and then audio-only.
type DeviceCapturer struct {
	Logger *slog.Logger
}

func (c DeviceCapturer) Capture(ctx context.Context) (*Source, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("no capture devices: %w", ErrMediaUnavailable)
	}

	var errs []error
	for _, a := range []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatRGBA}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn("media capture attempt failed", "attempt", a.label, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		var tracks []*LocalTrack
		for _, track := range stream.GetTracks() {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn("local track ended", "kind", track.Kind().String(), "err", err)
				}
			})
			tracks = append(tracks, NewLocalTrack(track, func() { _ = track.Close() }))
		}
		log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return NewSource(tracks...), nil
	}

	return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, errors.Join(errs...))
}
