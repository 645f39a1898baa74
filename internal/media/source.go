package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/samber/lo"
)

var ErrMediaUnavailable = errors.New("local media unavailable")

// Source is the set of local tracks captured for one room session.
type Source struct {
	tracks   []*LocalTrack
	stopOnce sync.Once
}

func NewSource(tracks ...*LocalTrack) *Source {
	return &Source{tracks: tracks}
}

func (s *Source) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

// TracksOf returns the tracks of one kind.
func (s *Source) TracksOf(kind webrtc.RTPCodecType) []*LocalTrack {
	return lo.Filter(s.tracks, func(t *LocalTrack, _ int) bool { return t.Kind() == kind })
}

// Stop releases every track exactly once.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

//go:generate go run go.uber.org/mock/mockgen -source=source.go -destination=../mocks/mock_capturer.go -package=mocks

// Capturer acquires local audio and video. Implementations return an error
// wrapping ErrMediaUnavailable when nothing could be captured.
type Capturer interface {
	Capture(ctx context.Context) (*Source, error)
}

type Mode string

const (
	ModeNone      Mode = "none"
	ModeSynthetic Mode = "synthetic"
	ModeDevices   Mode = "devices"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeNone, ModeSynthetic, ModeDevices:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("invalid media mode %q (expected %s, %s, or %s)", raw, ModeNone, ModeSynthetic, ModeDevices)
	}
}

func NewCapturer(mode Mode, logger *slog.Logger) (Capturer, error) {
	switch mode {
	case ModeNone:
		return NoneCapturer{}, nil
	case ModeSynthetic:
		return SyntheticCapturer{}, nil
	case ModeDevices:
		return DeviceCapturer{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("invalid media mode %q", mode)
	}
}

// NoneCapturer never captures; the participant joins receive-only.
type NoneCapturer struct{}

func (NoneCapturer) Capture(context.Context) (*Source, error) {
	return nil, fmt.Errorf("media disabled: %w", ErrMediaUnavailable)
}

// SyntheticCapturer produces one Opus and one VP8 sample track without any
// capture device. Each track is fed a fixed frame at its codec's cadence
// until the track is stopped.
type SyntheticCapturer struct {
	StreamID string
}

var (
	// opusSilenceFrame is a 20ms Opus packet that decodes to silence.
	opusSilenceFrame    = []byte{0xf8, 0xff, 0xfe}
	vp8PlaceholderFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

const (
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticVideoInterval = 33 * time.Millisecond
)

func (c SyntheticCapturer) Capture(ctx context.Context) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := c.StreamID
	if streamID == "" {
		streamID = "mesh"
	}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return NewSource(
		NewLocalTrack(audio, startPump(audio, opusSilenceFrame, syntheticAudioInterval)),
		NewLocalTrack(video, startPump(video, vp8PlaceholderFrame, syntheticVideoInterval)),
	), nil
}

// startPump writes frame to track every interval and returns the stop func.
// Writes before the track is bound to a connection are discarded by pion.
func startPump(track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
			}
		}
	}()
	return func() { close(done) }
}
