package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a local media track that can be muted without renegotiation.
// While disabled, RTP written by the underlying track is discarded before it
// reaches any peer connection; the track stays attached to every connection.
type LocalTrack struct {
	webrtc.TrackLocal

	enabled  atomic.Bool
	stop     func()
	stopOnce sync.Once
}

// NewLocalTrack wraps track. stop, if non-nil, releases the capture device
// behind the track and runs at most once.
func NewLocalTrack(track webrtc.TrackLocal, stop func()) *LocalTrack {
	t := &LocalTrack{TrackLocal: track, stop: stop}
	t.enabled.Store(true)
	return t
}

// Bind hands pion a context whose writer honours the enabled flag.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.TrackLocal.Bind(gatedContext{TrackLocalContext: ctx, track: t})
}

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Toggle flips the enabled flag and returns the new value.
func (t *LocalTrack) Toggle() bool {
	for {
		old := t.enabled.Load()
		if t.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		if t.stop != nil {
			t.stop()
		}
	})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	track *LocalTrack
}

func (c gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{next: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	next  webrtc.TrackLocalWriter
	track *LocalTrack
}

func (w gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return len(b), nil
	}
	return w.next.Write(b)
}
