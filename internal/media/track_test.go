package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	rtpWrites int
	rawWrites int
}

func (w *countingWriter) WriteRTP(_ *rtp.Header, payload []byte) (int, error) {
	w.rtpWrites++
	return len(payload), nil
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.rawWrites++
	return len(b), nil
}

type stubContext struct {
	webrtc.TrackLocalContext
	w webrtc.TrackLocalWriter
}

func (c stubContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

func newSampleTrack(t *testing.T, mime, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "s")
	require.NoError(t, err)
	return track
}

func TestLocalTrack_DisabledDropsRTP(t *testing.T) {
	req := require.New(t)
	track := NewLocalTrack(newSampleTrack(t, webrtc.MimeTypeOpus, "a"), nil)
	sink := &countingWriter{}
	w := gatedContext{TrackLocalContext: stubContext{w: sink}, track: track}.WriteStream()

	n, err := w.WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
	req.NoError(err)
	req.Equal(3, n)
	req.Equal(1, sink.rtpWrites)

	track.SetEnabled(false)
	n, err = w.WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
	req.NoError(err)
	req.Equal(3, n)
	_, err = w.Write([]byte{9})
	req.NoError(err)
	req.Equal(1, sink.rtpWrites)
	req.Equal(0, sink.rawWrites)

	req.True(track.Toggle())
	_, _ = w.Write([]byte{9})
	req.Equal(1, sink.rawWrites)
}

func TestLocalTrack_StopRunsOnce(t *testing.T) {
	stops := 0
	track := NewLocalTrack(newSampleTrack(t, webrtc.MimeTypeVP8, "v"), func() { stops++ })
	track.Stop()
	track.Stop()
	require.Equal(t, 1, stops)
	require.False(t, track.Enabled())
	require.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
}
