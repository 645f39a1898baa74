package media

import (
	"io"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type scriptedReader struct {
	left int
}

func (r *scriptedReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if r.left == 0 {
		return nil, nil, io.EOF
	}
	r.left--
	return &rtp.Packet{}, nil, nil
}

func TestDrainSlot_CountsPackets(t *testing.T) {
	slot := NewDrainSlot(nil)
	slot.Render("p1", RemoteTrack{ID: "v", Reader: &scriptedReader{left: 5}})

	require.Eventually(t, func() bool { return slot.Packets("p1") == 5 }, 2*time.Second, 10*time.Millisecond)

	slot.Clear("p1")
	require.Zero(t, slot.Packets("p1"))
}
