package media

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RTPReader is the read side of a remote track; *webrtc.TrackRemote
// satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Reader   RTPReader
}

// RemoteStream groups the tracks received from one peer.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

// Slot is a render target for one peer's remote media.
type Slot interface {
	Render(peerID string, track RemoteTrack)
	Clear(peerID string)
}

// DrainSlot is a headless Slot: it reads and discards RTP from every bound
// track so receive buffers never back up, counting packets per peer.
type DrainSlot struct {
	log *slog.Logger

	mu      sync.Mutex
	packets map[string]*atomic.Int64
}

func NewDrainSlot(logger *slog.Logger) *DrainSlot {
	if logger == nil {
		logger = slog.Default()
	}
	return &DrainSlot{log: logger, packets: make(map[string]*atomic.Int64)}
}

func (d *DrainSlot) Render(peerID string, track RemoteTrack) {
	if track.Reader == nil {
		return
	}
	d.mu.Lock()
	counter, ok := d.packets[peerID]
	if !ok {
		counter = &atomic.Int64{}
		d.packets[peerID] = counter
	}
	d.mu.Unlock()

	go func() {
		for {
			if _, _, err := track.Reader.ReadRTP(); err != nil {
				d.log.Debug("remote track ended", "peer_id", peerID, "track_id", track.ID, "err", err)
				return
			}
			counter.Add(1)
		}
	}()
}

func (d *DrainSlot) Clear(peerID string) {
	d.mu.Lock()
	delete(d.packets, peerID)
	d.mu.Unlock()
}

// Packets returns how many RTP packets have been read from peerID.
func (d *DrainSlot) Packets(peerID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.packets[peerID]; ok {
		return c.Load()
	}
	return 0
}
