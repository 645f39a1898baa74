package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

// Factory creates one Connection per remote participant.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{api: api, iceServers: iceServers, log: logger}
}

func (f *Factory) NewConnection(peerID string) (mesh.NegotiableConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, f.log.With("peer_id", peerID)), nil
}

// Connection adapts a pion PeerConnection to mesh.NegotiableConnection.
// Every pion callback becomes a mesh.Event on the registered sink; nothing
// is delivered after Close.
type Connection struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu     sync.Mutex
	sink   func(mesh.Event)
	closed atomic.Bool
}

var _ mesh.NegotiableConnection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, logger *slog.Logger) *Connection {
	c := &Connection{pc: pc, log: logger}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.emit(mesh.CandidateEvent{Candidate: cand.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.emit(mesh.TrackEvent{Track: media.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Reader:   track,
		}})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateChatDataChannel(dc); err != nil {
			c.log.Warn("rejecting datachannel",
				"label", dc.Label(),
				"ordered", dc.Ordered(),
				"err", err,
			)
			_ = dc.Close()
			return
		}
		ch := &dataChannel{dc: dc}
		c.emit(mesh.DataChannelEvent{Channel: ch})
		c.observe(ch)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.emit(mesh.StateEvent{State: state})
	})
	return c
}

func (c *Connection) OnEvent(sink func(mesh.Event)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *Connection) emit(ev mesh.Event) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		c.log.Debug("dropping connection event before sink registration", "event", fmt.Sprintf("%T", ev))
		return
	}
	sink(ev)
}

func (c *Connection) observe(ch *dataChannel) {
	ch.dc.OnOpen(func() {
		c.emit(mesh.ChannelOpenEvent{Channel: ch})
	})
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// pion reuses its read buffer.
		data := append([]byte(nil), msg.Data...)
		c.emit(mesh.ChannelMessageEvent{Channel: ch, Data: data, IsString: msg.IsString})
	})
	ch.dc.OnClose(func() {
		c.emit(mesh.ChannelCloseEvent{Channel: ch})
	})
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(init webrtc.ICECandidateInit) error {
	if c.pc.RemoteDescription() == nil {
		return fmt.Errorf("add candidate: %w", mesh.ErrInvalidState)
	}
	return c.pc.AddICECandidate(init)
}

// AddTrack attaches a local track and drains the sender's RTCP so
// interceptors keep running.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateDataChannel(label string) (mesh.DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	ch := &dataChannel{dc: dc}
	c.observe(ch)
	return ch, nil
}

func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}
