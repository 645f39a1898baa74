package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/identity"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []signaling.Envelope
	handler func(signaling.Envelope)
	closes  int
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(env signaling.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return &signaling.TransportError{Op: "send", Err: signaling.ErrClosed}
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) OnReceive(h func(signaling.Envelope)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// deliver feeds an envelope as if it came from the relay.
func (c *fakeChannel) deliver(env signaling.Envelope) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(env)
}

// drop simulates the relay connection going away.
func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	c.err = &signaling.TransportError{Op: "read", Err: err}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeChannel) sentOf(typ signaling.MessageType) []signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range c.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDataChannel struct {
	label string

	mu     sync.Mutex
	open   bool
	closed int
	sent   []string
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("not open")
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *fakeDataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closed++
	return nil
}

func (d *fakeDataChannel) setOpen() {
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
}

// fakeConn records negotiation calls. It mirrors the real connection by
// rejecting candidates before a remote description is set.
type fakeConn struct {
	peerID string

	mu             sync.Mutex
	sink           func(Event)
	calls          []string
	remote         *webrtc.SessionDescription
	candidates     []string
	tracks         []webrtc.TrackLocal
	channels       []*fakeDataChannel
	closes         int
	failSetRemote  error
	failCreateOffr error

	// When set, CreateOffer closes offerEntered and then blocks on offerGate.
	offerEntered chan struct{}
	offerGate    chan struct{}
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.record("create-offer")
	c.mu.Lock()
	entered, gate := c.offerEntered, c.offerGate
	c.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreateOffr != nil {
		return webrtc.SessionDescription{}, c.failCreateOffr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + c.peerID}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + c.peerID}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.record("set-local-" + desc.Type.String())
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.record("set-remote-" + desc.Type.String())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSetRemote != nil {
		return c.failSetRemote
	}
	c.remote = &desc
	return nil
}

func (c *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.record("add-candidate")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrInvalidState
	}
	c.candidates = append(c.candidates, init.Candidate)
	return nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *fakeConn) CreateDataChannel(label string) (DataChannel, error) {
	c.record("create-data-channel")
	dc := &fakeDataChannel{label: label}
	c.mu.Lock()
	c.channels = append(c.channels, dc)
	c.mu.Unlock()
	return dc, nil
}

func (c *fakeConn) OnEvent(sink func(Event)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fire(ev Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	sink(ev)
}

func (c *fakeConn) snapshot() (calls []string, candidates []string, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...), append([]string(nil), c.candidates...), c.closes
}

func (c *fakeConn) chatChannel() *fakeDataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[0]
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	setup func(*fakeConn)
}

func (f *fakeFactory) NewConnection(peerID string) (NegotiableConnection, error) {
	c := &fakeConn{peerID: peerID}
	if f.setup != nil {
		f.setup(c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns == nil {
		f.conns = map[string]*fakeConn{}
	}
	f.conns[peerID] = c
	return c, nil
}

func (f *fakeFactory) conn(peerID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[peerID]
}

type harness struct {
	coord   *Coordinator
	channel *fakeChannel
	factory *fakeFactory
	metrics *metrics.Metrics

	mu     sync.Mutex
	events []PeerEvent
}

func newHarness(t *testing.T, capturer media.Capturer) *harness {
	t.Helper()
	h := &harness{
		channel: newFakeChannel(),
		factory: &fakeFactory{},
		metrics: metrics.New(),
	}
	coord, err := New(Config{
		Room:        "room-1",
		Identity:    identity.WithID("self"),
		Dial:        func(context.Context) (signaling.Channel, error) { return h.channel, nil },
		Connections: h.factory,
		Media:       media.NewBinder(capturer, nil),
		Metrics:     h.metrics,
		OnPeerEvent: func(ev PeerEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(func() { _ = coord.LeaveRoom() })
	return h
}

// join joins the room and waits for local media to settle, so links created
// afterwards carry whatever tracks the capturer produced.
func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.coord.Join(context.Background()))
	select {
	case <-h.coord.MediaReady():
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for local media")
	}
}

// heldCapturer blocks until released or cancelled, then captures
// synthetic tracks.
type heldCapturer struct {
	release chan struct{}
}

func (c heldCapturer) Capture(ctx context.Context) (*media.Source, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
		return media.SyntheticCapturer{}.Capture(ctx)
	}
}

func (h *harness) from(peerID string, env signaling.Envelope) {
	env.Room = "room-1"
	env.From = peerID
	if env.Type == signaling.TypeOffer || env.Type == signaling.TypeAnswer || env.Type == signaling.TypeCandidate {
		env.To = "self"
	}
	h.channel.deliver(env)
}

func (h *harness) removedEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Kind == PeerRemoved {
			out = append(out, ev.PeerID)
		}
	}
	return out
}

func offerSDP() *signaling.SDP  { return &signaling.SDP{Type: "offer", SDP: "remote-offer"} }
func answerSDP() *signaling.SDP { return &signaling.SDP{Type: "answer", SDP: "remote-answer"} }

func candidate(s string) *signaling.Candidate { return &signaling.Candidate{Candidate: s} }
