package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/chat"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/identity"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type PeerEventKind string

const (
	PeerAdded        PeerEventKind = "added"
	PeerStateChanged PeerEventKind = "state"
	PeerRemoved      PeerEventKind = "removed"
)

type PeerEvent struct {
	Kind   PeerEventKind
	PeerID string
	Role   Role
	State  LinkState
}

type PeerInfo struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	State    LinkState `json:"state"`
	ChatOpen bool      `json:"chatOpen"`
}

// Dialer opens the signaling channel for a session.
type Dialer func(ctx context.Context) (signaling.Channel, error)

type Config struct {
	Room        string
	Dial        Dialer
	Connections ConnectionFactory

	// Optional.
	Identity    *identity.Registry
	Media       *media.Binder
	Chat        chat.Options
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	OnPeerEvent func(PeerEvent)
	// OnMediaReady is called once local media acquisition settles, with a
	// non-nil error when the session continues receive-only.
	OnMediaReady func(error)
}

// Coordinator is one room session. It is the only writer of the peer map;
// chat and media reach peers through its accessors.
type Coordinator struct {
	cfg     Config
	ids     *identity.Registry
	media   *media.Binder
	chat    *chat.Mux
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	channel signaling.Channel
	links   map[string]*PeerLink
	err     error

	mediaCtx  context.Context
	stopMedia context.CancelFunc
	mediaDone chan struct{}
	mediaErr  error

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Room == "" {
		return nil, errors.New("room must not be empty")
	}
	if cfg.Dial == nil {
		return nil, errors.New("signaling dialer must be set")
	}
	if cfg.Connections == nil {
		return nil, errors.New("connection factory must be set")
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Media == nil {
		cfg.Media = media.NewBinder(media.NoneCapturer{}, cfg.Logger)
	}
	if cfg.Chat.Logger == nil {
		cfg.Chat.Logger = cfg.Logger
	}

	c := &Coordinator{
		cfg:       cfg,
		ids:       cfg.Identity,
		media:     cfg.Media,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With("room", cfg.Room, "self", cfg.Identity.Self()),
		links:     make(map[string]*PeerLink),
		mediaDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.mediaCtx, c.stopMedia = context.WithCancel(context.Background())
	c.chat = chat.New(c.ids.Self(), c, cfg.Chat)
	return c, nil
}

func (c *Coordinator) Self() string { return c.ids.Self() }

func (c *Coordinator) Room() string { return c.cfg.Room }

func (c *Coordinator) Chat() *chat.Mux { return c.chat }

func (c *Coordinator) Media() *media.Binder { return c.media }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the session reaches Closed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err reports why the session ended when it was not a local leave.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// MediaReady is closed once the acquisition started by Join has settled.
func (c *Coordinator) MediaReady() <-chan struct{} { return c.mediaDone }

// MediaErr reports why local media is missing. Only meaningful after
// MediaReady is closed.
func (c *Coordinator) MediaErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaErr
}

// Join connects to the relay and announces this participant as soon as the
// channel is up. Local media is acquired in the background and links created
// before it is ready carry no local tracks. Failing to reach the relay ends
// the session; failing to get media does not.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.state = StateJoining
	c.mu.Unlock()

	go c.acquireMedia()

	ch, err := c.cfg.Dial(ctx)
	if err != nil {
		if !errors.Is(err, signaling.ErrTransport) {
			err = &signaling.TransportError{Op: "dial", Err: err}
		}
		c.abort(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateJoining {
		c.mu.Unlock()
		_ = ch.Close()
		return ErrLeft
	}
	c.channel = ch
	c.mu.Unlock()

	ch.OnReceive(c.dispatch)
	go c.watch(ch)

	if err := c.send(signaling.Envelope{Type: signaling.TypeJoin}); err != nil {
		c.abort(err)
		return err
	}
	c.log.Info("joined room")
	return nil
}

func (c *Coordinator) acquireMedia() {
	defer close(c.mediaDone)

	err := c.media.Acquire(c.mediaCtx)
	switch {
	case err == nil:
		c.log.Info("local media ready", "tracks", len(c.media.Tracks()))
	case c.mediaCtx.Err() != nil || errors.Is(err, media.ErrReleased):
		c.log.Debug("media acquisition abandoned", "err", err)
	default:
		c.log.Warn("local media unavailable", "err", err)
	}

	c.mu.Lock()
	c.mediaErr = err
	c.mu.Unlock()
	if c.cfg.OnMediaReady != nil {
		c.cfg.OnMediaReady(err)
	}
}

// LeaveRoom announces departure, closes every peer link, releases local
// media and closes the relay channel. It is idempotent and a no-op before
// Join.
func (c *Coordinator) LeaveRoom() error {
	c.mu.Lock()
	if c.state != StateJoining && c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := c.send(signaling.Envelope{Type: signaling.TypeLeave}); err != nil {
			c.log.Warn("failed to announce leave", "err", err)
		}
	}
	c.finish(nil)
	c.log.Info("left room")
	return nil
}

// abort ends the session after the relay connection was lost.
func (c *Coordinator) abort(cause error) {
	c.mu.Lock()
	if c.state != StateJoining && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateLeaving
	c.mu.Unlock()

	c.log.Error("signaling lost, closing room session", "err", cause)
	c.finish(cause)
}

func (c *Coordinator) finish(cause error) {
	c.stopMedia()

	c.mu.Lock()
	links := lo.Values(c.links)
	ch := c.channel
	c.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	for _, l := range links {
		<-l.Done()
	}
	c.media.Release()
	if ch != nil {
		_ = ch.Close()
	}

	c.mu.Lock()
	c.links = make(map[string]*PeerLink)
	c.state = StateClosed
	c.err = cause
	c.mu.Unlock()
	c.ids.Reset()
	c.metrics.SetGauge(metrics.GaugePeers, 0)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) watch(ch signaling.Channel) {
	select {
	case <-ch.Done():
	case <-c.done:
		return
	}
	err := ch.Err()
	if err == nil {
		err = &signaling.TransportError{Op: "read", Err: signaling.ErrClosed}
	}
	c.abort(err)
}

func (c *Coordinator) send(env signaling.Envelope) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return &signaling.TransportError{Op: "send", Err: signaling.ErrClosed}
	}
	env.Room = c.cfg.Room
	env.From = c.ids.Self()
	return ch.Send(env)
}

// dispatch runs on the signaling read goroutine, one envelope at a time.
func (c *Coordinator) dispatch(env signaling.Envelope) {
	if env.Room != c.cfg.Room {
		c.metrics.Inc(metrics.EventWrongRoom)
		c.log.Debug("dropping envelope for another room", "type", env.Type, "envelope_room", env.Room)
		return
	}
	if env.From == c.ids.Self() {
		return
	}
	if env.To != "" && env.To != c.ids.Self() {
		c.metrics.Inc(metrics.EventMisaddressed)
		c.log.Debug("dropping envelope addressed to another participant", "type", env.Type, "to", env.To)
		return
	}

	switch env.Type {
	case signaling.TypeWelcome:
		c.handleWelcome(env)
	case signaling.TypeNewPeer:
		c.ensureLink(env.From, RoleAnswerer)
	case signaling.TypeOffer:
		if l := c.ensureLink(env.From, RoleAnswerer); l != nil {
			l.Deliver(env)
		}
	case signaling.TypeAnswer, signaling.TypeCandidate:
		l := c.link(env.From)
		if l == nil {
			c.metrics.Inc(metrics.EventUnknownPeer)
			c.log.Warn("dropping envelope", "type", env.Type, "peer_id", env.From, "err", ErrUnknownPeer)
			return
		}
		l.Deliver(env)
	case signaling.TypeLeave:
		if !c.ids.Has(env.From) {
			c.metrics.Inc(metrics.EventUnknownPeer)
			c.log.Debug("ignoring leave from unknown peer", "peer_id", env.From)
			return
		}
		c.removePeer(env.From)
	default:
		c.metrics.Inc(metrics.EventProtocolViolation)
		c.log.Debug("ignoring envelope", "type", env.Type, "peer_id", env.From)
	}
}

func (c *Coordinator) handleWelcome(env signaling.Envelope) {
	c.mu.Lock()
	if c.state != StateJoining && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()

	others := lo.Without(lo.Uniq(env.Clients), c.ids.Self())
	c.log.Info("welcome received", "peers", len(others))
	for _, id := range others {
		c.ensureLink(id, RoleOfferer)
	}
}

// ensureLink returns the link for peerID, creating it with role when the
// peer is new. Returns nil when the session is not accepting peers or the
// connection could not be created.
func (c *Coordinator) ensureLink(peerID string, role Role) *PeerLink {
	if peerID == "" || peerID == c.ids.Self() {
		return nil
	}

	c.mu.Lock()
	if c.state != StateJoining && c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	if l, ok := c.links[peerID]; ok && !l.closed() {
		c.mu.Unlock()
		return l
	}

	conn, err := c.cfg.Connections.NewConnection(peerID)
	if err != nil {
		c.mu.Unlock()
		c.metrics.Inc(metrics.EventNegotiationFailed)
		c.log.Error("failed to create peer connection", "peer_id", peerID, "err", err)
		return nil
	}
	l := newPeerLink(peerID, role, conn, c.linkHooks(), c.log)
	c.links[peerID] = l
	count := len(c.links)
	c.mu.Unlock()

	c.ids.Add(peerID)
	c.metrics.Inc(metrics.EventPeerAdded)
	c.metrics.SetGauge(metrics.GaugePeers, count)
	c.emit(PeerEvent{Kind: PeerAdded, PeerID: peerID, Role: role, State: LinkNew})

	if err := c.media.AttachTo(conn); err != nil {
		c.log.Warn("failed to attach local media", "peer_id", peerID, "err", err)
	}
	l.Start()
	return l
}

func (c *Coordinator) link(peerID string) *PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[peerID]
}

func (c *Coordinator) removePeer(peerID string) {
	l := c.link(peerID)
	if l == nil {
		return
	}
	c.log.Info("peer left", "peer_id", peerID)
	l.Close()
}

func (c *Coordinator) linkHooks() linkHooks {
	return linkHooks{
		send: c.send,
		state: func(l *PeerLink, s LinkState) {
			if s == LinkConnected {
				c.metrics.Inc(metrics.EventPeerConnected)
			}
			c.emit(PeerEvent{Kind: PeerStateChanged, PeerID: l.peerID, Role: l.role, State: s})
		},
		track: func(l *PeerLink, t media.RemoteTrack) {
			c.media.Attach(l.peerID, t)
		},
		chat: func(l *PeerLink, text string) {
			c.metrics.Inc(metrics.EventChatReceived)
			c.chat.Receive(l.peerID, text)
		},
		failed: func(*PeerLink, *NegotiationError) {
			c.metrics.Inc(metrics.EventNegotiationFailed)
		},
		removed: c.forget,
	}
}

// forget drops a link that has released its connection.
func (c *Coordinator) forget(l *PeerLink) {
	c.mu.Lock()
	cur, ok := c.links[l.peerID]
	if !ok || cur != l {
		c.mu.Unlock()
		return
	}
	delete(c.links, l.peerID)
	count := len(c.links)
	c.mu.Unlock()

	c.ids.Remove(l.peerID)
	c.media.Forget(l.peerID)
	c.metrics.Inc(metrics.EventPeerRemoved)
	c.metrics.SetGauge(metrics.GaugePeers, count)
	c.emit(PeerEvent{Kind: PeerRemoved, PeerID: l.peerID, Role: l.role, State: l.State()})
}

func (c *Coordinator) emit(ev PeerEvent) {
	if c.cfg.OnPeerEvent != nil {
		c.cfg.OnPeerEvent(ev)
	}
}

// SendChat broadcasts text to every peer with an open chat channel.
func (c *Coordinator) SendChat(text string) (chat.Message, error) {
	switch c.State() {
	case StateJoining, StateActive:
	default:
		return chat.Message{}, ErrNotJoined
	}
	return c.chat.Send(text)
}

// Peers returns a snapshot of the current links sorted by peer id.
func (c *Coordinator) Peers() []PeerInfo {
	c.mu.Lock()
	links := lo.Values(c.links)
	c.mu.Unlock()

	out := lo.Map(links, func(l *PeerLink, _ int) PeerInfo {
		ch := l.Chat()
		return PeerInfo{ID: l.peerID, Role: l.role, State: l.State(), ChatOpen: ch != nil && ch.IsOpen()}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peer returns the link for peerID.
func (c *Coordinator) Peer(peerID string) (*PeerLink, error) {
	if l := c.link(peerID); l != nil {
		return l, nil
	}
	return nil, fmt.Errorf("%s: %w", peerID, ErrUnknownPeer)
}

// ChatChannels implements chat.Peers.
func (c *Coordinator) ChatChannels() map[string]chat.Sender {
	c.mu.Lock()
	links := lo.Values(c.links)
	c.mu.Unlock()

	out := make(map[string]chat.Sender, len(links))
	for _, l := range links {
		if ch := l.Chat(); ch != nil {
			out[l.peerID] = ch
		}
	}
	return out
}
