package mesh

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const linkMailboxSize = 1024

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkDisconnected
	LinkClosed
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkClosed:
		return "closed"
	case LinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s LinkState) terminal() bool { return s == LinkClosed || s == LinkFailed }

// linkHooks are invoked on the link's actor goroutine.
type linkHooks struct {
	send    func(signaling.Envelope) error
	state   func(*PeerLink, LinkState)
	track   func(*PeerLink, media.RemoteTrack)
	chat    func(*PeerLink, string)
	failed  func(*PeerLink, *NegotiationError)
	removed func(*PeerLink)
}

type linkInput struct {
	start bool
	env   *signaling.Envelope
	event Event
}

// PeerLink negotiates and owns the connection to one remote participant.
// Everything it does runs on one goroutine fed by its mailbox, so envelopes
// and connection events for the peer are handled strictly in arrival order.
type PeerLink struct {
	peerID string
	role   Role
	conn   NegotiableConnection
	hooks  linkHooks
	log    *slog.Logger

	inbox *mailbox[linkInput]
	done  chan struct{}

	// Owned by the actor goroutine.
	localSent     bool
	remoteApplied bool
	pending       []webrtc.ICECandidateInit

	mu    sync.Mutex
	state LinkState
	chat  DataChannel

	startOnce sync.Once
	closeOnce sync.Once
}

func newPeerLink(peerID string, role Role, conn NegotiableConnection, hooks linkHooks, logger *slog.Logger) *PeerLink {
	l := &PeerLink{
		peerID: peerID,
		role:   role,
		conn:   conn,
		hooks:  hooks,
		log:    logger.With("peer_id", peerID, "role", role.String()),
		inbox:  newMailbox[linkInput](linkMailboxSize),
		done:   make(chan struct{}),
	}
	conn.OnEvent(func(ev Event) {
		l.inbox.Put(linkInput{event: ev})
	})
	return l
}

func (l *PeerLink) PeerID() string { return l.peerID }

func (l *PeerLink) Role() Role { return l.role }

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Chat returns the chat data channel, or nil before one exists.
func (l *PeerLink) Chat() DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chat
}

// Done is closed once the link has released its connection.
func (l *PeerLink) Done() <-chan struct{} { return l.done }

// Start launches the actor. An offerer link sends its offer immediately.
func (l *PeerLink) Start() {
	l.startOnce.Do(func() {
		go l.run()
		l.inbox.Put(linkInput{start: true})
	})
}

// Deliver queues an envelope from this peer.
func (l *PeerLink) Deliver(env signaling.Envelope) {
	if !l.inbox.Put(linkInput{env: &env}) {
		l.log.Warn("dropping envelope for closed or saturated peer link", "type", env.Type)
	}
}

// Close marks the link closed and returns without waiting. The actor
// releases the connection and data channel on its own goroutine and then
// closes Done. A negotiation step already in flight finishes but its output
// is discarded. Close is idempotent.
func (l *PeerLink) Close() {
	l.closeOnce.Do(func() {
		l.setState(LinkClosed)
		l.inbox.Close()
		l.startOnce.Do(func() { go l.run() })
	})
}

func (l *PeerLink) closed() bool { return l.State().terminal() }

func (l *PeerLink) run() {
	defer l.teardown()
	for {
		in, ok := l.inbox.Take()
		if !ok {
			return
		}
		switch {
		case in.start:
			l.handleStart()
		case in.env != nil:
			l.handleEnvelope(*in.env)
		case in.event != nil:
			l.handleEvent(in.event)
		}
		if l.State().terminal() {
			return
		}
	}
}

func (l *PeerLink) teardown() {
	l.inbox.Close()
	if ch := l.Chat(); ch != nil {
		_ = ch.Close()
	}
	if err := l.conn.Close(); err != nil {
		l.log.Debug("closing peer connection", "err", err)
	}
	close(l.done)
	if l.hooks.removed != nil {
		l.hooks.removed(l)
	}
}

func (l *PeerLink) setState(next LinkState) bool {
	l.mu.Lock()
	prev := l.state
	if prev == next || prev.terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = next
	l.mu.Unlock()

	l.log.Info("peer link state", "from", prev.String(), "to", next.String())
	if l.hooks.state != nil {
		l.hooks.state(l, next)
	}
	return true
}

func (l *PeerLink) fail(step string, err error) {
	nerr := &NegotiationError{PeerID: l.peerID, Step: step, Err: err}
	if !l.setState(LinkFailed) {
		return
	}
	l.log.Warn("peer negotiation failed", "step", step, "err", err)
	if l.hooks.failed != nil {
		l.hooks.failed(l, nerr)
	}
}

func (l *PeerLink) emit(env signaling.Envelope) {
	if l.closed() {
		l.log.Debug("dropping envelope for closed peer link", "type", env.Type)
		return
	}
	env.To = l.peerID
	if err := l.hooks.send(env); err != nil {
		l.log.Warn("failed to send envelope", "type", env.Type, "err", err)
	}
}

func (l *PeerLink) handleStart() {
	l.setState(LinkNegotiating)
	if l.role != RoleOfferer {
		return
	}

	dc, err := l.conn.CreateDataChannel(ChatLabel)
	if err != nil {
		l.fail("create data channel", err)
		return
	}
	l.mu.Lock()
	l.chat = dc
	l.mu.Unlock()
	if l.closed() {
		return
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		l.fail("create offer", err)
		return
	}
	if l.closed() {
		return
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		l.fail("set local offer", err)
		return
	}
	if l.closed() {
		return
	}
	l.localSent = true
	l.emit(signaling.Envelope{Type: signaling.TypeOffer, SDP: signaling.SDPFromPion(offer)})
}

func (l *PeerLink) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOffer:
		l.handleOffer(env)
	case signaling.TypeAnswer:
		l.handleAnswer(env)
	case signaling.TypeCandidate:
		l.handleCandidate(env)
	default:
		l.log.Debug("ignoring envelope", "type", env.Type)
	}
}

func (l *PeerLink) handleOffer(env signaling.Envelope) {
	if l.role != RoleAnswerer {
		l.log.Warn("dropping offer sent to the offering side")
		return
	}
	if l.remoteApplied {
		l.log.Warn("dropping repeated offer")
		return
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		l.fail("parse offer", err)
		return
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.fail("set remote offer", err)
		return
	}
	l.remoteApplied = true
	if l.closed() || !l.flushCandidates() {
		return
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.fail("create answer", err)
		return
	}
	if l.closed() {
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		l.fail("set local answer", err)
		return
	}
	if l.closed() {
		return
	}
	l.localSent = true
	l.emit(signaling.Envelope{Type: signaling.TypeAnswer, SDP: signaling.SDPFromPion(answer)})
}

func (l *PeerLink) handleAnswer(env signaling.Envelope) {
	if l.role != RoleOfferer || !l.localSent {
		l.log.Warn("dropping unexpected answer")
		return
	}
	if l.remoteApplied {
		l.log.Warn("dropping repeated answer")
		return
	}

	desc, err := env.SDP.ToPion()
	if err != nil {
		l.fail("parse answer", err)
		return
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.fail("set remote answer", err)
		return
	}
	l.remoteApplied = true
	if l.closed() {
		return
	}
	l.flushCandidates()
}

func (l *PeerLink) handleCandidate(env signaling.Envelope) {
	init := env.Candidate.ToPion()
	if !l.remoteApplied {
		l.pending = append(l.pending, init)
		return
	}
	if err := l.conn.AddICECandidate(init); err != nil {
		l.fail("add candidate", err)
	}
}

// flushCandidates applies candidates buffered before the remote description,
// in receipt order.
func (l *PeerLink) flushCandidates() bool {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.fail("add buffered candidate", err)
			return false
		}
	}
	return true
}

func (l *PeerLink) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case CandidateEvent:
		l.emit(signaling.Envelope{Type: signaling.TypeCandidate, Candidate: signaling.CandidateFromPion(ev.Candidate)})
	case TrackEvent:
		l.log.Info("remote track", "track_id", ev.Track.ID, "kind", ev.Track.Kind.String())
		if l.hooks.track != nil {
			l.hooks.track(l, ev.Track)
		}
	case DataChannelEvent:
		l.acceptChannel(ev.Channel)
	case ChannelOpenEvent:
		l.log.Info("data channel open", "label", ev.Channel.Label())
	case ChannelMessageEvent:
		if ev.Channel.Label() != ChatLabel {
			return
		}
		if !ev.IsString {
			l.log.Debug("dropping binary chat message", "bytes", len(ev.Data))
			return
		}
		if l.hooks.chat != nil {
			l.hooks.chat(l, string(ev.Data))
		}
	case ChannelCloseEvent:
		l.mu.Lock()
		if l.chat == ev.Channel {
			l.chat = nil
		}
		l.mu.Unlock()
		l.log.Info("data channel closed", "label", ev.Channel.Label())
	case StateEvent:
		l.handleConnectionState(ev.State)
	}
}

func (l *PeerLink) acceptChannel(dc DataChannel) {
	l.mu.Lock()
	accept := l.role == RoleAnswerer && dc.Label() == ChatLabel && l.chat == nil
	if accept {
		l.chat = dc
	}
	l.mu.Unlock()

	if !accept {
		l.log.Warn("rejecting data channel", "label", dc.Label())
		_ = dc.Close()
	}
}

func (l *PeerLink) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		l.setState(LinkNegotiating)
	case webrtc.PeerConnectionStateConnected:
		l.setState(LinkConnected)
	case webrtc.PeerConnectionStateDisconnected:
		l.setState(LinkDisconnected)
	case webrtc.PeerConnectionStateFailed:
		l.fail("ice", errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		l.setState(LinkClosed)
	}
}
