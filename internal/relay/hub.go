package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Outbox accepts encoded frames for one member. Enqueue must not block; it
// reports false when the frame was dropped.
type Outbox interface {
	Enqueue(frame []byte) bool
}

type HubOptions struct {
	// MaxRoomMembers caps each room; zero means unlimited.
	MaxRoomMembers int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Hub is the room table. All membership changes and routing decisions happen
// under one lock so every member observes joins and leaves in the same order.
type Hub struct {
	opts HubOptions
	log  *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*Member
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:  opts,
		log:   opts.Logger,
		rooms: make(map[string]map[string]*Member),
	}
}

// Member is one participant's membership in a room.
type Member struct {
	hub  *Hub
	id   string
	room string
	out  Outbox

	left bool // guarded by hub.mu
}

func (m *Member) ID() string   { return m.id }
func (m *Member) Room() string { return m.room }

// Join adds id to room. The joiner receives a welcome listing the members
// already present, and each of them receives new-peer.
func (h *Hub) Join(room, id string, out Outbox) (*Member, error) {
	if room == "" || id == "" || id == signaling.RelayID {
		return nil, fmt.Errorf("invalid room %q or participant id %q", room, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	if _, exists := members[id]; exists {
		return nil, ErrDuplicateID
	}
	if h.opts.MaxRoomMembers > 0 && len(members) >= h.opts.MaxRoomMembers {
		return nil, ErrRoomFull
	}

	existing := append([]string{}, lo.Keys(members)...)
	sort.Strings(existing)

	h.deliver(out, signaling.Envelope{Type: signaling.TypeWelcome, Room: room, From: signaling.RelayID, Clients: existing})
	h.broadcast(members, signaling.Envelope{Type: signaling.TypeNewPeer, Room: room, From: id})

	if members == nil {
		members = make(map[string]*Member)
		h.rooms[room] = members
	}
	m := &Member{hub: h, id: id, room: room, out: out}
	members[id] = m

	h.opts.Metrics.Inc(metrics.EventRelayJoin)
	h.opts.Metrics.SetGauge(metrics.GaugeRooms, len(h.rooms))
	h.log.Info("member joined", "room", room, "peer_id", id, "members", len(members))
	return m, nil
}

// Forward routes an offer, answer or candidate to its addressee. from and
// room are overwritten with the member's own.
func (m *Member) Forward(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
	default:
		return fmt.Errorf("cannot forward %s envelope", env.Type)
	}
	env.From = m.id
	env.Room = m.room

	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return ErrNotMember
	}
	target := h.rooms[m.room][env.To]
	if target == nil || target == m {
		h.opts.Metrics.Inc(metrics.EventRelayTargetMissing)
		return fmt.Errorf("%s: %w", env.To, ErrInvalidTarget)
	}
	h.deliver(target.out, env)
	h.opts.Metrics.Inc(metrics.EventRelayRouted)
	return nil
}

// Leave removes the member and tells the rest of the room. It is idempotent.
func (m *Member) Leave() {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.left {
		return
	}
	m.left = true

	members := h.rooms[m.room]
	delete(members, m.id)
	if len(members) == 0 {
		delete(h.rooms, m.room)
	} else {
		h.broadcast(members, signaling.Envelope{Type: signaling.TypeLeave, Room: m.room, From: m.id})
	}

	h.opts.Metrics.Inc(metrics.EventRelayLeave)
	h.opts.Metrics.SetGauge(metrics.GaugeRooms, len(h.rooms))
	h.log.Info("member left", "room", m.room, "peer_id", m.id, "members", len(members))
}

// Members returns the sorted ids present in room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := lo.Keys(h.rooms[room])
	sort.Strings(ids)
	return ids
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) broadcast(members map[string]*Member, env signaling.Envelope) {
	for _, m := range members {
		h.deliver(m.out, env)
	}
}

func (h *Hub) deliver(out Outbox, env signaling.Envelope) {
	frame, err := env.Marshal()
	if err != nil {
		h.log.Error("encoding relay envelope", "type", env.Type, "err", err)
		return
	}
	if !out.Enqueue(frame) {
		h.log.Warn("dropping envelope for slow member", "room", env.Room, "type", env.Type)
	}
}
