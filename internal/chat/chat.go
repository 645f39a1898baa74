// Package chat is the room text chat carried over each peer's "chat" data
// channel. Payloads are the raw UTF-8 text so browser peers interoperate.
package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultHistory         = 200
	DefaultMaxMessageBytes = 16 * 1024

	listenerBuffer = 16
)

var (
	ErrEmptyMessage    = errors.New("chat message is empty")
	ErrMessageTooLarge = errors.New("chat message too large")
)

type Message struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
	Local  bool      `json:"local"`
}

// Sender is one peer's chat data channel.
type Sender interface {
	SendText(text string) error
	IsOpen() bool
}

// Peers supplies the chat channels of the current mesh, keyed by peer id.
type Peers interface {
	ChatChannels() map[string]Sender
}

type Options struct {
	History         int
	MaxMessageBytes int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Mux keeps the room chat log and fans local messages out to every peer.
type Mux struct {
	self     string
	peers    Peers
	log      *slog.Logger
	maxBytes int
	now      func() time.Time

	messages *ringBuffer[Message]

	mu        sync.Mutex
	listeners map[chan Message]struct{}
}

func New(self string, peers Peers, opts Options) *Mux {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mux{
		self:      self,
		peers:     peers,
		log:       opts.Logger,
		maxBytes:  opts.MaxMessageBytes,
		now:       opts.Now,
		messages:  newRingBuffer[Message](opts.History),
		listeners: make(map[chan Message]struct{}),
	}
}

// Send appends text to the local log, then writes it to every open peer
// channel. Peers without an open channel are skipped; per-peer send failures
// are logged and never returned.
func (m *Mux) Send(text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if len(text) > m.maxBytes {
		return Message{}, ErrMessageTooLarge
	}

	msg := Message{Sender: m.self, Text: text, SentAt: m.now(), Local: true}
	m.append(msg)

	if m.peers == nil {
		return msg, nil
	}
	sent := 0
	for peerID, ch := range m.peers.ChatChannels() {
		if ch == nil || !ch.IsOpen() {
			continue
		}
		if err := ch.SendText(text); err != nil {
			m.log.Warn("chat send failed", "peer_id", peerID, "err", err)
			continue
		}
		sent++
	}
	m.log.Debug("chat message sent", "peers", sent)
	return msg, nil
}

// Receive records a message that arrived on peerID's channel.
func (m *Mux) Receive(peerID, text string) Message {
	msg := Message{Sender: peerID, Text: text, SentAt: m.now()}
	m.append(msg)
	return msg
}

// History returns the retained messages in local receipt order.
func (m *Mux) History() []Message {
	return m.messages.Snapshot()
}

// Subscribe streams messages appended after the call. Listeners that fall
// behind miss messages rather than stall the log. cancel closes the channel.
func (m *Mux) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, listenerBuffer)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// append logs msg and fans it out under one lock, so subscribers see
// messages in history order.
func (m *Mux) append(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages.Push(msg)
	for l := range m.listeners {
		select {
		case l <- msg:
		default:
		}
	}
}
