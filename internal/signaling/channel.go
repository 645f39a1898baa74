package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxMessageBytes = int64(64 * 1024)
)

var (
	ErrTransport = errors.New("signaling transport failure")
	ErrClosed    = errors.New("signaling channel closed")
)

// TransportError reports that the connection to the relay could not be
// established or was lost. It matches ErrTransport with errors.Is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "signaling " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Channel is an ordered, bidirectional envelope stream to the relay.
//
// Exactly one receive handler is active at a time. Envelopes that arrive
// before OnReceive is called are held and delivered once it is. Done is
// closed when the channel ends for any reason; Err reports why when the
// channel was not closed locally.
type Channel interface {
	Send(Envelope) error
	OnReceive(func(Envelope))
	Close() error
	Done() <-chan struct{}
	Err() error
}

type DialOptions struct {
	// Token, when set, is passed as the token query parameter.
	Token  string
	Header http.Header

	DialTimeout     time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

func (o DialOptions) withDefaults() DialOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// WSChannel is a Channel over one gorilla websocket connection carrying one
// JSON envelope per text frame.
type WSChannel struct {
	conn *websocket.Conn
	opts DialOptions
	log  *slog.Logger

	writeMu sync.Mutex

	handler    atomic.Pointer[func(Envelope)]
	handlerSet chan struct{}
	handlerOne sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

var _ Channel = (*WSChannel)(nil)

// Dial connects to the relay at endpoint (ws:// or wss://).
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*WSChannel, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &TransportError{Op: "dial", Err: errors.New("relay url must use ws or wss")}
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return NewWSChannel(conn, opts), nil
}

// NewWSChannel wraps an established connection and starts its read and
// keepalive loops.
func NewWSChannel(conn *websocket.Conn, opts DialOptions) *WSChannel {
	opts = opts.withDefaults()
	c := &WSChannel{
		conn:       conn,
		opts:       opts,
		log:        opts.Logger,
		handlerSet: make(chan struct{}),
		closed:     make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *WSChannel) OnReceive(h func(Envelope)) {
	if h == nil {
		return
	}
	c.handler.Store(&h)
	c.handlerOne.Do(func() { close(c.handlerSet) })
}

func (c *WSChannel) Send(env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return &TransportError{Op: "send", Err: ErrClosed}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		terr := &TransportError{Op: "send", Err: err}
		c.shutdown(terr)
		return terr
	}
	return nil
}

func (c *WSChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WSChannel) Done() <-chan struct{} { return c.closed }

func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *WSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		if cause == nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(wsWriteWait))
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}

func (c *WSChannel) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("signaling connection lost", "err", err)
				c.shutdown(&TransportError{Op: "read", Err: err})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame", "frame_type", msgType)
			continue
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			c.log.Warn("dropping invalid signaling envelope", "err", err)
			continue
		}

		select {
		case <-c.handlerSet:
		case <-c.closed:
			return
		}
		(*c.handler.Load())(env)

		// Waiting for a handler or running one must not count as idleness.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				// The read loop observes the dead connection and shuts down.
				c.log.Debug("signaling ping failed", "err", err, "timeout", isTimeout(err))
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
