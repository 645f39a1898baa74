package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const wsWriteWait = 1 * time.Second

// Server upgrades GET /signal to a websocket and attaches the connection to
// the hub. It enforces authentication, the origin allow-list, and
// per-connection size and rate limits.
type Server struct {
	cfg      config.Config
	hub      *Hub
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(cfg config.Config, hub *Hub, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      withDefaults(cfg),
		hub:      hub,
		verifier: verifier,
		metrics:  m,
		log:      logger,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s, nil
}

// withDefaults fills limits left zero by callers that build a Config by hand.
func withDefaults(cfg config.Config) config.Config {
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 {
		cfg.SignalingWSPingInterval = config.DefaultSignalingWSPingInterval
	}
	if cfg.RelaySendQueueBytes <= 0 {
		cfg.RelaySendQueueBytes = config.DefaultRelaySendQueueBytes
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	normalized, originHost, ok := origin.Normalize(originHeader)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	if err != nil {
		s.metrics.Inc(metrics.EventRelayAuthRejected)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	principal, err := s.verifier.Verify(cred)
	if err != nil {
		s.metrics.Inc(metrics.EventRelayAuthRejected)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	c := &relayConn{
		srv:       s,
		conn:      conn,
		principal: principal,
		log:       s.log.With("conn_id", uuid.NewString(), "remote_addr", r.RemoteAddr),
		done:      make(chan struct{}),
	}
	c.serve()
}

// Close ends every open relay connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		writeClose(conn, websocket.CloseGoingAway, "relay shutting down")
		_ = conn.Close()
	}
}

func (s *Server) track(conn *websocket.Conn, open bool) {
	s.mu.Lock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.SetGauge(metrics.GaugeConnections, n)
}

type relayConn struct {
	srv       *Server
	conn      *websocket.Conn
	principal auth.Principal
	log       *slog.Logger

	queue  *sendQueue
	member *Member

	done     chan struct{}
	doneOnce sync.Once
}

func (c *relayConn) serve() {
	cfg := c.srv.cfg
	c.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	})

	c.queue = newSendQueue(cfg.RelaySendQueueBytes, func() {
		c.srv.metrics.Inc(metrics.EventRelayQueueDropped)
	})
	defer c.queue.Close()
	defer c.stop()

	go c.writeLoop()
	go c.pingLoop()

	limiter := rate.NewLimiter(rate.Limit(cfg.MaxSignalingMessagesPerSecond), cfg.MaxSignalingMessagesPerSecond)

	c.log.Debug("relay connection opened")
	defer c.log.Debug("relay connection closed")

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.srv.metrics.Inc(metrics.EventRelayInvalid)
				writeClose(c.conn, websocket.CloseMessageTooBig, "message too large")
			}
			c.leave()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))

		if !limiter.Allow() {
			c.srv.metrics.Inc(metrics.EventRelayRateLimited)
			c.leave()
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.leave()
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.EventRelayInvalid)
			c.log.Warn("dropping invalid envelope", "err", err)
			continue
		}
		if !c.handle(env) {
			return
		}
	}
}

// handle reports whether the connection should keep reading.
func (c *relayConn) handle(env signaling.Envelope) bool {
	if c.member == nil {
		if env.Type != signaling.TypeJoin {
			c.srv.metrics.Inc(metrics.EventRelayInvalid)
			writeClose(c.conn, websocket.ClosePolicyViolation, "join required")
			return false
		}
		if !c.principal.AllowsRoom(env.Room) {
			c.srv.metrics.Inc(metrics.EventRelayAuthRejected)
			writeClose(c.conn, websocket.ClosePolicyViolation, "room not permitted")
			return false
		}
		m, err := c.srv.hub.Join(env.Room, env.From, c.queue)
		if err != nil {
			c.log.Warn("join rejected", "room", env.Room, "peer_id", env.From, "err", err)
			code := websocket.ClosePolicyViolation
			if errors.Is(err, ErrRoomFull) {
				code = websocket.CloseTryAgainLater
			}
			writeClose(c.conn, code, err.Error())
			return false
		}
		c.member = m
		c.log = c.log.With("room", m.Room(), "peer_id", m.ID())
		return true
	}

	if env.Room != c.member.Room() {
		c.srv.metrics.Inc(metrics.EventRelayInvalid)
		c.log.Warn("dropping envelope for another room", "type", env.Type, "envelope_room", env.Room)
		return true
	}

	switch env.Type {
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
		if err := c.member.Forward(env); err != nil {
			c.log.Debug("envelope not routed", "type", env.Type, "to", env.To, "err", err)
		}
		return true
	case signaling.TypeLeave:
		c.leave()
		writeClose(c.conn, websocket.CloseNormalClosure, "left")
		return false
	default:
		c.srv.metrics.Inc(metrics.EventRelayInvalid)
		c.log.Warn("dropping unexpected envelope", "type", env.Type)
		return true
	}
}

func (c *relayConn) leave() {
	if c.member != nil {
		c.member.Leave()
	}
}

func (c *relayConn) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *relayConn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("relay write failed", "err", err)
			_ = c.conn.Close()
			return
		}
	}
}

func (c *relayConn) pingLoop() {
	ticker := time.NewTicker(c.srv.cfg.SignalingWSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
