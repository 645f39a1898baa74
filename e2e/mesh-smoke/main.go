// Command mesh-smoke runs a relay and a room of synthetic participants in one
// process and checks that they form a full mesh and exchange chat. With
// KEEP_RUNNING=1 it keeps the relay up after printing READY so browser E2E
// tests can join the same room.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/chat"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/identity"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	peers := envIntOrDefault("PEERS", 3)
	room := envOrDefault("ROOM", "smoke")
	timeout := time.Duration(envIntOrDefault("TIMEOUT_SECONDS", 30)) * time.Second

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	// Local E2E only: no auth and any origin.
	cfg := config.Config{Binary: config.BinaryRelay, AuthMode: config.AuthModeNone, AllowedOrigins: []string{"*"}}
	hub := relay.NewHub(relay.HubOptions{Logger: logger})
	sig, err := relay.NewServer(cfg, hub, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /signal", sig)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	defer func() {
		sig.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	}()

	relayURL := fmt.Sprintf("ws://%s/signal", ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runRoom(ctx, relayURL, room, peers, logger); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	if os.Getenv("KEEP_RUNNING") == "" {
		return
	}
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func runRoom(ctx context.Context, relayURL, room string, n int, logger *slog.Logger) error {
	if n < 2 {
		return fmt.Errorf("PEERS must be >= 2, got %d", n)
	}
	api, err := webrtcpeer.NewAPI(config.Config{}, logger)
	if err != nil {
		return err
	}

	coords := make([]*mesh.Coordinator, 0, n)
	defer func() {
		for _, c := range coords {
			_ = c.LeaveRoom()
		}
	}()
	for i := range n {
		c, err := mesh.New(mesh.Config{
			Room: room,
			Dial: func(ctx context.Context) (signaling.Channel, error) {
				return signaling.Dial(ctx, relayURL, signaling.DialOptions{Logger: logger})
			},
			Connections: webrtcpeer.NewFactory(api, nil, logger),
			Identity:    identity.WithID(fmt.Sprintf("peer-%d", i)),
			Media:       media.NewBinder(media.SyntheticCapturer{}, logger),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		coords = append(coords, c)
		if err := c.Media().Acquire(ctx); err != nil {
			return fmt.Errorf("peer-%d media: %w", i, err)
		}
		if err := c.Join(ctx); err != nil {
			return fmt.Errorf("peer-%d join: %w", i, err)
		}
	}

	if err := waitFullMesh(ctx, coords); err != nil {
		return err
	}

	subs := make([]<-chan chat.Message, 0, n-1)
	for _, c := range coords[1:] {
		ch, cancel := c.Chat().Subscribe()
		defer cancel()
		subs = append(subs, ch)
	}
	if _, err := coords[0].SendChat("smoke"); err != nil {
		return err
	}
	for i, ch := range subs {
		select {
		case msg := <-ch:
			if msg.Text != "smoke" || msg.Sender != coords[0].Self() {
				return fmt.Errorf("peer-%d got unexpected chat %+v", i+1, msg)
			}
		case <-ctx.Done():
			return fmt.Errorf("peer-%d never received chat: %w", i+1, ctx.Err())
		}
	}
	return nil
}

func waitFullMesh(ctx context.Context, coords []*mesh.Coordinator) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if fullMesh(coords) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("mesh not connected: %w", ctx.Err())
		}
	}
}

func fullMesh(coords []*mesh.Coordinator) bool {
	for _, c := range coords {
		peers := c.Peers()
		if len(peers) != len(coords)-1 {
			return false
		}
		for _, p := range peers {
			if p.State != mesh.LinkConnected || !p.ChatOpen {
				return false
			}
		}
	}
	return true
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
