package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/chat"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/identity"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(config.BinaryPeer, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mesh-peer exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No ICE sockets exist until the first peer connection.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	capturer, err := media.NewCapturer(cfg.MediaMode, logger)
	if err != nil {
		return fmt.Errorf("configure media: %w", err)
	}

	self := identity.New()
	if cfg.PeerID != "" {
		self = identity.WithID(cfg.PeerID)
	}

	logger.Info("starting mesh-peer",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"relay_url", cfg.RelayURL,
		"room", cfg.Room,
		"peer_id", self.Self(),
		"media_mode", cfg.MediaMode,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	binder := media.NewBinder(capturer, logger)
	drain := media.NewDrainSlot(logger)

	coord, err := mesh.New(mesh.Config{
		Room: cfg.Room,
		Dial: func(ctx context.Context) (signaling.Channel, error) {
			return signaling.Dial(ctx, cfg.RelayURL, signaling.DialOptions{
				Token:           cfg.SignalingToken,
				DialTimeout:     cfg.DialTimeout,
				PingInterval:    cfg.SignalingWSPingInterval,
				IdleTimeout:     cfg.SignalingWSIdleTimeout,
				MaxMessageBytes: cfg.MaxSignalingMessageBytes,
				Logger:          logger,
			})
		},
		Connections: webrtcpeer.NewFactory(api, peerConnectionICEServers(cfg, logger), logger),
		Identity:    self,
		Media:       binder,
		Chat: chat.Options{
			History:         cfg.ChatHistory,
			MaxMessageBytes: cfg.ChatMaxMessageBytes,
		},
		Metrics: m,
		Logger:  logger,
		OnPeerEvent: func(ev mesh.PeerEvent) {
			if ev.Kind == mesh.PeerAdded {
				binder.BindVideo(ev.PeerID, drain)
			}
		},
		OnMediaReady: func(err error) {
			if err != nil {
				logger.Warn("continuing receive-only", "err", err)
				return
			}
			logger.Info("local media attached to new peers", "tracks", len(binder.Tracks()))
		},
	})
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg, logger, httpserver.ResolveBuildInfo(buildCommit, buildTime), m)
	srv.RegisterControl(httpserver.Controller(coord, drain))
	srv.SetReadyCheck(func() error {
		if s := coord.State(); s != mesh.StateActive {
			return fmt.Errorf("room session is %s", s)
		}
		return nil
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Join(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("join room %q: %w", cfg.Room, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutting down")
		case <-coord.Done():
			logger.Info("room session ended")
		}
		_ = coord.LeaveRoom()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return coord.Err()
	})
	return g.Wait()
}
