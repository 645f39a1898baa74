package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && strings.EqualFold(relayScheme(cfg.RelayURL), "ws") {
		logger.Warn("startup security warning: relay URL is not TLS (ws://) while --mode=prod",
			"warning_code", "relay_url_plaintext_in_prod",
			"relay_host", safeURLHost(cfg.RelayURL),
			"mode", cfg.Mode,
		)
	}

	if !lo.SomeBy(cfg.ICEServers, iceServerHasTURNURL) {
		logger.Warn("startup warning: no TURN server configured; peers behind symmetric NATs will fail to connect",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.MediaMode == media.ModeNone {
		logger.Warn("startup warning: media mode is none; joining receive-only",
			"warning_code", "media_mode_none",
			"media_mode", cfg.MediaMode,
		)
	}
}

func relayScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Scheme
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
