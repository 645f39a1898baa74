package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

// peerConnectionICEServers returns the ICE servers handed to pion. TURN
// entries without complete credentials are dropped: browsers may be given
// such entries with per-request credentials, but pion rejects them.
func peerConnectionICEServers(cfg config.Config, logger *slog.Logger) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
			continue
		}
		cred, _ := server.Credential.(string)
		if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
			logger.Warn("skipping TURN server without credentials", "urls", server.URLs)
			continue
		}
		out = append(out, server)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
