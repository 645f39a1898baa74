// Package webrtcpeer adapts pion PeerConnections to the mesh negotiation
// engine.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

const iceKeepaliveInterval = 2 * time.Second

type APIOption func(*webrtc.SettingEngine)

// WithVNet sends all ICE traffic through a pion virtual network.
func WithVNet(n *vnet.Net) APIOption {
	return func(se *webrtc.SettingEngine) { se.SetNet(n) }
}

// NewAPI builds the pion API shared by every connection of one process:
// network settings from cfg, default codecs and interceptors, and pion's
// internal logging routed to logger.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...APIOption) (*webrtc.API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&se)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// SettingEngine has no bind address; restricting gathering to the
	// listen IP has the same effect.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, iceKeepaliveInterval)
	}
	return nil
}
