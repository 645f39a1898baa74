package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
)

const (
	EnvMode            = "MESH_MODE"
	EnvLogFormat       = "MESH_LOG_FORMAT"
	EnvLogLevel        = "MESH_LOG_LEVEL"
	EnvListenAddr      = "MESH_LISTEN_ADDR"
	EnvShutdownTimeout = "MESH_SHUTDOWN_TIMEOUT"

	// Participant.
	EnvRelayURL             = "MESH_RELAY_URL"
	EnvRoom                 = "MESH_ROOM"
	EnvPeerID               = "MESH_PEER_ID"
	EnvSignalingToken       = "MESH_SIGNALING_TOKEN"
	EnvDialTimeout          = "MESH_DIAL_TIMEOUT"
	EnvMediaMode            = "MESH_MEDIA_MODE"
	EnvChatHistory          = "MESH_CHAT_HISTORY"
	EnvChatMaxMessageBytes  = "MESH_CHAT_MAX_MESSAGE_BYTES"
	EnvICEDisconnectTimeout = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	EnvICEFailedTimeout     = "WEBRTC_ICE_FAILED_TIMEOUT"

	// Relay and signaling websocket hardening. The ping/idle/size settings
	// apply to both ends of the signaling connection.
	EnvAllowedOrigins                = "ALLOWED_ORIGINS"
	EnvAuthMode                      = "AUTH_MODE"
	EnvAPIKey                        = "API_KEY"
	EnvJWTSecret                     = "JWT_SECRET"
	EnvSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	EnvMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvRelaySendQueueBytes           = "RELAY_SEND_QUEUE_BYTES"
	EnvMaxRoomMembers                = "MAX_ROOM_MEMBERS"

	EnvWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

const (
	DefaultPeerListenAddr  = "127.0.0.1:8081"
	DefaultRelayListenAddr = "127.0.0.1:8080"
	DefaultRelayURL        = "ws://127.0.0.1:8080/signal"
	DefaultShutdown        = 15 * time.Second
	DefaultMode            = ModeDev
	DefaultAuthMode        = AuthModeNone
	DefaultMediaMode       = media.ModeSynthetic

	DefaultDialTimeout          = 10 * time.Second
	DefaultICEDisconnectTimeout = 5 * time.Second
	DefaultICEFailedTimeout     = 25 * time.Second
	DefaultChatHistory          = 200
	DefaultChatMaxMessageBytes  = 16 * 1024

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultRelaySendQueueBytes           = 1 << 20 // 1MiB

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// maxChatMessageBytes is the SCTP message size every browser accepts.
const maxChatMessageBytes = 64 * 1024

// recommendedWebRTCUDPPortRangeSize keeps a full mesh of a few dozen peers
// from running out of ICE ports.
const recommendedWebRTCUDPPortRangeSize = 100

// Binary selects the listen address default and which settings are required.
type Binary string

const (
	BinaryPeer  Binary = "mesh-peer"
	BinaryRelay Binary = "mesh-relay"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Binary          Binary
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Participant.
	RelayURL            string
	Room                string
	PeerID              string
	SignalingToken      string
	DialTimeout         time.Duration
	MediaMode           media.Mode
	ChatHistory         int
	ChatMaxMessageBytes int

	// Signaling websocket, shared by both binaries.
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// Relay.
	AllowedOrigins      []string
	AuthMode            AuthMode
	APIKey              string
	JWTSecret           string
	RelaySendQueueBytes int
	MaxRoomMembers      int

	// WebRTC network settings for the participant's peer connections.
	ICEServers                   []webrtc.ICEServer
	ICEDisconnectedTimeout       time.Duration
	ICEFailedTimeout             time.Duration
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	// WebRTCUDPListenIP restricts ICE to one local address; 0.0.0.0 means all.
	WebRTCUDPListenIP net.IP
}

func Load(bin Binary, args []string) (Config, error) {
	return load(bin, os.LookupEnv, args)
}

func load(bin Binary, lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenDefault := DefaultPeerListenAddr
	if bin == BinaryRelay {
		listenDefault = DefaultRelayListenAddr
	}
	listenAddr := envOrDefault(lookup, EnvListenAddr, listenDefault)
	relayURL := envOrDefault(lookup, EnvRelayURL, DefaultRelayURL)
	room := envOrDefault(lookup, EnvRoom, "")
	peerID := envOrDefault(lookup, EnvPeerID, "")
	signalingToken := envOrDefault(lookup, EnvSignalingToken, "")
	mediaModeStr := envOrDefault(lookup, EnvMediaMode, string(DefaultMediaMode))
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, EnvAPIKey, "")
	jwtSecret := envOrDefault(lookup, EnvJWTSecret, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, EnvDialTimeout, DefaultDialTimeout)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, EnvICEDisconnectTimeout, DefaultICEDisconnectTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, EnvICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	chatHistory, err := envIntOrDefault(lookup, EnvChatHistory, DefaultChatHistory)
	if err != nil {
		return Config{}, err
	}
	chatMaxMessageBytes, err := envIntOrDefault(lookup, EnvChatMaxMessageBytes, DefaultChatMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	relaySendQueueBytes, err := envIntOrDefault(lookup, EnvRelaySendQueueBytes, DefaultRelaySendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxRoomMembers, err := envIntOrDefault(lookup, EnvMaxRoomMembers, 0)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(EnvWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(EnvWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, EnvWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet(string(bin), flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+EnvListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+EnvMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+EnvLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+EnvLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+EnvShutdownTimeout+")")

	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay websocket URL (env "+EnvRelayURL+")")
	fs.StringVar(&room, "room", room, "Room to join (env "+EnvRoom+")")
	fs.StringVar(&peerID, "peer-id", peerID, "Participant id (default: random UUID; env "+EnvPeerID+")")
	fs.StringVar(&signalingToken, "signaling-token", signalingToken, "Credential presented to the relay (env "+EnvSignalingToken+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "Relay dial timeout (env "+EnvDialTimeout+")")
	fs.StringVar(&mediaModeStr, "media", mediaModeStr, "Local media: none, synthetic, or devices (env "+EnvMediaMode+")")
	fs.IntVar(&chatHistory, "chat-history", chatHistory, "Chat messages kept in memory (env "+EnvChatHistory+")")
	fs.IntVar(&chatMaxMessageBytes, "chat-max-message-bytes", chatMaxMessageBytes, "Max outgoing chat message size in bytes (env "+EnvChatMaxMessageBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (env "+EnvICEDisconnectTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (env "+EnvICEFailedTimeout+")")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+EnvWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+EnvWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+EnvWebRTCNAT1To1IPCandidateType+")")

	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none, api_key, or jwt (env "+EnvAuthMode+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling websockets after this duration (env "+EnvSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval on signaling websockets (must be < --signaling-ws-idle-timeout; env "+EnvSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max signaling message size in bytes (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+EnvMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&relaySendQueueBytes, "relay-send-queue-bytes", relaySendQueueBytes, "Max queued outbound bytes per relay member before dropping (env "+EnvRelaySendQueueBytes+")")
	fs.IntVar(&maxRoomMembers, "max-room-members", maxRoomMembers, "Max members per room (0 = unlimited; env "+EnvMaxRoomMembers+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	mediaMode, err := media.ParseMode(mediaModeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--media: %w", EnvMediaMode, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", EnvSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", EnvSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", EnvSignalingWSPingInterval, EnvSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", EnvMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", EnvMaxSignalingMessagesPerSecond)
	}
	if maxRoomMembers < 0 {
		return Config{}, fmt.Errorf("%s/--max-room-members must be >= 0", EnvMaxRoomMembers)
	}

	switch bin {
	case BinaryPeer:
		if strings.TrimSpace(room) == "" {
			return Config{}, fmt.Errorf("%s/--room must be set", EnvRoom)
		}
		if err := validateRelayURL(relayURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--relay-url %q: %w", EnvRelayURL, relayURL, err)
		}
		if dialTimeout <= 0 {
			return Config{}, fmt.Errorf("%s/--dial-timeout must be > 0", EnvDialTimeout)
		}
		if chatHistory <= 0 {
			return Config{}, fmt.Errorf("%s/--chat-history must be > 0", EnvChatHistory)
		}
		if chatMaxMessageBytes <= 0 || chatMaxMessageBytes > maxChatMessageBytes {
			return Config{}, fmt.Errorf("%s/--chat-max-message-bytes must be in 1..%d", EnvChatMaxMessageBytes, maxChatMessageBytes)
		}
		if iceDisconnectedTimeout <= 0 || iceFailedTimeout <= 0 {
			return Config{}, fmt.Errorf("%s and %s must be > 0", EnvICEDisconnectTimeout, EnvICEFailedTimeout)
		}
		if iceDisconnectedTimeout >= iceFailedTimeout {
			return Config{}, fmt.Errorf("%s must be < %s", EnvICEDisconnectTimeout, EnvICEFailedTimeout)
		}
	case BinaryRelay:
		if relaySendQueueBytes <= 0 {
			return Config{}, fmt.Errorf("%s/--relay-send-queue-bytes must be > 0", EnvRelaySendQueueBytes)
		}
		if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", EnvAPIKey, EnvAuthMode, AuthModeAPIKey)
		}
		if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s=%s", EnvJWTSecret, EnvAuthMode, AuthModeJWT)
		}
	default:
		return Config{}, fmt.Errorf("unknown binary %q", bin)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", EnvWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", EnvAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := iceSource{
		JSON:       iceServersJSON,
		STUN:       stunURLs,
		TURN:       turnURLs,
		Username:   turnUsername,
		Credential: turnCredential,
	}.resolve()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Binary:          bin,
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		RelayURL:            strings.TrimSpace(relayURL),
		Room:                strings.TrimSpace(room),
		PeerID:              strings.TrimSpace(peerID),
		SignalingToken:      signalingToken,
		DialTimeout:         dialTimeout,
		MediaMode:           mediaMode,
		ChatHistory:         chatHistory,
		ChatMaxMessageBytes: chatMaxMessageBytes,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		AllowedOrigins:      allowedOrigins,
		AuthMode:            authMode,
		APIKey:              apiKey,
		JWTSecret:           jwtSecret,
		RelaySendQueueBytes: relaySendQueueBytes,
		MaxRoomMembers:      maxRoomMembers,

		ICEServers:                   iceServers,
		ICEDisconnectedTimeout:       iceDisconnectedTimeout,
		ICEFailedTimeout:             iceFailedTimeout,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler).With("service", string(cfg.Binary)), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", EnvAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return fmt.Errorf("expected ws:// or wss://")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.User != nil {
		return fmt.Errorf("must not include credentials")
	}
	return nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
