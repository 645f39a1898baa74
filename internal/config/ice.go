package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

const (
	envICEServersJSON = "MESH_ICE_SERVERS_JSON"

	envStunURLs       = "MESH_STUN_URLS"
	envTurnURLs       = "MESH_TURN_URLS"
	envTurnUsername   = "MESH_TURN_USERNAME"
	envTurnCredential = "MESH_TURN_CREDENTIAL"
)

// DefaultSTUNURL is what peers use when no ICE server is configured.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// iceSchemes maps the accepted URL schemes to whether they need TURN
// credentials.
var iceSchemes = map[string]bool{
	"stun":  false,
	"stuns": false,
	"turn":  true,
	"turns": true,
}

// iceSource holds the raw ICE settings. JSON wins over the STUN/TURN
// convenience values when both are set.
type iceSource struct {
	JSON       string
	STUN       string
	TURN       string
	Username   string
	Credential string
}

// resolve returns the ICE servers for peer connections. An explicit empty
// JSON list leaves peers with host candidates only; no settings at all
// yields DefaultSTUNURL.
func (s iceSource) resolve() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitURLs(s.STUN); len(urls) > 0 {
		stun := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(stun); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, stun)
	}
	if urls := splitURLs(s.TURN); len(urls) > 0 {
		user, cred := strings.TrimSpace(s.Username), strings.TrimSpace(s.Credential)
		if user == "" || cred == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		turn := webrtc.ICEServer{URLs: urls, Username: user, Credential: cred}
		if err := checkICEServer(turn); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, turn)
	}

	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}
	return servers, nil
}

type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts "urls" as a single string or a list, as browsers do.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-style JSON list. An empty list
// is valid.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{URLs: trimURLs(e.URLs), Username: strings.TrimSpace(e.Username)}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func trimURLs(urls []string) []string {
	return lo.Compact(lo.Map(urls, func(u string, _ int) string { return strings.TrimSpace(u) }))
}

func splitURLs(value string) []string {
	return trimURLs(strings.Split(value, ","))
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needCreds := false
	for _, url := range server.URLs {
		scheme, _, ok := strings.Cut(url, ":")
		turn, known := iceSchemes[scheme]
		if !ok || !known {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		needCreds = needCreds || turn
	}
	if !needCreds {
		return nil
	}

	cred, _ := server.Credential.(string)
	if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require username and credential")
	}
	return nil
}
