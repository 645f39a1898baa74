// Package auth verifies the credential a participant presents when opening a
// relay connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is what a verified credential grants. An empty Room allows any
// room.
type Principal struct {
	Subject string
	Room    string
}

// AllowsRoom reports whether the principal may join room.
func (p Principal) AllowsRoom(room string) bool {
	return p.Room == "" || p.Room == room
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

// CredentialFromRequest extracts the credential for mode. The apiKey and
// token query parameters are accepted for either mode, preferring the one
// named after the mode; an Authorization bearer header is the last fallback.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	q := r.URL.Query()
	var first, second string
	switch mode {
	case config.AuthModeNone, "":
		return "", nil
	case config.AuthModeAPIKey:
		first, second = q.Get("apiKey"), q.Get("token")
	case config.AuthModeJWT:
		first, second = q.Get("token"), q.Get("apiKey")
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if first != "" {
		return first, nil
	}
	if second != "" {
		return second, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	return "", ErrMissingCredentials
}
