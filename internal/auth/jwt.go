package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxJWTLen = 8 * 1024

// Claims are the relay token claims. Room, when present, pins the token to
// one room.
type Claims struct {
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. exp is
// required.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Principal, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return Principal{}, ErrInvalidCredentials
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return Principal{Subject: claims.Subject, Room: claims.Room}, nil
}

// SignJWT issues an HS256 token for subject, optionally pinned to room.
// mesh-relay operators use it to mint participant tokens.
func SignJWT(secret, subject, room string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("jwt ttl must be positive")
	}
	claims := Claims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
