package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedVerifier(secret string, now time.Time) *JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := SignJWT("secret", "alice", "lobby", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	p, err := fixedVerifier("secret", now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "alice" || p.Room != "lobby" {
		t.Fatalf("principal=%+v", p)
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := SignJWT("secret", "alice", "", time.Minute, now)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	if _, err := fixedVerifier("secret", now.Add(2*time.Minute)).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsBadSignature(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := SignJWT("other", "alice", "", time.Minute, now)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	if _, err := fixedVerifier("secret", now).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RequiresExp(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := fixedVerifier("secret", now).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "alice",
		"exp": now.Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := fixedVerifier("secret", now).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_RejectsGarbage(t *testing.T) {
	v := NewJWTVerifier("secret")
	for _, token := range []string{"", "a.b.c", "not-a-jwt"} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q) err=%v, want %v", token, err, ErrInvalidCredentials)
		}
	}
}

func TestSignJWT_ValidatesInput(t *testing.T) {
	if _, err := SignJWT("", "a", "", time.Minute, time.Now()); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := SignJWT("s", "a", "", 0, time.Now()); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
