package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aposine/chatsync/internal/identity"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestFromToken_ExtractsUser(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":          "u-1",
		"username":     "alice",
		"display_name": "Alice A",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	p, err := identity.FromToken(token)
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}

	user := p.User()
	if user.ID != "u-1" || user.Username != "alice" || user.DisplayName != "Alice A" {
		t.Errorf("user = %+v", user)
	}

	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != token {
		t.Error("Token() did not return the original bearer token")
	}
}

func TestFromToken_FallbackClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":                "u-2",
		"preferred_username": "bob",
		"name":               "Bob B",
	})

	p, err := identity.FromToken(token)
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}
	user := p.User()
	if user.Username != "bob" || user.DisplayName != "Bob B" {
		t.Errorf("user = %+v", user)
	}
}

func TestFromToken_RejectsMissingSubject(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"username": "nobody"})
	if _, err := identity.FromToken(token); err == nil {
		t.Error("expected error for token without subject")
	}
}

func TestFromToken_RejectsGarbage(t *testing.T) {
	if _, err := identity.FromToken("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestToken_ExpiredTokenIsError(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	p, err := identity.FromToken(token)
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}
	if _, err := p.Token(context.Background()); err == nil {
		t.Error("expected error for expired token")
	}
}
