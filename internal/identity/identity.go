// Package identity supplies the signed-in user and the bearer token used by
// the data service and the live connection.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aposine/chatsync/pkg/model"
)

// Provider exposes the current session identity.
type Provider interface {
	// User returns the signed-in user.
	User() model.User

	// Token returns the bearer token for outgoing requests.
	Token(ctx context.Context) (string, error)
}

// TokenProvider derives the user from the claims of a JWT bearer token.
// The client holds no signing key, so claims are read without signature
// verification; the server remains the authority on token validity.
type TokenProvider struct {
	token   string
	user    model.User
	expires time.Time
}

// FromToken parses the token's claims. The subject claim is the user id;
// username and display name come from the matching claims when present.
func FromToken(token string) (*TokenProvider, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse bearer token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("bearer token has no subject claim")
	}

	p := &TokenProvider{
		token: token,
		user: model.User{
			ID:          sub,
			Username:    stringClaim(claims, "username", "preferred_username"),
			DisplayName: stringClaim(claims, "display_name", "name"),
		},
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.expires = exp.Time
	}
	return p, nil
}

// User implements Provider.
func (p *TokenProvider) User() model.User {
	return p.user
}

// Token implements Provider. An expired token is reported as an error so
// call sites degrade instead of sending requests doomed to 401.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if !p.expires.IsZero() && time.Now().After(p.expires) {
		return "", fmt.Errorf("bearer token expired at %s", p.expires.Format(time.RFC3339))
	}
	return p.token, nil
}

// Static is a fixed identity, useful for development and tests.
type Static struct {
	Identity    model.User
	BearerToken string
}

// User implements Provider.
func (s *Static) User() model.User {
	return s.Identity
}

// Token implements Provider.
func (s *Static) Token(ctx context.Context) (string, error) {
	return s.BearerToken, nil
}

func stringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
