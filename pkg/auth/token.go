package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// TokenService signs and verifies the bearer tokens that encode an
// AuthContext. Tokens are symmetric (HS256) because the issuer and the
// verifier are the same process (or share the configured secret).
type TokenService struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokenService creates a token service with the given signing secret.
// lifetime bounds tokens issued by Sign; verification honors whatever exp
// the token carries.
func NewTokenService(secret string, lifetime time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if lifetime <= 0 {
		lifetime = 30 * 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), lifetime: lifetime}, nil
}

// Sign issues a signed bearer token for the given AuthContext.
func (s *TokenService) Sign(ac *AuthContext) (string, error) {
	token := jwt.New()

	perms := make([]string, len(ac.Permissions))
	for i, p := range ac.Permissions {
		perms[i] = string(p)
	}

	claims := map[string]interface{}{
		"type":        string(ac.EntityType),
		"entity_id":   ac.EntityID,
		"permissions": perms,
	}
	if ac.AppID != "" {
		claims["app_id"] = ac.AppID
	}
	if ac.UserID != "" {
		claims["user_id"] = ac.UserID
	}

	for key, value := range claims {
		if err := token.Set(key, value); err != nil {
			return "", fmt.Errorf("failed to set claim %s: %w", key, err)
		}
	}
	if err := token.Set(jwt.IssuedAtKey, time.Now()); err != nil {
		return "", err
	}
	if err := token.Set(jwt.ExpirationKey, time.Now().Add(s.lifetime)); err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify validates a bearer token and decodes it into an AuthContext.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*AuthContext, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	ac := &AuthContext{}

	if v, ok := token.Get("type"); ok {
		if str, ok := v.(string); ok {
			ac.EntityType = models.EntityType(str)
		}
	}
	if v, ok := token.Get("entity_id"); ok {
		if str, ok := v.(string); ok {
			ac.EntityID = str
		}
	}
	if v, ok := token.Get("app_id"); ok {
		if str, ok := v.(string); ok {
			ac.AppID = str
		}
	}
	if v, ok := token.Get("user_id"); ok {
		if str, ok := v.(string); ok {
			ac.UserID = str
		}
	}
	if v, ok := token.Get("permissions"); ok {
		switch perms := v.(type) {
		case []interface{}:
			for _, p := range perms {
				if str, ok := p.(string); ok {
					ac.Permissions = append(ac.Permissions, models.Permission(str))
				}
			}
		case []string:
			for _, p := range perms {
				ac.Permissions = append(ac.Permissions, models.Permission(p))
			}
		}
	}

	if ac.EntityType == "" || ac.EntityID == "" {
		return nil, fmt.Errorf("invalid token: missing entity claims")
	}

	return ac, nil
}
