// Package auth provides authentication and request scoping: the
// AuthContext carried by every request, JWT signing and verification, and
// the HTTP middleware that decodes bearer tokens.
package auth

import (
	"context"

	"github.com/morphik-org/morphik-core/pkg/models"
)

type contextKey string

const authContextKey contextKey = "morphik_auth_context"

// AuthContext is the immutable identity and permission bundle attached to
// a request. AppID is set only for developer tokens scoped to a single
// application; UserID is the optional end-user the developer acts for.
type AuthContext struct {
	EntityType  models.EntityType   `json:"entity_type"`
	EntityID    string              `json:"entity_id"`
	AppID       string              `json:"app_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Permissions []models.Permission `json:"permissions"`
}

// Has reports whether the context carries the given permission. Admin
// implies write and read; write implies read.
func (a *AuthContext) Has(p models.Permission) bool {
	for _, held := range a.Permissions {
		if held == p {
			return true
		}
		if held == models.PermissionAdmin {
			return true
		}
		if held == models.PermissionWrite && p == models.PermissionRead {
			return true
		}
	}
	return false
}

// IsAppScoped reports whether the context is a developer token bound to a
// single application.
func (a *AuthContext) IsAppScoped() bool {
	return a.EntityType == models.EntityTypeDeveloper && a.AppID != ""
}

// Qualify renders the principal in the qualified "<entity_type>:<entity_id>"
// form used by folder ACLs. Document ACLs store the bare entity id.
func (a *AuthContext) Qualify() string {
	return string(a.EntityType) + ":" + a.EntityID
}

// WithAuthContext returns a context carrying the given AuthContext.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext extracts the AuthContext, or nil if the request is
// unauthenticated.
func FromContext(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(authContextKey).(*AuthContext); ok {
		return ac
	}
	return nil
}
