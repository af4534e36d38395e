package auth

import (
	"net/http"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// HTTPMiddleware decodes the Authorization bearer token into an
// AuthContext and stores it on the request context. Missing or malformed
// tokens yield 401; handlers downstream decide 403 via the store's access
// predicate.
func (s *TokenService) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error":"Missing Authorization header"}`, http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, `{"error":"Invalid Authorization format, expected: Bearer <token>"}`, http.StatusUnauthorized)
			return
		}

		ac, err := s.Verify(r.Context(), tokenString)
		if err != nil {
			http.Error(w, `{"error":"Unauthorized: `+err.Error()+`"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// DevMiddleware short-circuits authentication in self-hosted dev mode:
// every request runs as the configured local developer with full
// permissions.
func DevMiddleware(entityID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := &AuthContext{
				EntityType:  models.EntityTypeDeveloper,
				EntityID:    entityID,
				Permissions: []models.Permission{models.PermissionAdmin},
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
		})
	}
}
