package auth

import (
	"fmt"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// GenerateLocalURI issues a developer token for self-hosted deployments and
// renders the connection URI: morphik://<name>:<token>@<host>:<port>.
func (s *TokenService) GenerateLocalURI(name, hostPort string) (string, error) {
	ac := &AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    name,
		Permissions: []models.Permission{models.PermissionRead, models.PermissionWrite, models.PermissionAdmin},
	}
	token, err := s.Sign(ac)
	if err != nil {
		return "", fmt.Errorf("failed to generate local uri: %w", err)
	}
	return fmt.Sprintf("morphik://%s:%s@%s", name, token, hostPort), nil
}

// GenerateCloudURI issues an app-scoped developer token for cloud
// deployments. The returned token is bound to (developer, app) so the
// access predicate isolates it from the developer's other apps.
func (s *TokenService) GenerateCloudURI(developerID, appID, name, hostPort string) (string, error) {
	ac := &AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    developerID,
		AppID:       appID,
		Permissions: []models.Permission{models.PermissionRead, models.PermissionWrite, models.PermissionAdmin},
	}
	token, err := s.Sign(ac)
	if err != nil {
		return "", fmt.Errorf("failed to generate cloud uri: %w", err)
	}
	return fmt.Sprintf("morphik://%s:%s@%s", name, token, hostPort), nil
}
