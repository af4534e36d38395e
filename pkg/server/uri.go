package server

import (
	"fmt"
	"net/http"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
)

// handleLocalGenerateURI issues a self-hosted developer URI. It is
// unauthenticated on purpose: self-hosted deployments bootstrap their first
// token through it.
func (s *Server) handleLocalGenerateURI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, &query.ValidationError{Field: "form", Message: err.Error()})
		return
	}
	name := r.FormValue("name")
	if name == "" {
		s.writeError(w, r, &query.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}

	hostPort := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	uri, err := s.tokens.GenerateLocalURI(name, hostPort)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

// CloudURIRequest is the body of POST /cloud/generate_uri.
type CloudURIRequest struct {
	AppID string `json:"app_id"`
	Name  string `json:"name"`
}

func (s *Server) handleCloudGenerateURI(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if ac.EntityType != models.EntityTypeDeveloper {
		s.writeError(w, r, database.ErrForbidden)
		return
	}

	var req CloudURIRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AppID == "" || req.Name == "" {
		s.writeError(w, r, &query.ValidationError{Field: "app_id/name", Message: "must not be empty"})
		return
	}

	hostPort := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	uri, err := s.tokens.GenerateCloudURI(ac.EntityID, req.AppID, req.Name, hostPort)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"uri":    uri,
		"app_id": req.AppID,
	})
}

// handleDeleteApp cascade-deletes everything scoped to the caller's app:
// documents first, then folders, conversations and model configs.
func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if ac.EntityType != models.EntityTypeDeveloper {
		s.writeError(w, r, database.ErrForbidden)
		return
	}

	appID := r.URL.Query().Get("app_name")
	if appID == "" {
		s.writeError(w, r, &query.ValidationError{Field: "app_name", Message: "must not be empty"})
		return
	}

	summary, err := s.store.DeleteAppData(r.Context(), ac.EntityID, appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
