package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

func TestHTTPGraphClientForwardsIdentity(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	require.NoError(t, err)

	var gotPath, gotAuth string
	var gotBody graphRetrieveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(graphRetrieveResponse{Answer: "Acme makes Widgets."})
	}))
	defer srv.Close()

	client := NewHTTPGraphClient(srv.URL, tokens, nil)
	ac := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "user-1",
		Permissions: []models.Permission{models.PermissionRead},
	}

	answer, err := client.Retrieve(context.Background(), ac, "kg", "who makes widgets")
	require.NoError(t, err)
	assert.Equal(t, "Acme makes Widgets.", answer)
	assert.Equal(t, "/graph/retrieve", gotPath)
	assert.Equal(t, "kg", gotBody.GraphName)
	assert.Equal(t, "who makes widgets", gotBody.Query)

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	verified, err := tokens.Verify(context.Background(), strings.TrimPrefix(gotAuth, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "user-1", verified.EntityID)
}

func TestHTTPGraphClientSurfacesServerErrors(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "graph not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPGraphClient(srv.URL, tokens, nil)
	_, err = client.Retrieve(context.Background(), &auth.AuthContext{EntityID: "user-1"}, "missing", "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
