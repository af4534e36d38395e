package server

import (
	"context"
	"net/http"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
)

// RetrieveRequest is the shared body of the /retrieve endpoints.
type RetrieveRequest struct {
	Query      string                 `json:"query"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	K          int                    `json:"k,omitempty"`
	MinScore   float64                `json:"min_score,omitempty"`
	UseColpali bool                   `json:"use_colpali,omitempty"`
	Padding    int                    `json:"padding,omitempty"`
	FolderName string                 `json:"folder_name,omitempty"`
	EndUserID  string                 `json:"end_user_id,omitempty"`
	GraphName  string                 `json:"graph_name,omitempty"`
}

// BatchChunksRequest names specific chunks to fetch.
type BatchChunksRequest struct {
	Sources    []models.ChunkSource `json:"sources"`
	FolderName string               `json:"folder_name,omitempty"`
	EndUserID  string               `json:"end_user_id,omitempty"`
	UseColpali bool                 `json:"use_colpali,omitempty"`
}

// BatchDocumentsRequest names documents to fetch by id.
type BatchDocumentsRequest struct {
	DocumentIDs []string `json:"document_ids"`
	FolderName  string   `json:"folder_name,omitempty"`
	EndUserID   string   `json:"end_user_id,omitempty"`
}

// RetrievalService is the vector-search collaborator behind the /retrieve
// and /batch/chunks endpoints. Permission failures surface as
// database.ErrForbidden.
type RetrievalService interface {
	RetrieveChunks(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) ([]models.ChunkResult, error)
	RetrieveChunksGrouped(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) (*models.GroupedChunkResponse, error)
	RetrieveDocs(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) ([]models.DocumentResult, error)
	BatchChunks(ctx context.Context, ac *auth.AuthContext, req BatchChunksRequest) ([]models.ChunkResult, error)
}

func (s *Server) handleRetrieveChunks(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, r, &query.ValidationError{Field: "query", Message: "must not be empty"})
		return
	}

	chunks, err := s.retrieval.RetrieveChunks(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []models.ChunkResult{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleRetrieveChunksGrouped(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	grouped, err := s.retrieval.RetrieveChunksGrouped(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (s *Server) handleRetrieveDocs(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	docs, err := s.retrieval.RetrieveDocs(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.DocumentResult{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleBatchDocuments(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req BatchDocumentsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	systemFilters := map[string]interface{}{}
	if req.FolderName != "" {
		systemFilters["folder_name"] = req.FolderName
	}
	if req.EndUserID != "" {
		systemFilters["end_user_id"] = req.EndUserID
	}

	docs, err := s.store.GetDocumentsByIDs(r.Context(), ac, req.DocumentIDs, systemFilters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleBatchChunks(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	var req BatchChunksRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	chunks, err := s.retrieval.BatchChunks(r.Context(), ac, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []models.ChunkResult{}
	}
	writeJSON(w, http.StatusOK, chunks)
}
