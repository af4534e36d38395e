package retrieval

import (
	"context"
	"errors"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/server"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

// ToolRetriever adapts the service to the agent tool contract.
func (s *Service) ToolRetriever() tools.Retriever {
	return toolRetriever{svc: s}
}

type toolRetriever struct {
	svc *Service
}

func (t toolRetriever) RetrieveChunks(ctx context.Context, ac *auth.AuthContext, params tools.RetrieveChunksParams) ([]models.ChunkResult, error) {
	return t.svc.SearchChunks(ctx, ac, SearchParams{
		Query:      params.Query,
		K:          params.K,
		MinScore:   params.MinScore,
		Filters:    params.Filters,
		FolderName: derefStr(params.FolderName),
		EndUserID:  derefStr(params.EndUserID),
	})
}

func (t toolRetriever) AnalyzeDocument(ctx context.Context, ac *auth.AuthContext, documentID, analysisType string) (string, error) {
	return t.svc.AnalyzeDocument(ctx, ac, documentID, analysisType)
}

// HTTPRetrieval adapts the service to the REST retrieval contract.
func (s *Service) HTTPRetrieval() server.RetrievalService {
	return httpRetrieval{svc: s}
}

type httpRetrieval struct {
	svc *Service
}

func (h httpRetrieval) RetrieveChunks(ctx context.Context, ac *auth.AuthContext, req server.RetrieveRequest) ([]models.ChunkResult, error) {
	return h.svc.SearchChunks(ctx, ac, SearchParams{
		Query:      req.Query,
		K:          req.K,
		MinScore:   req.MinScore,
		Filters:    req.Filters,
		FolderName: req.FolderName,
		EndUserID:  req.EndUserID,
	})
}

// RetrieveChunksGrouped wraps each match in its own group. The built-in
// service stores one chunk per document, so padding is always empty.
func (h httpRetrieval) RetrieveChunksGrouped(ctx context.Context, ac *auth.AuthContext, req server.RetrieveRequest) (*models.GroupedChunkResponse, error) {
	chunks, err := h.RetrieveChunks(ctx, ac, req)
	if err != nil {
		return nil, err
	}

	groups := make([]models.ChunkGroup, 0, len(chunks))
	for _, chunk := range chunks {
		groups = append(groups, models.ChunkGroup{MainChunk: chunk, Total: 1})
	}
	return &models.GroupedChunkResponse{Chunks: chunks, Groups: groups}, nil
}

func (h httpRetrieval) RetrieveDocs(ctx context.Context, ac *auth.AuthContext, req server.RetrieveRequest) ([]models.DocumentResult, error) {
	chunks, err := h.RetrieveChunks(ctx, ac, req)
	if err != nil {
		return nil, err
	}

	results := make([]models.DocumentResult, 0, len(chunks))
	for _, chunk := range chunks {
		results = append(results, models.DocumentResult{
			ScoreExp:   chunk.Score,
			DocumentID: chunk.DocumentID,
			Metadata:   chunk.Metadata,
			Content: models.DocumentContent{
				Type:     "string",
				Value:    chunk.Content,
				Filename: chunk.Filename,
			},
		})
	}
	return results, nil
}

// BatchChunks fetches specific chunks by (document_id, chunk_number).
// Documents the caller cannot see are skipped, not reported.
func (h httpRetrieval) BatchChunks(ctx context.Context, ac *auth.AuthContext, req server.BatchChunksRequest) ([]models.ChunkResult, error) {
	var out []models.ChunkResult
	for _, source := range req.Sources {
		doc, err := h.svc.store.GetDocument(ctx, ac, source.DocumentID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if source.ChunkNumber != 0 || doc.SystemMetadata.Content == "" {
			continue
		}
		out = append(out, models.ChunkResult{
			Content:     doc.SystemMetadata.Content,
			DocumentID:  doc.ExternalID,
			ChunkNumber: 0,
			Metadata:    doc.Metadata,
			ContentType: doc.ContentType,
			Filename:    doc.Filename,
		})
	}
	return out, nil
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
