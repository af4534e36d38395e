// Package retrieval is the built-in document service: term-overlap search
// over the metadata store plus provider-backed generation. Deployments with
// a vector index swap it for their own implementation of the collaborator
// interfaces; the core never depends on this package.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
)

const defaultK = 5

// Service searches completed documents by term overlap and generates
// completions with the configured provider.
type Service struct {
	store    database.Store
	provider llms.Provider
}

func New(store database.Store, provider llms.Provider) *Service {
	return &Service{store: store, provider: provider}
}

// SearchParams narrows a chunk search.
type SearchParams struct {
	Query      string
	K          int
	MinScore   float64
	Filters    map[string]interface{}
	FolderName string
	EndUserID  string
}

// SearchChunks returns the best-scoring chunks visible to the caller,
// sorted by descending score.
func (s *Service) SearchChunks(ctx context.Context, ac *auth.AuthContext, params SearchParams) ([]models.ChunkResult, error) {
	if params.K <= 0 {
		params.K = defaultK
	}

	docs, err := s.visibleDocuments(ctx, ac, params.Filters, params.FolderName, params.EndUserID)
	if err != nil {
		return nil, err
	}

	terms := tokenize(params.Query)
	var results []models.ChunkResult
	for _, doc := range docs {
		content := doc.SystemMetadata.Content
		if content == "" {
			continue
		}
		score := overlapScore(terms, content)
		if score <= 0 || score < params.MinScore {
			continue
		}
		results = append(results, models.ChunkResult{
			Content:     content,
			Score:       score,
			DocumentID:  doc.ExternalID,
			ChunkNumber: 0,
			Metadata:    doc.Metadata,
			ContentType: doc.ContentType,
			Filename:    doc.Filename,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > params.K {
		results = results[:params.K]
	}
	return results, nil
}

// AnalyzeDocument asks the provider for an analysis of one document's
// content. Access is checked by the document fetch.
func (s *Service) AnalyzeDocument(ctx context.Context, ac *auth.AuthContext, documentID, analysisType string) (string, error) {
	doc, err := s.store.GetDocument(ctx, ac, documentID)
	if err != nil {
		return "", err
	}
	content := doc.SystemMetadata.Content
	if content == "" {
		return "", fmt.Errorf("document %s has no indexed content", documentID)
	}

	prompt := fmt.Sprintf("Perform a %s analysis of the following document. Be concise.\n\n%s", analysisType, content)
	resp, err := s.provider.Complete(ctx, llms.Request{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (s *Service) visibleDocuments(ctx context.Context, ac *auth.AuthContext, filters map[string]interface{}, folderName, endUserID string) ([]*models.Document, error) {
	systemFilters := map[string]interface{}{"status": string(models.StatusCompleted)}
	if folderName != "" {
		systemFilters["folder_name"] = folderName
	}
	if endUserID != "" {
		systemFilters["end_user_id"] = endUserID
	}

	return s.store.ListDocuments(ctx, ac, database.ListOptions{
		Filters:       filters,
		SystemFilters: systemFilters,
	})
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// overlapScore is the fraction of query terms present in the content.
func overlapScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
