// Package query implements the single-turn RAG pipeline: chat history
// loading and persistence, quota enforcement, delegation to the document
// service for retrieval plus generation, and the streaming branch consumed
// by the SSE writer in pkg/server.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// Request is the body of POST /query.
type Request struct {
	Query           string                 `json:"query"`
	Filters         map[string]interface{} `json:"filters,omitempty"`
	K               int                    `json:"k,omitempty"`
	MinScore        float64                `json:"min_score,omitempty"`
	MaxTokens       *int                   `json:"max_tokens,omitempty"`
	Temperature     *float64               `json:"temperature,omitempty"`
	GraphName       string                 `json:"graph_name,omitempty"`
	HopDepth        int                    `json:"hop_depth,omitempty"`
	IncludePaths    bool                   `json:"include_paths,omitempty"`
	PromptOverrides *PromptOverrides       `json:"prompt_overrides,omitempty"`
	FolderName      string                 `json:"folder_name,omitempty"`
	EndUserID       string                 `json:"end_user_id,omitempty"`
	ChatID          string                 `json:"chat_id,omitempty"`
	StreamResponse  bool                   `json:"stream_response,omitempty"`
	Model           string                 `json:"model,omitempty"`
}

// PromptOverrides lets callers replace the generation prompt. The template
// must keep both placeholders so retrieval context and the question survive
// the substitution.
type PromptOverrides struct {
	Query *QueryPromptOverride `json:"query,omitempty"`
}

type QueryPromptOverride struct {
	PromptTemplate string `json:"prompt_template"`
}

// Validate rejects malformed overrides before any quota is spent.
func (p *PromptOverrides) Validate() error {
	if p == nil || p.Query == nil {
		return nil
	}
	tmpl := p.Query.PromptTemplate
	if strings.TrimSpace(tmpl) == "" {
		return &ValidationError{Field: "prompt_overrides.query.prompt_template", Message: "must not be empty"}
	}
	for _, placeholder := range []string{"{question}", "{context}"} {
		if !strings.Contains(tmpl, placeholder) {
			return &ValidationError{
				Field:   "prompt_overrides.query.prompt_template",
				Message: fmt.Sprintf("missing required placeholder %s", placeholder),
			}
		}
	}
	return nil
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Token is one streamed text fragment from the document service. A
// non-nil Err terminates the stream; the channel closes afterwards.
type Token struct {
	Text string
	Err  error
}

// DocumentService performs retrieval and generation. It is the ingestion
// and vector-search collaborator behind the pipeline; the core only
// orchestrates history, quotas and persistence around it.
type DocumentService interface {
	// Query runs the full retrieve-then-generate turn synchronously.
	Query(ctx context.Context, ac *auth.AuthContext, req Request, history []models.ChatMessage) (*models.CompletionResponse, error)

	// QueryStream starts generation and returns the token stream together
	// with the sources resolved during retrieval. Sources are known before
	// the first token because retrieval completes first.
	QueryStream(ctx context.Context, ac *auth.AuthContext, req Request, history []models.ChatMessage) (<-chan Token, []models.ChunkSource, error)
}

// StreamEvent is one SSE payload of the streaming branch.
type StreamEvent struct {
	Type    string               `json:"type"` // "assistant", "done" or "error"
	Content string               `json:"content,omitempty"`
	Sources []models.ChunkSource `json:"sources,omitempty"`
}
