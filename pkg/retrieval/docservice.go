package retrieval

import (
	"context"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
)

const defaultPromptTemplate = `Answer the question using the provided context.

Context:
{context}

Question: {question}`

const systemPrompt = "You are a helpful assistant. Ground your answers in the provided context and say so when the context does not contain the answer."

// Query implements the non-streaming branch of query.DocumentService:
// retrieve, render the prompt, complete.
func (s *Service) Query(ctx context.Context, ac *auth.AuthContext, req query.Request, history []models.ChatMessage) (*models.CompletionResponse, error) {
	chunks, err := s.SearchChunks(ctx, ac, searchParamsFor(req))
	if err != nil {
		return nil, err
	}

	resp, err := s.provider.Complete(ctx, llms.Request{
		Messages:    generationMessages(req, history, chunks),
		Temperature: req.Temperature,
		MaxTokens:   derefInt(req.MaxTokens),
	})
	if err != nil {
		return nil, err
	}

	return &models.CompletionResponse{
		Completion:   resp.Message.Content,
		Usage:        resp.Usage,
		Sources:      sourcesFor(chunks),
		FinishReason: resp.FinishReason,
	}, nil
}

// QueryStream implements the streaming branch. Sources are known before the
// first token because retrieval completes first.
func (s *Service) QueryStream(ctx context.Context, ac *auth.AuthContext, req query.Request, history []models.ChatMessage) (<-chan query.Token, []models.ChunkSource, error) {
	chunks, err := s.SearchChunks(ctx, ac, searchParamsFor(req))
	if err != nil {
		return nil, nil, err
	}

	stream, err := s.provider.Stream(ctx, llms.Request{
		Messages:    generationMessages(req, history, chunks),
		Temperature: req.Temperature,
		MaxTokens:   derefInt(req.MaxTokens),
	})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan query.Token)
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.Err != nil {
				out <- query.Token{Err: chunk.Err}
				return
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case out <- query.Token{Text: chunk.Text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sourcesFor(chunks), nil
}

func searchParamsFor(req query.Request) SearchParams {
	return SearchParams{
		Query:      req.Query,
		K:          req.K,
		MinScore:   req.MinScore,
		Filters:    req.Filters,
		FolderName: req.FolderName,
		EndUserID:  req.EndUserID,
	}
}

// generationMessages renders the final turn: prior history verbatim, the
// current user turn replaced by the grounded prompt.
func generationMessages(req query.Request, history []models.ChatMessage, chunks []models.ChunkResult) []models.ChatMessage {
	template := defaultPromptTemplate
	if req.PromptOverrides != nil && req.PromptOverrides.Query != nil {
		template = req.PromptOverrides.Query.PromptTemplate
	}

	var contextParts []string
	for _, chunk := range chunks {
		contextParts = append(contextParts, chunk.Content)
	}
	contextText := strings.Join(contextParts, "\n\n---\n\n")
	if contextText == "" {
		contextText = "(no relevant documents found)"
	}

	prompt := strings.ReplaceAll(template, "{context}", contextText)
	prompt = strings.ReplaceAll(prompt, "{question}", req.Query)

	messages := []models.ChatMessage{{Role: models.RoleSystem, Content: systemPrompt}}
	// The working history ends with the current user turn; everything
	// before it is replayed as-is.
	if n := len(history); n > 0 {
		messages = append(messages, history[:n-1]...)
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: prompt})
	return messages
}

func sourcesFor(chunks []models.ChunkResult) []models.ChunkSource {
	sources := make([]models.ChunkSource, 0, len(chunks))
	for _, chunk := range chunks {
		score := chunk.Score
		sources = append(sources, models.ChunkSource{
			DocumentID:  chunk.DocumentID,
			ChunkNumber: chunk.ChunkNumber,
			Score:       &score,
		})
	}
	return sources
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
