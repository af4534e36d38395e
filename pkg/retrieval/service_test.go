package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
	"github.com/morphik-org/morphik-core/pkg/server"
)

type capturingProvider struct {
	reply   string
	tokens  []string
	lastReq llms.Request
}

func (p *capturingProvider) Model() string { return "test-model" }

func (p *capturingProvider) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	p.lastReq = req
	return &llms.Response{
		Message:      models.ChatMessage{Role: models.RoleAssistant, Content: p.reply},
		Usage:        models.CompletionUsage{TotalTokens: 10},
		FinishReason: "stop",
	}, nil
}

func (p *capturingProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	p.lastReq = req
	ch := make(chan llms.StreamChunk)
	go func() {
		defer close(ch)
		for _, t := range p.tokens {
			ch <- llms.StreamChunk{Text: t}
		}
		ch <- llms.StreamChunk{FinishReason: "stop"}
	}()
	return ch, nil
}

func seedDoc(t *testing.T, store database.Store, ac *auth.AuthContext, id, content string) {
	t.Helper()
	doc := &models.Document{
		ExternalID:  id,
		ContentType: "text/plain",
		SystemMetadata: models.SystemMetadata{
			Status:  models.StatusCompleted,
			Content: content,
		},
	}
	require.NoError(t, store.StoreDocument(context.Background(), ac, doc))
}

func testAuth() *auth.AuthContext {
	return &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "user-1",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
}

func TestSearchChunksRanksByOverlap(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	ac := testAuth()
	seedDoc(t, store, ac, "doc-llamas", "Llamas eat grass and hay in the mountains.")
	seedDoc(t, store, ac, "doc-cats", "Cats eat fish.")
	seedDoc(t, store, ac, "doc-empty", "")

	svc := New(store, &capturingProvider{})
	chunks, err := svc.SearchChunks(context.Background(), ac, SearchParams{Query: "what do llamas eat"})
	require.NoError(t, err)

	require.NotEmpty(t, chunks)
	assert.Equal(t, "doc-llamas", chunks[0].DocumentID)
	for _, c := range chunks {
		assert.NotEqual(t, "doc-empty", c.DocumentID)
	}
}

func TestSearchChunksHonorsKAndMinScore(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	ac := testAuth()
	seedDoc(t, store, ac, "doc-1", "alpha beta gamma")
	seedDoc(t, store, ac, "doc-2", "alpha only here")

	svc := New(store, &capturingProvider{})

	chunks, err := svc.SearchChunks(context.Background(), ac, SearchParams{Query: "alpha beta gamma", K: 1})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-1", chunks[0].DocumentID)

	chunks, err = svc.SearchChunks(context.Background(), ac, SearchParams{Query: "alpha beta gamma", MinScore: 0.9})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-1", chunks[0].DocumentID)
}

func TestSearchChunksRespectsAccessPredicate(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	owner := testAuth()
	seedDoc(t, store, owner, "doc-private", "secret alpha content")

	stranger := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "stranger",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
	svc := New(store, &capturingProvider{})
	chunks, err := svc.SearchChunks(context.Background(), stranger, SearchParams{Query: "secret alpha"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestQueryRendersContextAndQuestion(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	ac := testAuth()
	seedDoc(t, store, ac, "doc-llamas", "Llamas eat grass.")

	provider := &capturingProvider{reply: "They eat grass."}
	svc := New(store, provider)

	history := []models.ChatMessage{{Role: models.RoleUser, Content: "what do llamas eat"}}
	resp, err := svc.Query(context.Background(), ac, query.Request{Query: "what do llamas eat"}, history)
	require.NoError(t, err)

	assert.Equal(t, "They eat grass.", resp.Completion)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "doc-llamas", resp.Sources[0].DocumentID)

	msgs := provider.lastReq.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "Llamas eat grass.")
	assert.Contains(t, msgs[1].Content, "what do llamas eat")
}

func TestQueryAppliesPromptOverride(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	ac := testAuth()
	seedDoc(t, store, ac, "doc-1", "relevant content here")

	provider := &capturingProvider{reply: "ok"}
	svc := New(store, provider)

	req := query.Request{
		Query: "relevant content",
		PromptOverrides: &query.PromptOverrides{
			Query: &query.QueryPromptOverride{
				PromptTemplate: "CTX={context} Q={question}",
			},
		},
	}
	_, err := svc.Query(context.Background(), ac, req, nil)
	require.NoError(t, err)

	last := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	assert.Contains(t, last.Content, "CTX=relevant content here")
	assert.Contains(t, last.Content, "Q=relevant content")
}

func TestQueryStreamReturnsSourcesUpFront(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	ac := testAuth()
	seedDoc(t, store, ac, "doc-1", "streaming content")

	provider := &capturingProvider{tokens: []string{"a", "b"}}
	svc := New(store, provider)

	stream, sources, err := svc.QueryStream(context.Background(), ac, query.Request{Query: "streaming content"}, nil)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "doc-1", sources[0].DocumentID)

	var got string
	for tok := range stream {
		require.NoError(t, tok.Err)
		got += tok.Text
	}
	assert.Equal(t, "ab", got)
}

func TestBatchChunksSkipsInvisibleDocuments(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	owner := testAuth()
	seedDoc(t, store, owner, "doc-1", "visible content")

	svc := New(store, &capturingProvider{})
	http := svc.HTTPRetrieval()

	stranger := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "stranger",
		Permissions: []models.Permission{models.PermissionAdmin},
	}

	chunks, err := http.BatchChunks(context.Background(), owner, batchReq("doc-1"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	chunks, err = http.BatchChunks(context.Background(), stranger, batchReq("doc-1"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func batchReq(docIDs ...string) server.BatchChunksRequest {
	var req server.BatchChunksRequest
	for _, id := range docIDs {
		req.Sources = append(req.Sources, models.ChunkSource{DocumentID: id})
	}
	return req
}

func TestAnalyzeDocumentChecksAccessFirst(t *testing.T) {
	store := database.NewMemoryStore(database.AccessPolicy{})
	owner := testAuth()
	seedDoc(t, store, owner, "doc-1", "analyzable content")

	svc := New(store, &capturingProvider{reply: "entities: none"})

	out, err := svc.AnalyzeDocument(context.Background(), owner, "doc-1", "entities")
	require.NoError(t, err)
	assert.Equal(t, "entities: none", out)

	stranger := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "stranger",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
	_, err = svc.AnalyzeDocument(context.Background(), stranger, "doc-1", "entities")
	assert.True(t, errors.Is(err, database.ErrNotFound))
}
