package query

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/cache"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
)

type fakeDocService struct {
	response    *models.CompletionResponse
	err         error
	tokens      []string
	sources     []models.ChunkSource
	gotHistory  []models.ChatMessage
	queryCalls  int
	streamCalls int
}

func (f *fakeDocService) Query(ctx context.Context, ac *auth.AuthContext, req Request, history []models.ChatMessage) (*models.CompletionResponse, error) {
	f.queryCalls++
	f.gotHistory = history
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeDocService) QueryStream(ctx context.Context, ac *auth.AuthContext, req Request, history []models.ChatMessage) (<-chan Token, []models.ChunkSource, error) {
	f.streamCalls++
	f.gotHistory = history
	if f.err != nil {
		return nil, nil, f.err
	}
	ch := make(chan Token)
	go func() {
		defer close(ch)
		for _, t := range f.tokens {
			select {
			case ch <- Token{Text: t}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, f.sources, nil
}

type fixture struct {
	pipeline *Pipeline
	store    database.Store
	cache    cache.Cache
	docs     *fakeDocService
	auth     *auth.AuthContext
}

func newFixture(t *testing.T, docs *fakeDocService, limits []ratelimit.Limit) *fixture {
	t.Helper()
	store := database.NewMemoryStore(database.AccessPolicy{})
	memCache := cache.NewMemoryCache()
	history := NewHistory(memCache, store, time.Hour, nil)

	var limiter *ratelimit.Limiter
	if limits != nil {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), limits, true)
	}

	return &fixture{
		pipeline: NewPipeline(docs, history, limiter, store, t.TempDir(), nil),
		store:    store,
		cache:    memCache,
		docs:     docs,
		auth: &auth.AuthContext{
			EntityType:  models.EntityTypeUser,
			EntityID:    "user-1",
			Permissions: []models.Permission{models.PermissionAdmin},
		},
	}
}

func storedHistory(t *testing.T, f *fixture, chatID string) []models.ChatMessage {
	t.Helper()
	uid := "user-1"
	history, err := f.store.GetChatHistory(context.Background(), chatID, &uid, nil)
	require.NoError(t, err)
	return history
}

func TestRunAppendsUserAndAssistantTurns(t *testing.T) {
	docs := &fakeDocService{response: &models.CompletionResponse{
		Completion: "the answer",
		Usage:      models.CompletionUsage{TotalTokens: 42},
	}}
	f := newFixture(t, docs, nil)

	resp, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "a question", ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Completion)

	history := storedHistory(t, f, "chat-1")
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "a question", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "the answer", history[1].Content)

	// The document service saw the user turn already appended.
	require.Len(t, docs.gotHistory, 1)
	assert.Equal(t, models.RoleUser, docs.gotHistory[0].Role)

	logs, err := f.store.RecentUsage(context.Background(), "user-1", nil, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "query", logs[0].OperationType)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, 42, logs[0].TokensUsed)
}

func TestRunExtendsExistingHistoryAsPrefix(t *testing.T) {
	docs := &fakeDocService{response: &models.CompletionResponse{Completion: "second answer"}}
	f := newFixture(t, docs, nil)

	uid := "user-1"
	prior := []models.ChatMessage{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
	}
	require.NoError(t, f.store.UpsertChatHistory(context.Background(), "chat-1", &uid, nil, prior))

	_, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "second question", ChatID: "chat-1"})
	require.NoError(t, err)

	history := storedHistory(t, f, "chat-1")
	require.Len(t, history, 4)
	for i, msg := range prior {
		assert.Equal(t, msg.Content, history[i].Content)
	}
	assert.Equal(t, "second question", history[2].Content)
	assert.Equal(t, "second answer", history[3].Content)
}

func TestRunServesHistoryFromCache(t *testing.T) {
	docs := &fakeDocService{response: &models.CompletionResponse{Completion: "ok"}}
	f := newFixture(t, docs, nil)

	cached := []models.ChatMessage{{Role: models.RoleUser, Content: "cached question"}}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), cache.ChatKey("chat-1"), raw, 0))

	_, err = f.pipeline.Run(context.Background(), f.auth, Request{Query: "next", ChatID: "chat-1"})
	require.NoError(t, err)

	require.Len(t, docs.gotHistory, 2)
	assert.Equal(t, "cached question", docs.gotHistory[0].Content)
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	docs := &fakeDocService{}
	f := newFixture(t, docs, nil)

	_, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "   "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "query", ve.Field)
	assert.Zero(t, docs.queryCalls)
}

func TestRunRejectsOverridesMissingPlaceholders(t *testing.T) {
	docs := &fakeDocService{}
	f := newFixture(t, docs, nil)

	req := Request{
		Query: "q",
		PromptOverrides: &PromptOverrides{
			Query: &QueryPromptOverride{PromptTemplate: "answer {question} with no context"},
		},
	}
	_, err := f.pipeline.Run(context.Background(), f.auth, req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "{context}")
	assert.Zero(t, docs.queryCalls)
}

func TestRunEnforcesQuota(t *testing.T) {
	docs := &fakeDocService{response: &models.CompletionResponse{Completion: "ok"}}
	f := newFixture(t, docs, []ratelimit.Limit{
		{Operation: "query", Window: ratelimit.WindowHour, Max: 1},
	})

	_, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "first"})
	require.NoError(t, err)

	_, err = f.pipeline.Run(context.Background(), f.auth, Request{Query: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrQuotaExceeded))
	assert.Equal(t, 1, docs.queryCalls)
}

func TestRunStreamEmitsTokensThenDone(t *testing.T) {
	score := 0.9
	docs := &fakeDocService{
		tokens:  []string{"hel", "lo"},
		sources: []models.ChunkSource{{DocumentID: "doc-1", ChunkNumber: 2, Score: &score}},
	}
	f := newFixture(t, docs, nil)

	var events []StreamEvent
	err := f.pipeline.RunStream(context.Background(), f.auth, Request{Query: "hi", ChatID: "chat-1"}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, StreamEvent{Type: "assistant", Content: "hel"}, events[0])
	assert.Equal(t, StreamEvent{Type: "assistant", Content: "lo"}, events[1])
	assert.Equal(t, "done", events[2].Type)
	require.Len(t, events[2].Sources, 1)
	assert.Equal(t, "doc-1", events[2].Sources[0].DocumentID)

	history := storedHistory(t, f, "chat-1")
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[1].Content)
}

func TestRunStreamDiscardsPartialTurnOnDisconnect(t *testing.T) {
	docs := &fakeDocService{tokens: []string{"a", "b", "c"}}
	f := newFixture(t, docs, nil)

	disconnect := errors.New("client gone")
	err := f.pipeline.RunStream(context.Background(), f.auth, Request{Query: "hi", ChatID: "chat-1"}, func(ev StreamEvent) error {
		if ev.Content == "b" {
			return disconnect
		}
		return nil
	})
	require.ErrorIs(t, err, disconnect)

	// No assistant message, and no user message either: the turn never
	// completed so nothing was persisted.
	assert.Empty(t, storedHistory(t, f, "chat-1"))
}

func TestRunDumpsAndSkipsPersistOnContextOverflow(t *testing.T) {
	docs := &fakeDocService{err: &llms.ContextWindowExceededError{Model: "gpt-4o", Detail: "too long"}}
	f := newFixture(t, docs, nil)

	dir := t.TempDir()
	f.pipeline.debugDir = dir

	_, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "huge prompt", ChatID: "chat-1", Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, llms.IsContextWindowExceeded(err))

	assert.Empty(t, storedHistory(t, f, "chat-1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	logs, err := f.store.RecentUsage(context.Background(), "user-1", nil, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Status)
}

func TestRunWithoutChatIDSkipsPersistence(t *testing.T) {
	docs := &fakeDocService{response: &models.CompletionResponse{Completion: "stateless"}}
	f := newFixture(t, docs, nil)

	resp, err := f.pipeline.Run(context.Background(), f.auth, Request{Query: "one-shot"})
	require.NoError(t, err)
	assert.Equal(t, "stateless", resp.Completion)

	convs, err := f.store.ListChatConversations(context.Background(), nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}
