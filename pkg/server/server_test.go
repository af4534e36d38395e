package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/agent"
	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/cache"
	"github.com/morphik-org/morphik-core/pkg/config"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/query"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

type fakeRetrieval struct {
	chunks []models.ChunkResult
	err    error
}

func (f *fakeRetrieval) RetrieveChunks(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) ([]models.ChunkResult, error) {
	return f.chunks, f.err
}

func (f *fakeRetrieval) RetrieveChunksGrouped(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) (*models.GroupedChunkResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.GroupedChunkResponse{Chunks: f.chunks}, nil
}

func (f *fakeRetrieval) RetrieveDocs(ctx context.Context, ac *auth.AuthContext, req RetrieveRequest) ([]models.DocumentResult, error) {
	return nil, f.err
}

func (f *fakeRetrieval) BatchChunks(ctx context.Context, ac *auth.AuthContext, req BatchChunksRequest) ([]models.ChunkResult, error) {
	return f.chunks, f.err
}

type fakeDocs struct {
	completion string
	tokens     []string
	sources    []models.ChunkSource
	err        error
}

func (f *fakeDocs) Query(ctx context.Context, ac *auth.AuthContext, req query.Request, history []models.ChatMessage) (*models.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.CompletionResponse{Completion: f.completion, Sources: f.sources}, nil
}

func (f *fakeDocs) QueryStream(ctx context.Context, ac *auth.AuthContext, req query.Request, history []models.ChatMessage) (<-chan query.Token, []models.ChunkSource, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	ch := make(chan query.Token)
	go func() {
		defer close(ch)
		for _, t := range f.tokens {
			ch <- query.Token{Text: t}
		}
	}()
	return ch, f.sources, nil
}

type fixedProvider struct {
	reply string
}

func (p *fixedProvider) Model() string { return "test-model" }

func (p *fixedProvider) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	return &llms.Response{
		Message:      models.ChatMessage{Role: models.RoleAssistant, Content: p.reply},
		FinishReason: "stop",
	}, nil
}

func (p *fixedProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

type testEnv struct {
	ts       *httptest.Server
	store    database.Store
	tokens   *auth.TokenService
	docs     *fakeDocs
	retrieve *fakeRetrieval
}

type envOptions struct {
	limits   []ratelimit.Limit
	provider llms.Provider
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"

	store := database.NewMemoryStore(database.AccessPolicy{})
	tokenService, err := auth.NewTokenService(cfg.Auth.JWTSecret, time.Hour)
	require.NoError(t, err)

	history := query.NewHistory(cache.NewMemoryCache(), store, time.Hour, nil)

	var limiter *ratelimit.Limiter
	if opts.limits != nil {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), opts.limits, true)
	}

	docs := &fakeDocs{completion: "a completion"}
	pipeline := query.NewPipeline(docs, history, limiter, store, t.TempDir(), nil)

	provider := opts.provider
	if provider == nil {
		provider = &fixedProvider{reply: "agent answer"}
	}
	registry, err := tools.NewRegistry(tools.Options{}, tools.Deps{Store: store})
	require.NoError(t, err)
	orchestrator := agent.New(provider, registry, agent.Config{DebugDir: t.TempDir()})

	retrieve := &fakeRetrieval{}
	srv := New(cfg, Deps{
		Store:        store,
		Tokens:       tokenService,
		Pipeline:     pipeline,
		Orchestrator: orchestrator,
		History:      history,
		Retrieval:    retrieve,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: store, tokens: tokenService, docs: docs, retrieve: retrieve}
}

func (e *testEnv) userToken(t *testing.T, entityID string) string {
	t.Helper()
	token, err := e.tokens.Sign(&auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    entityID,
		Permissions: []models.Permission{models.PermissionAdmin},
	})
	require.NoError(t, err)
	return token
}

func (e *testEnv) developerToken(t *testing.T, entityID, appID string) string {
	t.Helper()
	token, err := e.tokens.Sign(&auth.AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    entityID,
		AppID:       appID,
		Permissions: []models.Permission{models.PermissionAdmin},
	})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func TestPingIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, body := env.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")
}

func TestMissingTokenReturns401(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, _ := env.do(t, http.MethodGet, "/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRetrieveChunksReturnsResults(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.retrieve.chunks = []models.ChunkResult{
		{DocumentID: "doc-1", ChunkNumber: 0, Content: "hello", Score: 0.8},
	}

	resp, body := env.do(t, http.MethodPost, "/retrieve/chunks", env.userToken(t, "u1"),
		RetrieveRequest{Query: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chunks []models.ChunkResult
	require.NoError(t, json.Unmarshal(body, &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-1", chunks[0].DocumentID)
}

func TestRetrievePermissionErrorReturns403(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.retrieve.err = database.ErrForbidden

	resp, _ := env.do(t, http.MethodPost, "/retrieve/chunks", env.userToken(t, "u1"),
		RetrieveRequest{Query: "hello"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQueryNonStreamingPersistsChat(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token := env.userToken(t, "u1")

	resp, body := env.do(t, http.MethodPost, "/query", token,
		query.Request{Query: "what is X", ChatID: "chat-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completion models.CompletionResponse
	require.NoError(t, json.Unmarshal(body, &completion))
	assert.Equal(t, "a completion", completion.Completion)

	resp, body = env.do(t, http.MethodGet, "/chat/chat-1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []models.ChatMessage
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
}

func TestQueryEmptyQueryReturns400(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, body := env.do(t, http.MethodPost, "/query", env.userToken(t, "u1"),
		query.Request{Query: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "query")
}

func TestQueryQuotaExceededReturns429(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: []ratelimit.Limit{
		{Operation: "query", Window: ratelimit.WindowHour, Max: 1},
	}})
	token := env.userToken(t, "u1")

	resp, _ := env.do(t, http.MethodPost, "/query", token, query.Request{Query: "first"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/query", token, query.Request{Query: "second"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestQueryStreamingEmitsSSE(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	score := 0.7
	env.docs.tokens = []string{"hel", "lo"}
	env.docs.sources = []models.ChunkSource{{DocumentID: "doc-1", ChunkNumber: 3, Score: &score}}

	resp, body := env.do(t, http.MethodPost, "/query", env.userToken(t, "u1"),
		query.Request{Query: "hi", ChatID: "chat-1", StreamResponse: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []query.StreamEvent
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev query.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "assistant", events[0].Type)
	assert.Equal(t, "hel", events[0].Content)
	assert.Equal(t, "done", events[2].Type)
	require.Len(t, events[2].Sources, 1)
	assert.Equal(t, "doc-1", events[2].Sources[0].DocumentID)
}

func TestAgentEndpointPersistsChatWithAgentData(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token := env.userToken(t, "u1")

	resp, body := env.do(t, http.MethodPost, "/agent", token,
		AgentRequest{Query: "do research", ChatID: "chat-agent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agentResp models.AgentResponse
	require.NoError(t, json.Unmarshal(body, &agentResp))
	assert.Equal(t, "agent answer", agentResp.Response)

	resp, body = env.do(t, http.MethodGet, "/chat/chat-agent", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []models.ChatMessage
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Contains(t, history[1].AgentData, "display_objects")
}

func TestAgentRejectsUnknownDisplayMode(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, _ := env.do(t, http.MethodPost, "/agent", env.userToken(t, "u1"),
		AgentRequest{Query: "q", DisplayMode: "fancy"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAbsentChatReturnsEmptyList(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, body := env.do(t, http.MethodGet, "/chat/nope", env.userToken(t, "u1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestChatTitleUpdateAndListing(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token := env.userToken(t, "u1")

	_, _ = env.do(t, http.MethodPost, "/query", token,
		query.Request{Query: "seed", ChatID: "chat-1"})

	resp, _ := env.do(t, http.MethodPatch, "/chats/chat-1/title", token,
		map[string]string{"title": "My research"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/chats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []models.ConversationSummary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "My research", summaries[0].Title)
}

func TestFolderLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	token := env.userToken(t, "u1")

	resp, body := env.do(t, http.MethodPost, "/folders", token,
		CreateFolderRequest{Name: "reports"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var folder models.Folder
	require.NoError(t, json.Unmarshal(body, &folder))
	require.NotEmpty(t, folder.ID)

	// Duplicate name for the same owner conflicts.
	resp, _ = env.do(t, http.MethodPost, "/folders", token,
		CreateFolderRequest{Name: "reports"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/folders/"+folder.ID, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/folders/"+folder.ID, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/folders/"+folder.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentNotFoundReturns404(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp, _ := env.do(t, http.MethodGet, "/documents/missing", env.userToken(t, "u1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentsHiddenAcrossUsers(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	owner := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "owner",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
	doc := &models.Document{ExternalID: "doc-1", ContentType: "text/plain"}
	require.NoError(t, env.store.StoreDocument(context.Background(), owner, doc))

	resp, _ := env.do(t, http.MethodGet, "/documents/doc-1", env.userToken(t, "owner"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/documents/doc-1", env.userToken(t, "stranger"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLocalGenerateURI(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	form := url.Values{"name": {"dev-local"}}
	resp, err := env.ts.Client().Post(env.ts.URL+"/local/generate_uri",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out["uri"], "morphik://dev-local:"), out["uri"])
}

func TestCloudGenerateURIRequiresDeveloper(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, _ := env.do(t, http.MethodPost, "/cloud/generate_uri", env.userToken(t, "u1"),
		CloudURIRequest{AppID: "app-1", Name: "conn"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/cloud/generate_uri",
		env.developerToken(t, "dev-1", "app-1"),
		CloudURIRequest{AppID: "app-1", Name: "conn"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "app-1", out["app_id"])
	assert.Contains(t, out["uri"], "morphik://conn:")
}

func TestDeleteAppCascades(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	devToken := env.developerToken(t, "dev-1", "app-1")

	dev := &auth.AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    "dev-1",
		AppID:       "app-1",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
	doc := &models.Document{ExternalID: "doc-app", ContentType: "text/plain"}
	require.NoError(t, env.store.StoreDocument(context.Background(), dev, doc))

	resp, body := env.do(t, http.MethodDelete, "/cloud/apps?app_name=app-1", devToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary database.AppDeleteSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, "app-1", summary.AppID)
	assert.Equal(t, 1, summary.DocumentsDeleted)
}

func TestBatchDocumentsFiltersByAccess(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	owner := &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "owner",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
	for i := 0; i < 2; i++ {
		doc := &models.Document{ExternalID: fmt.Sprintf("doc-%d", i), ContentType: "text/plain"}
		require.NoError(t, env.store.StoreDocument(context.Background(), owner, doc))
	}

	resp, body := env.do(t, http.MethodPost, "/batch/documents", env.userToken(t, "owner"),
		BatchDocumentsRequest{DocumentIDs: []string{"doc-0", "doc-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var docs []*models.Document
	require.NoError(t, json.Unmarshal(body, &docs))
	assert.Len(t, docs, 2)

	resp, body = env.do(t, http.MethodPost, "/batch/documents", env.userToken(t, "stranger"),
		BatchDocumentsRequest{DocumentIDs: []string{"doc-0", "doc-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &docs))
	assert.Empty(t, docs)
}
