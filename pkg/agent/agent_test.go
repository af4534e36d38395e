package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

type scriptedProvider struct {
	responses []*llms.Response
	errs      []error
	calls     []llms.Request
}

func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Complete(ctx context.Context, req llms.Request) (*llms.Response, error) {
	turn := len(p.calls)
	p.calls = append(p.calls, req)
	if turn < len(p.errs) && p.errs[turn] != nil {
		return nil, p.errs[turn]
	}
	if turn >= len(p.responses) {
		return p.responses[len(p.responses)-1], nil
	}
	return p.responses[turn], nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func assistantText(content string) *llms.Response {
	return &llms.Response{
		Message:      models.ChatMessage{Role: models.RoleAssistant, Content: content},
		FinishReason: "stop",
	}
}

func assistantToolCalls(calls ...models.ToolCall) *llms.Response {
	return &llms.Response{
		Message:      models.ChatMessage{Role: models.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

type stubRetriever struct {
	chunks []models.ChunkResult
}

func (s stubRetriever) RetrieveChunks(ctx context.Context, ac *auth.AuthContext, params tools.RetrieveChunksParams) ([]models.ChunkResult, error) {
	return s.chunks, nil
}

func (s stubRetriever) AnalyzeDocument(ctx context.Context, ac *auth.AuthContext, documentID, analysisType string) (string, error) {
	return "", errors.New("not implemented")
}

func testRegistry(t *testing.T, retriever tools.Retriever) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Options{}, tools.Deps{
		Store:     database.NewMemoryStore(database.AccessPolicy{}),
		Retriever: retriever,
	})
	require.NoError(t, err)
	return reg
}

func testAuth() *auth.AuthContext {
	return &auth.AuthContext{
		EntityType:  models.EntityTypeUser,
		EntityID:    "user-1",
		Permissions: []models.Permission{models.PermissionAdmin},
	}
}

func TestRunWithOneToolCall(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		assistantToolCalls(models.ToolCall{ID: "call_1", Name: "retrieve_chunks", Arguments: `{"query":"X","k":4}`}),
		assistantText(`[{"type":"text","content":"X is Y","source":"docA-chunk1"}]`),
	}}
	retriever := stubRetriever{chunks: []models.ChunkResult{
		{DocumentID: "docA", ChunkNumber: 1, Content: "X is Y because of Z.", ContentType: "text/plain"},
	}}

	o := New(provider, testRegistry(t, retriever), Config{})
	resp, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "what is X"})
	require.NoError(t, err)

	assert.Equal(t, "X is Y", resp.Response)
	require.Len(t, resp.ToolHistory, 1)
	assert.Equal(t, "retrieve_chunks", resp.ToolHistory[0].ToolName)
	assert.Equal(t, "X", resp.ToolHistory[0].ToolArgs["query"])

	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "docA-chunk1", resp.Sources[0].SourceID)
	assert.Equal(t, "docA", resp.Sources[0].DocumentID)

	// Second model call must see the assistant tool-call message and its
	// paired tool reply.
	require.Len(t, provider.calls, 2)
	msgs := provider.calls[1].Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	assert.Equal(t, models.RoleAssistant, msgs[len(msgs)-2].Role)
	require.Len(t, msgs[len(msgs)-2].ToolCalls, 1)
	assert.Equal(t, models.RoleTool, msgs[len(msgs)-1].Role)
	assert.Equal(t, "call_1", msgs[len(msgs)-1].ToolCallID)
}

func TestRunSeedsSystemAndHistory(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		assistantText("plain answer"),
	}}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{})

	history := []models.ChatMessage{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
		{Role: models.RoleUser, Content: "what is X"},
	}
	_, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "what is X", History: history})
	require.NoError(t, err)

	msgs := provider.calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "what is X")
	assert.Contains(t, msgs[0].Content, "retrieve_chunks")
	assert.Equal(t, "earlier question", msgs[1].Content)
	assert.Equal(t, "earlier answer", msgs[2].Content)
	assert.Equal(t, models.RoleUser, msgs[3].Role)
	assert.Equal(t, "what is X", msgs[3].Content)
}

func TestRunHitsIterationCapWithSyntheticMessage(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		assistantToolCalls(models.ToolCall{ID: "call_1", Name: "list_documents", Arguments: `{}`}),
	}}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{MaxIterations: 3})

	resp, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "loop forever"})
	require.NoError(t, err)

	assert.Len(t, provider.calls, 3)
	assert.Len(t, resp.ToolHistory, 3)
	assert.Contains(t, resp.Response, "unable to finish")
}

func TestRunAbortsOnUnknownTool(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		assistantToolCalls(models.ToolCall{ID: "call_1", Name: "drop_tables", Arguments: `{}`}),
	}}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{})

	_, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "hi"})
	require.Error(t, err)

	var unknown *tools.UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "drop_tables", unknown.Name)
}

func TestRunReportsToolFailureToModel(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		// Missing required document_id.
		assistantToolCalls(models.ToolCall{ID: "call_1", Name: "retrieve_document", Arguments: `{}`}),
		assistantText("recovered"),
	}}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{})

	resp, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Response)

	msgs := provider.calls[1].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Error:"), last.Content)
}

func TestRunDumpsMessagesOnContextOverflow(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptedProvider{
		errs: []error{&llms.ContextWindowExceededError{Model: "test-model", Detail: "too long"}},
	}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{DebugDir: dir})

	_, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "huge"})
	require.Error(t, err)
	assert.True(t, llms.IsContextWindowExceeded(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "huge")
	assert.Contains(t, string(raw), "test-model")
}

func TestRunFallsBackToRawResponse(t *testing.T) {
	provider := &scriptedProvider{responses: []*llms.Response{
		assistantText("no JSON here, just words"),
	}}
	o := New(provider, testRegistry(t, stubRetriever{}), Config{})

	resp, err := o.Run(context.Background(), testAuth(), RunRequest{Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "no JSON here, just words", resp.Response)
	require.Len(t, resp.DisplayObjects, 1)
	assert.Equal(t, fallbackSource, resp.DisplayObjects[0].Source)
	assert.Empty(t, resp.Sources)
}
