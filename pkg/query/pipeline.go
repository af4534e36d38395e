package query

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
)

const operationQuery = "query"

// Pipeline runs one conversational turn: validate, load history, enforce
// quotas, delegate to the document service, then persist and account.
type Pipeline struct {
	docs     DocumentService
	history  *History
	limiter  *ratelimit.Limiter
	store    database.Store
	debugDir string
	logger   *slog.Logger
}

func NewPipeline(docs DocumentService, history *History, limiter *ratelimit.Limiter, store database.Store, debugDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		docs:     docs,
		history:  history,
		limiter:  limiter,
		store:    store,
		debugDir: debugDir,
		logger:   logger,
	}
}

// Run executes the non-streaming branch.
func (p *Pipeline) Run(ctx context.Context, ac *auth.AuthContext, req Request) (*models.CompletionResponse, error) {
	started := time.Now()

	history, err := p.prepare(ctx, ac, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.docs.Query(ctx, ac, req, history)
	if err != nil {
		p.handleTurnFailure(ctx, ac, req, history, started, err)
		return nil, err
	}

	assistant := models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Completion,
		Timestamp: time.Now().UTC(),
	}
	if err := p.history.Save(ctx, ac, req.ChatID, append(history, assistant)); err != nil {
		return nil, err
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = EstimateTokens(req.Query) + EstimateTokens(resp.Completion)
	}
	p.recordUsage(ctx, ac, started, "success", tokens, "")
	return resp, nil
}

// RunStream executes the streaming branch. Each token is handed to emit as
// an assistant event; a final done event carries the sources. If emit fails
// (client gone) upstream generation is aborted and nothing is persisted.
func (p *Pipeline) RunStream(ctx context.Context, ac *auth.AuthContext, req Request, emit func(StreamEvent) error) error {
	started := time.Now()

	history, err := p.prepare(ctx, ac, req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, sources, err := p.docs.QueryStream(ctx, ac, req, history)
	if err != nil {
		p.handleTurnFailure(ctx, ac, req, history, started, err)
		return err
	}

	var completion strings.Builder
	for tok := range stream {
		if tok.Err != nil {
			p.handleTurnFailure(ctx, ac, req, history, started, tok.Err)
			_ = emit(StreamEvent{Type: "error", Content: tok.Err.Error()})
			return tok.Err
		}
		completion.WriteString(tok.Text)
		if err := emit(StreamEvent{Type: "assistant", Content: tok.Text}); err != nil {
			// Client disconnected. Abort generation, discard partial output.
			cancel()
			for range stream {
			}
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := emit(StreamEvent{Type: "done", Sources: sources}); err != nil {
		return err
	}

	assistant := models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   completion.String(),
		Timestamp: time.Now().UTC(),
	}
	if err := p.history.Save(ctx, ac, req.ChatID, append(history, assistant)); err != nil {
		return err
	}

	tokens := EstimateTokens(req.Query) + EstimateTokens(completion.String())
	p.recordUsage(ctx, ac, started, "success", tokens, "")
	return nil
}

// prepare validates the request, loads history and appends the user turn,
// and spends quota. The returned slice is the working history including the
// current user message; it is not yet persisted.
func (p *Pipeline) prepare(ctx context.Context, ac *auth.AuthContext, req Request) ([]models.ChatMessage, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if err := req.PromptOverrides.Validate(); err != nil {
		return nil, err
	}

	history, err := p.history.Load(ctx, ac, req.ChatID)
	if err != nil {
		return nil, err
	}
	history = append(history, models.ChatMessage{
		Role:      models.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
	})

	if p.limiter != nil {
		userID, _ := Scope(ac)
		if err := p.limiter.Allow(ctx, *userID, operationQuery); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// handleTurnFailure accounts the failed turn. Context-window overflows also
// dump the offending messages for offline inspection; the conversation is
// never updated by a failed turn.
func (p *Pipeline) handleTurnFailure(ctx context.Context, ac *auth.AuthContext, req Request, history []models.ChatMessage, started time.Time, cause error) {
	if llms.IsContextWindowExceeded(cause) {
		model := req.Model
		if model == "" {
			model = "default"
		}
		if path, err := llms.WriteOversizeDump(p.debugDir, model, cause.Error(), history); err != nil {
			p.logger.Error("failed to write oversize dump", "error", err)
		} else {
			p.logger.Warn("context window exceeded, messages dumped", "path", path)
		}
	}
	p.recordUsage(ctx, ac, started, "error", 0, cause.Error())
}

func (p *Pipeline) recordUsage(ctx context.Context, ac *auth.AuthContext, started time.Time, status string, tokens int, errMsg string) {
	userID, _ := Scope(ac)
	log := &models.UsageLog{
		Timestamp:     time.Now().UTC(),
		UserID:        *userID,
		AppID:         ac.AppID,
		OperationType: operationQuery,
		Status:        status,
		DurationMS:    time.Since(started).Milliseconds(),
		TokensUsed:    tokens,
		Error:         errMsg,
	}
	if err := p.store.RecordUsage(ctx, log); err != nil {
		p.logger.Warn("failed to record usage", "error", err)
	}
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens approximates token counts for usage rows when the backend
// does not report usage. Falls back to a bytes/4 heuristic if the encoding
// cannot be loaded.
func EstimateTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
