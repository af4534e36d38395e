package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/morphik-org/morphik-core/pkg/httpclient"
	"github.com/morphik-org/morphik-core/pkg/models"
)

const (
	defaultOllamaHost   = "http://localhost:11434"
	defaultOllamaNumCtx = 32768
)

// groundedAnswerTemplate re-states a tool result as a user turn for models
// whose tool-call protocol support is unreliable. The first %s is the tool
// output, the second is the user's original query.
const groundedAnswerTemplate = "RETRIEVED INFORMATION:\n\n%s\n\nNow answer this query: '%s' using ONLY the retrieved information above. Do not use your own knowledge."

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	Host       string
	Model      string
	NumCtx     int
	Timeout    time.Duration
	MaxRetries int
}

// OllamaProvider is the fallback adapter for locally hosted models. It
// never sends tool-role messages: tool results are folded back into the
// conversation as user messages, and decoding is forced deterministic
// (temperature 0) so the grounding instruction is followed.
type OllamaProvider struct {
	config OllamaConfig
	client *httpclient.Client
}

func NewOllama(config OllamaConfig) *OllamaProvider {
	if config.Host == "" {
		config.Host = defaultOllamaHost
	}
	if config.NumCtx <= 0 {
		config.NumCtx = defaultOllamaNumCtx
	}
	if config.Timeout == 0 {
		config.Timeout = 300 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	return &OllamaProvider{
		config: config,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
			httpclient.WithMaxRetries(config.MaxRetries),
		),
	}
}

func (p *OllamaProvider) Model() string {
	return p.config.Model
}

// Wire types for Ollama's native /api/chat protocol. Tool call arguments
// arrive as a JSON object, not a string, and calls carry no ids.

type olRequest struct {
	Model    string      `json:"model"`
	Messages []olMessage `json:"messages"`
	Tools    []oaTool    `json:"tools,omitempty"`
	Stream   bool        `json:"stream"`
	Options  olOptions   `json:"options"`
}

type olOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
}

type olMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type olToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type olResponse struct {
	Message struct {
		Role      string       `json:"role"`
		Content   string       `json:"content"`
		ToolCalls []olToolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// flattenParts renders structured message content as plain text. Text parts
// are concatenated; anything else is carried as its JSON form so the model
// at least sees that it was there.
func flattenParts(m models.ChatMessage) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
			continue
		}
		if raw, err := json.Marshal(part); err == nil {
			b.Write(raw)
		}
	}
	return b.String()
}

// reinjectToolReplies rewrites the history for backends that mishandle the
// tool protocol. Tool replies become user messages built from
// groundedAnswerTemplate, in their original position; tool call ids are
// dropped. The original query is the last user turn that is not itself a
// re-injection.
func reinjectToolReplies(messages []models.ChatMessage) []olMessage {
	originalQuery := ""
	for _, m := range messages {
		if m.Role == models.RoleUser && !strings.HasPrefix(m.Content, "RETRIEVED INFORMATION:") {
			if text := m.Text(); text != "" {
				originalQuery = text
			}
		}
	}

	out := make([]olMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleTool:
			out = append(out, olMessage{
				Role:    models.RoleUser,
				Content: fmt.Sprintf(groundedAnswerTemplate, flattenParts(m), originalQuery),
			})
		case models.RoleAssistant:
			// Pure tool-call turns have no text worth replaying.
			if text := m.Text(); text != "" {
				out = append(out, olMessage{Role: m.Role, Content: text})
			}
		default:
			out = append(out, olMessage{Role: m.Role, Content: flattenParts(m)})
		}
	}
	return out
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) olRequest {
	out := olRequest{
		Model:    p.config.Model,
		Messages: reinjectToolReplies(req.Messages),
		Stream:   stream,
		Options: olOptions{
			// Deterministic decoding keeps the model on the grounding
			// instruction. Caller temperature is deliberately ignored.
			Temperature: 0,
			NumCtx:      p.config.NumCtx,
		},
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaTool{
			Type: "function",
			Function: oaFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *OllamaProvider) newHTTPRequest(ctx context.Context, payload olRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(p.config.Host, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *OllamaProvider) readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := strings.TrimSpace(string(body))

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	return classifyAPIError(p.config.Model, resp.StatusCode, message)
}

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", "ollama"),
		attribute.String("llm.model", p.config.Model),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	)

	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := p.readAPIError(resp)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	var parsed olResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != "" {
		apiErr := classifyAPIError(p.config.Model, resp.StatusCode, parsed.Error)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	out := &Response{
		Message: models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   parsed.Message.Content,
			Timestamp: time.Now().UTC(),
		},
		Usage: models.CompletionUsage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		FinishReason: parsed.DoneReason,
	}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	for i, tc := range parsed.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, models.ToolCall{
			// Ollama does not assign call ids; synthesize stable ones so
			// the orchestrator can pair replies.
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}

	span.SetAttributes(attribute.Int("llm.usage.total_tokens", out.Usage.TotalTokens))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "llm.stream")
	span.SetAttributes(
		attribute.String("llm.provider", "ollama"),
		attribute.String("llm.model", p.config.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("streaming chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := p.readAPIError(resp)
		resp.Body.Close()
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		span.End()
		return nil, apiErr
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		defer span.End()

		var usage models.CompletionUsage
		finishReason := "stop"

		// The stream is newline-delimited JSON objects, one per delta.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk olResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				apiErr := classifyAPIError(p.config.Model, http.StatusOK, chunk.Error)
				span.RecordError(apiErr)
				span.SetStatus(codes.Error, apiErr.Error())
				chunks <- StreamChunk{Err: apiErr}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case chunks <- StreamChunk{Text: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				usage = models.CompletionUsage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				if chunk.DoneReason != "" {
					finishReason = chunk.DoneReason
				}
				break
			}
		}
		if err := scanner.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			chunks <- StreamChunk{Err: fmt.Errorf("read stream: %w", err)}
			return
		}

		span.SetStatus(codes.Ok, "")
		select {
		case chunks <- StreamChunk{FinishReason: finishReason, Usage: &usage}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

var _ Provider = (*OllamaProvider)(nil)
