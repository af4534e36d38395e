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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/morphik-org/morphik-core/pkg/httpclient"
	"github.com/morphik-org/morphik-core/pkg/models"
)

var tracer = otel.Tracer("morphik/llms")

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
// BaseURL may point at any gateway speaking the same protocol.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// OpenAIProvider talks to /chat/completions on an OpenAI-compatible server.
type OpenAIProvider struct {
	config OpenAIConfig
	client *httpclient.Client
}

func NewOpenAI(config OpenAIConfig) *OpenAIProvider {
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &OpenAIProvider{
		config: config,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
			httpclient.WithMaxRetries(config.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Wire types for the chat completions protocol.

type oaRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Tools         []oaTool         `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    interface{}  `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function oaFunctionCall `json:"function"`
}

type oaFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string        `json:"type"`
	Function oaFunctionDef `json:"function"`
}

type oaFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Role      string       `json:"role"`
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage oaUsage `json:"usage"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
}

type oaErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) oaRequest {
	out := oaRequest{
		Model:       p.config.Model,
		Messages:    make([]oaMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if out.Temperature == nil {
		out.Temperature = p.config.Temperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = p.config.MaxTokens
	}
	if stream {
		out.StreamOptions = &oaStreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(m))
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
	if len(out.Tools) > 0 {
		out.ToolChoice = req.ToolChoice
		if out.ToolChoice == "" {
			out.ToolChoice = "auto"
		}
	}
	return out
}

func convertMessage(m models.ChatMessage) oaMessage {
	msg := oaMessage{Role: m.Role, ToolCallID: m.ToolCallID}

	if len(m.Parts) > 0 {
		parts := make([]oaContentPart, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part.Type {
			case "image_url":
				parts = append(parts, oaContentPart{Type: "image_url", ImageURL: &oaImageURL{URL: part.ImageURL}})
			default:
				parts = append(parts, oaContentPart{Type: "text", Text: part.Text})
			}
		}
		msg.Content = parts
	} else {
		msg.Content = m.Content
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, oaToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: oaFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, payload oaRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return httpReq, nil
}

// readAPIError drains an error response and classifies it.
func (p *OpenAIProvider) readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := strings.TrimSpace(string(body))

	var apiErr oaErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}
	return classifyAPIError(p.config.Model, resp.StatusCode, message)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", "openai"),
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
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := p.readAPIError(resp)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		err := &ProviderError{StatusCode: resp.StatusCode, Message: "response contained no choices"}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	choice := parsed.Choices[0]
	out := &Response{
		Message: models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   choice.Message.Content,
			Timestamp: time.Now().UTC(),
		},
		Usage: models.CompletionUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	span.SetAttributes(
		attribute.Int("llm.usage.total_tokens", out.Usage.TotalTokens),
		attribute.Int("llm.tool_calls", len(out.Message.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	ctx, span := tracer.Start(ctx, "llm.stream")
	span.SetAttributes(
		attribute.String("llm.provider", "openai"),
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
		return nil, fmt.Errorf("streaming completion request: %w", err)
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

		var usage *models.CompletionUsage
		finishReason := "stop"

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					chunks <- StreamChunk{Err: fmt.Errorf("read stream: %w", err)}
					return
				}
				break
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk oaStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = &models.CompletionUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				select {
				case chunks <- StreamChunk{Text: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		span.SetStatus(codes.Ok, "")
		select {
		case chunks <- StreamChunk{FinishReason: finishReason, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

var _ Provider = (*OpenAIProvider)(nil)
