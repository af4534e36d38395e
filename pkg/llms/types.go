// Package llms holds the completion provider adapters. Providers take
// conversation history plus tool definitions and return one assistant
// message, optionally carrying tool calls. Streaming is text-only and is
// used by the query pipeline when no tools are in play.
package llms

import (
	"context"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// ToolDefinition describes one callable tool in the provider's wire schema.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one completion turn.
type Request struct {
	Messages    []models.ChatMessage
	Tools       []ToolDefinition
	ToolChoice  string // "", "auto" or "none"
	Temperature *float64
	MaxTokens   int
}

// Response is the assistant's reply. Message.ToolCalls is non-empty when
// the model chose to call tools instead of (or in addition to) answering.
type Response struct {
	Message      models.ChatMessage
	Usage        models.CompletionUsage
	FinishReason string
}

// StreamChunk is one unit of a streamed completion. Exactly one terminal
// chunk is sent: either Err is set, or FinishReason is set (with Usage when
// the backend reports it). The channel closes after the terminal chunk.
type StreamChunk struct {
	Text         string
	FinishReason string
	Usage        *models.CompletionUsage
	Err          error
}

// Provider is a chat completion backend.
type Provider interface {
	// Model returns the configured model identifier.
	Model() string

	// Complete runs one blocking completion turn.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream runs one completion turn, delivering text deltas as they
	// arrive. The returned channel is closed when the turn ends.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
