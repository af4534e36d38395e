package models

import (
	"time"
)

// ContentPart is one piece of multi-modal tool output or message content.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolCall is a structured function invocation emitted by the model.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message roles. Tool replies carry the id of the call they answer.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of a conversation history. Content holds plain
// text; Parts, when set, carries structured multi-modal content instead
// (tool replies from retrieve_chunks may include images).
type ChatMessage struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	Parts      []ContentPart          `json:"parts,omitempty"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	AgentData  map[string]interface{} `json:"agent_data,omitempty"`
}

// Text returns the textual content of the message, concatenating text parts
// when structured content is present.
func (m ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ChatConversation is a durable, append-only message history. Its JSON
// shape is stable so clients can render prior turns.
type ChatConversation struct {
	ConversationID string        `json:"conversation_id"`
	UserID         *string       `json:"user_id,omitempty"`
	AppID          *string       `json:"app_id,omitempty"`
	Title          string        `json:"title,omitempty"`
	History        []ChatMessage `json:"history"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ConversationSummary is the listing shape returned by GET /chats.
type ConversationSummary struct {
	ConversationID string    `json:"chat_id"`
	Title          string    `json:"title,omitempty"`
	LastMessage    string    `json:"last_message,omitempty"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
