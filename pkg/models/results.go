package models

// ChunkResult is one retrieved chunk with its relevance score.
type ChunkResult struct {
	Content       string                 `json:"content"`
	Score         float64                `json:"score"`
	DocumentID    string                 `json:"document_id"`
	ChunkNumber   int                    `json:"chunk_number"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ContentType   string                 `json:"content_type"`
	Filename      *string                `json:"filename,omitempty"`
	DownloadURL   *string                `json:"download_url,omitempty"`
	IsPaddingPage bool                   `json:"is_padding,omitempty"`
}

// DocumentResult is one retrieved document summary for /retrieve/docs.
type DocumentResult struct {
	ScoreExp   float64                `json:"score"`
	DocumentID string                 `json:"document_id"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Content    DocumentContent        `json:"content"`
}

// DocumentContent is either an inline string or a URL to fetch.
type DocumentContent struct {
	Type     string  `json:"type"` // "string" or "url"
	Value    string  `json:"value"`
	Filename *string `json:"filename,omitempty"`
}

// GroupedChunkResponse groups chunk results with any padding chunks pulled
// in around the matches.
type GroupedChunkResponse struct {
	Chunks  []ChunkResult  `json:"chunks"`
	Groups  []ChunkGroup   `json:"groups"`
	HasMore map[string]int `json:"has_more,omitempty"`
}

// ChunkGroup is one main match plus its surrounding padding chunks.
type ChunkGroup struct {
	MainChunk     ChunkResult   `json:"main_chunk"`
	PaddingChunks []ChunkResult `json:"padding_chunks,omitempty"`
	Total         int           `json:"total"`
}

// ChunkSource identifies a chunk inside a completion's source list.
type ChunkSource struct {
	DocumentID  string   `json:"document_id"`
	ChunkNumber int      `json:"chunk_number"`
	Score       *float64 `json:"score,omitempty"`
}

// CompletionUsage reports token consumption of one completion.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the non-streaming result of the query pipeline.
type CompletionResponse struct {
	Completion   string                 `json:"completion"`
	Usage        CompletionUsage        `json:"usage"`
	Sources      []ChunkSource          `json:"sources,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// AgentSource is one entry of the deduplicated source list in the agent's
// final output.
type AgentSource struct {
	SourceID     string `json:"sourceId"`
	DocumentName string `json:"documentName"`
	DocumentID   string `json:"documentId"`
	Content      string `json:"content,omitempty"`
}

// AgentToolStep records one tool invocation of an agent run.
type AgentToolStep struct {
	ToolName   string                 `json:"tool_name"`
	ToolArgs   map[string]interface{} `json:"tool_args"`
	ToolResult interface{}            `json:"tool_result"`
}

// AgentResponse is the terminal output of an agent run.
type AgentResponse struct {
	Response       string          `json:"response"`
	DisplayObjects []DisplayObject `json:"display_objects"`
	ToolHistory    []AgentToolStep `json:"tool_history"`
	Sources        []AgentSource   `json:"sources"`
}
