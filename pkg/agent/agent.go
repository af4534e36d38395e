// Package agent runs the tool-using turn loop: interleave model calls and
// tool dispatches until the model emits a final message, then parse that
// message into display objects and assemble the response with its source
// evidence.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/models"
	"github.com/morphik-org/morphik-core/pkg/tools"
)

var tracer = otel.Tracer("morphik/agent")

// DefaultMaxIterations bounds the turn loop; exceeding it yields a
// synthetic final message, never an error.
const DefaultMaxIterations = 10

// exhaustedMessage is the synthetic final message emitted at the loop cap.
const exhaustedMessage = "I was unable to finish within the allowed number of steps. The information gathered so far is listed in the sources."

// Config tunes one orchestrator.
type Config struct {
	MaxIterations int
	// DebugDir receives a JSON dump of the message list when a model call
	// overflows the context window.
	DebugDir string
}

// Orchestrator drives agent runs over one provider and tool registry.
type Orchestrator struct {
	provider llms.Provider
	registry *tools.Registry
	config   Config
}

func New(provider llms.Provider, registry *tools.Registry, config Config) *Orchestrator {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		config:   config,
	}
}

// RunRequest is one agent invocation. History holds the conversation so
// far with the current user query as its last entry; the loop reseeds that
// query through the system prompt, so the last entry is not replayed
// verbatim.
type RunRequest struct {
	Query       string
	History     []models.ChatMessage
	DisplayMode string
}

// Run executes the turn loop to completion.
func (o *Orchestrator) Run(ctx context.Context, ac *auth.AuthContext, req RunRequest) (*models.AgentResponse, error) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.model", o.provider.Model()),
		attribute.String("agent.display_mode", req.DisplayMode),
	)

	messages := o.seedMessages(req)
	sourceMap := tools.SourceMap{}
	var toolHistory []models.AgentToolStep

	for iteration := 0; ; iteration++ {
		if iteration >= o.config.MaxIterations {
			slog.Warn("agent run hit iteration cap", "max_iterations", o.config.MaxIterations)
			span.SetAttributes(attribute.Bool("agent.exhausted", true))
			span.SetStatus(codes.Ok, "")
			return o.assemble(exhaustedMessage, sourceMap, toolHistory), nil
		}

		resp, err := o.provider.Complete(ctx, llms.Request{
			Messages: messages,
			Tools:    o.registry.Definitions(),
		})
		if err != nil {
			if llms.IsContextWindowExceeded(err) {
				o.dumpOversize(err, messages)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("agent.iterations", iteration+1))
			span.SetStatus(codes.Ok, "")
			return o.assemble(resp.Message.Content, sourceMap, toolHistory), nil
		}

		// The assistant message with its tool calls and the replies stay
		// paired in order; the next model call sees all of them.
		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			reply, step, err := o.dispatch(ctx, ac, call, sourceMap)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			toolHistory = append(toolHistory, step)
			messages = append(messages, reply)
		}
	}
}

// seedMessages builds the initial message list: system prompt, prior
// conversation turns, then the query as a fresh user message.
func (o *Orchestrator) seedMessages(req RunRequest) []models.ChatMessage {
	history := req.History
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser {
		history = history[:n-1]
	}

	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{
		Role:      models.RoleSystem,
		Content:   buildSystemPrompt(o.registry.Advertised(), req.Query),
		Timestamp: time.Now().UTC(),
	})
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{
		Role:      models.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
	})
	return messages
}

// dispatch runs one tool call. Unknown tools abort the run; handler
// failures are reported back to the model as the tool's reply so it can
// recover.
func (o *Orchestrator) dispatch(ctx context.Context, ac *auth.AuthContext, call models.ToolCall, sourceMap tools.SourceMap) (models.ChatMessage, models.AgentToolStep, error) {
	step := models.AgentToolStep{
		ToolName: call.Name,
		ToolArgs: parseArgsForHistory(call.Arguments),
	}

	result, err := o.registry.Dispatch(ctx, ac, call.Name, call.Arguments, sourceMap)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			return models.ChatMessage{}, step, err
		}
		slog.Warn("tool call failed", "tool", call.Name, "error", err)
		step.ToolResult = err.Error()
		return toolReply(call.ID, tools.TextResult(fmt.Sprintf("Error: %v", err))), step, nil
	}

	step.ToolResult = result.Flatten()
	return toolReply(call.ID, result), step, nil
}

func toolReply(callID string, result tools.Result) models.ChatMessage {
	msg := models.ChatMessage{
		Role:       models.RoleTool,
		ToolCallID: callID,
		Timestamp:  time.Now().UTC(),
	}
	if result.HasParts() {
		msg.Parts = result.Parts
	} else {
		msg.Content = result.Text
	}
	return msg
}

func parseArgsForHistory(argsJSON string) map[string]interface{} {
	args := map[string]interface{}{}
	if argsJSON == "" {
		return args
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return map[string]interface{}{"raw": argsJSON}
	}
	return args
}

// assemble parses the terminal content and builds the response record.
func (o *Orchestrator) assemble(content string, sourceMap tools.SourceMap, toolHistory []models.AgentToolStep) *models.AgentResponse {
	displays := parseDisplayObjects(content)

	var texts []string
	for _, d := range displays {
		if d.Type == models.DisplayTypeText {
			texts = append(texts, d.Content)
		}
	}
	response := strings.Join(texts, "\n\n")
	if response == "" {
		response = content
	}

	if toolHistory == nil {
		toolHistory = []models.AgentToolStep{}
	}
	return &models.AgentResponse{
		Response:       response,
		DisplayObjects: displays,
		ToolHistory:    toolHistory,
		Sources:        assembleSources(displays, sourceMap),
	}
}

// assembleSources unions the source ids referenced by display objects with
// the remaining source-map entries, deduplicated, referenced ids first.
func assembleSources(displays []models.DisplayObject, sourceMap tools.SourceMap) []models.AgentSource {
	out := []models.AgentSource{}
	seen := map[string]bool{}

	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		info, known := sourceMap[id]
		if !known {
			out = append(out, models.AgentSource{SourceID: id})
			return
		}
		out = append(out, models.AgentSource{
			SourceID:     id,
			DocumentName: info.DocumentName,
			DocumentID:   info.DocumentID,
			Content:      info.Content,
		})
	}

	for _, d := range displays {
		if d.Source != "" && d.Source != fallbackSource {
			add(d.Source)
		}
	}

	rest := make([]string, 0, len(sourceMap))
	for id := range sourceMap {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	for _, id := range rest {
		add(id)
	}
	return out
}

func (o *Orchestrator) dumpOversize(cause error, messages []models.ChatMessage) {
	path, err := llms.WriteOversizeDump(o.config.DebugDir, o.provider.Model(), cause.Error(), messages)
	if err != nil {
		slog.Error("failed to write oversize prompt dump", "error", err)
		return
	}
	slog.Error("model context window exceeded", "dump", path, "messages", len(messages))
}
