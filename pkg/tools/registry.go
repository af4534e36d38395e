package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
)

var tracer = otel.Tracer("morphik/tools")

// GraphMode selects which of the two graph tools is advertised.
const (
	GraphModeLocal = "local"
	GraphModeAPI   = "api"
)

// Options is the process-wide tool configuration.
type Options struct {
	GraphMode string
}

// Deps are the collaborators the catalogue is built over. Executor and
// GraphClient may be nil; tools that need them are then not registered.
type Deps struct {
	Store       database.Store
	Retriever   Retriever
	Executor    CodeExecutor
	GraphClient GraphClient
}

// sanitizedTools are tools whose arguments the model is known to
// cross-contaminate; dispatch strips fields outside their schema.
var sanitizedTools = map[string]bool{
	"retrieve_chunks": true,
}

// Registry holds the tool catalogue and dispatches calls.
type Registry struct {
	options Options
	tools   map[string]Tool
}

// NewRegistry builds the full catalogue over the given collaborators.
func NewRegistry(options Options, deps Deps) (*Registry, error) {
	if options.GraphMode == "" {
		options.GraphMode = GraphModeLocal
	}
	if options.GraphMode != GraphModeLocal && options.GraphMode != GraphModeAPI {
		return nil, fmt.Errorf("unknown graph mode %q", options.GraphMode)
	}

	r := &Registry{
		options: options,
		tools:   make(map[string]Tool),
	}

	catalogue := []Tool{
		retrieveChunksTool(deps.Retriever),
		retrieveDocumentTool(deps.Store),
		documentAnalyzerTool(deps.Store, deps.Retriever),
		knowledgeGraphQueryTool(deps.Store),
		listGraphsTool(deps.Store),
		listDocumentsTool(deps.Store),
		saveToMemoryTool(deps.Store),
	}
	if deps.GraphClient != nil {
		catalogue = append(catalogue, graphAPIRetrieveTool(deps.GraphClient))
	}
	if deps.Executor != nil {
		catalogue = append(catalogue, executeCodeTool(deps.Executor))
	}

	for _, t := range catalogue {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool; duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) available(t Tool) bool {
	return t.Available == nil || t.Available(r.options)
}

// Advertised returns the tools visible under the current options, sorted
// by name so the prompt is deterministic.
func (r *Registry) Advertised() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if r.available(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions renders the advertised catalogue in the provider wire shape.
func (r *Registry) Definitions() []llms.ToolDefinition {
	advertised := r.Advertised()
	out := make([]llms.ToolDefinition, 0, len(advertised))
	for _, t := range advertised {
		out = append(out, llms.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return out
}

// Dispatch runs one tool call. Unknown (or currently unavailable) tool
// names are a hard failure; handler errors come back wrapped as ToolError
// so the caller can report them to the model without aborting the run.
func (r *Registry) Dispatch(ctx context.Context, ac *auth.AuthContext, name, argsJSON string, sourceMap SourceMap) (Result, error) {
	ctx, span := tracer.Start(ctx, "tool.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	tool, exists := r.tools[name]
	if !exists || !r.available(tool) {
		err := &UnknownToolError{Name: name}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	args := map[string]interface{}{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			terr := &ToolError{Tool: name, Err: fmt.Errorf("malformed arguments: %w", err)}
			span.RecordError(terr)
			span.SetStatus(codes.Error, terr.Error())
			return Result{}, terr
		}
	}

	if sanitizedTools[name] {
		args = sanitizeArgs(tool, args)
	}
	if sourceMap == nil {
		sourceMap = SourceMap{}
	}

	result, err := tool.Handler(ctx, &Invocation{
		Auth:      ac,
		Args:      args,
		SourceMap: sourceMap,
	})
	if err != nil {
		terr := &ToolError{Tool: name, Err: err}
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Error())
		return Result{}, terr
	}

	span.SetStatus(codes.Ok, "")
	return result, nil
}

// sanitizeArgs drops argument fields that are not in the tool's schema.
// Models occasionally route another tool's fields here (document_id into
// retrieve_chunks is the observed case).
func sanitizeArgs(t Tool, args map[string]interface{}) map[string]interface{} {
	props, ok := t.Schema["properties"].(map[string]interface{})
	if !ok {
		return args
	}
	for key := range args {
		if _, known := props[key]; !known {
			slog.Warn("dropping stray tool argument", "tool", t.Name, "arg", key)
			delete(args, key)
		}
	}
	return args
}
