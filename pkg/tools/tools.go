// Package tools is the agent's tool registry and dispatcher. Each tool
// carries a JSON schema published to the model; dispatch decodes the
// model's argument JSON, runs the handler and records source evidence in a
// per-run source map.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// SourceMap accumulates source evidence over one agent run, keyed by
// source id.
type SourceMap map[string]models.SourceInfo

// Result is a tool's output: plain text, or structured content parts when
// the tool returns images alongside text.
type Result struct {
	Text  string
	Parts []models.ContentPart
}

func TextResult(s string) Result {
	return Result{Text: s}
}

func PartsResult(parts []models.ContentPart) Result {
	return Result{Parts: parts}
}

func (r Result) HasParts() bool {
	return len(r.Parts) > 0
}

// Flatten renders the result as a single string: text parts concatenated,
// non-text parts serialised as JSON.
func (r Result) Flatten() string {
	if len(r.Parts) == 0 {
		return r.Text
	}
	var out string
	for _, part := range r.Parts {
		if part.Type == "text" {
			out += part.Text
			continue
		}
		if raw, err := json.Marshal(part); err == nil {
			out += string(raw)
		}
	}
	return out
}

// Invocation is the per-dispatch state handed to a handler.
type Invocation struct {
	Auth      *auth.AuthContext
	Args      map[string]interface{}
	SourceMap SourceMap
}

// Handler executes one tool call.
type Handler func(ctx context.Context, inv *Invocation) (Result, error)

// Tool is one registry entry. Available, when set, gates whether the tool
// is advertised under the current registry options.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	Handler     Handler
	Available   func(Options) bool
}

// UnknownToolError rejects a dispatch for a name the registry does not
// advertise.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ToolError wraps a handler failure with the tool's name.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// decodeArgs maps loosely typed argument maps onto a typed struct. Weak
// typing tolerates the numeric and boolean forms models actually emit.
func decodeArgs(args map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// schemaFor reflects a typed argument struct into an inline JSON schema
// object suitable for publishing to the model.
func schemaFor(v interface{}) map[string]interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
