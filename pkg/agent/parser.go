package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/models"
)

// fallbackSource tags the synthetic display object produced when no
// structured output can be recovered from the model's final message.
const fallbackSource = "agent-response"

var (
	jsonArrayPattern  = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[^{}]*"type"[^{}]*"content"[^{}]*\}`)
)

// parseDisplayObjects recovers display objects from the model's terminal
// message. The cascade: strip code fences, parse as array, parse as single
// object, structurally extract an embedded array or object, and finally
// wrap the raw text.
func parseDisplayObjects(content string) []models.DisplayObject {
	trimmed := stripCodeFences(content)

	if objs, ok := tryParseArray(trimmed); ok {
		return objs
	}
	if obj, ok := tryParseObject(trimmed); ok {
		return []models.DisplayObject{obj}
	}

	// Structural extraction: the answer may embed the JSON in prose.
	for _, candidate := range jsonArrayPattern.FindAllString(trimmed, -1) {
		if objs, ok := tryParseArray(candidate); ok {
			return objs
		}
	}
	for _, candidate := range jsonObjectPattern.FindAllString(trimmed, -1) {
		if obj, ok := tryParseObject(candidate); ok {
			return []models.DisplayObject{obj}
		}
	}

	return []models.DisplayObject{{
		Type:    models.DisplayTypeText,
		Content: content,
		Source:  fallbackSource,
	}}
}

func tryParseArray(s string) ([]models.DisplayObject, bool) {
	var objs []models.DisplayObject
	if err := json.Unmarshal([]byte(s), &objs); err != nil {
		return nil, false
	}
	if len(objs) == 0 {
		return nil, false
	}
	for i := range objs {
		if !validDisplayObject(&objs[i]) {
			return nil, false
		}
	}
	return objs, true
}

func tryParseObject(s string) (models.DisplayObject, bool) {
	var obj models.DisplayObject
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return models.DisplayObject{}, false
	}
	if !validDisplayObject(&obj) {
		return models.DisplayObject{}, false
	}
	return obj, true
}

// validDisplayObject requires content and normalises a missing type to
// text.
func validDisplayObject(obj *models.DisplayObject) bool {
	if obj.Content == "" {
		return false
	}
	switch obj.Type {
	case models.DisplayTypeText, models.DisplayTypeImage:
	case "":
		obj.Type = models.DisplayTypeText
	default:
		return false
	}
	return true
}

// stripCodeFences unwraps a message fenced as ``` or ```json.
func stripCodeFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if idx := strings.Index(out, "\n"); idx >= 0 {
		// Drop a language tag like "json" on the fence line.
		first := strings.TrimSpace(out[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			out = out[idx+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}
