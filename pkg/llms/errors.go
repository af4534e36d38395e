package llms

import (
	"errors"
	"fmt"
	"strings"
)

// ContextWindowExceededError reports that the accumulated prompt no longer
// fits the model's context window. Callers surface this distinctly instead
// of folding it into generic provider failures.
type ContextWindowExceededError struct {
	Model  string
	Detail string
}

func (e *ContextWindowExceededError) Error() string {
	return fmt.Sprintf("context window exceeded for model %s: %s", e.Model, e.Detail)
}

// IsContextWindowExceeded reports whether err is (or wraps) a context
// window overflow.
func IsContextWindowExceeded(err error) bool {
	var cwe *ContextWindowExceededError
	return errors.As(err, &cwe)
}

// ProviderError is a non-retryable upstream failure with its HTTP status.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

// contextWindowPhrases are the fragments providers use to report prompt
// overflow. Matched case-insensitively against the error message.
var contextWindowPhrases = []string{
	"context length",
	"context window",
	"maximum context",
	"context size",
	"too many tokens",
	"input is too long",
	"prompt is too long",
}

func looksLikeContextOverflow(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range contextWindowPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// classifyAPIError turns an upstream error payload into a typed error.
func classifyAPIError(model string, statusCode int, message string) error {
	if (statusCode == 400 || statusCode == 413) && looksLikeContextOverflow(message) {
		return &ContextWindowExceededError{Model: model, Detail: message}
	}
	return &ProviderError{StatusCode: statusCode, Message: message}
}
