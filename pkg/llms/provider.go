package llms

import (
	"errors"
	"strings"
	"time"
)

// Config is the provider-agnostic model configuration. Model names of the
// form "<family>/<model>" keep a routing prefix, e.g. "ollama/llama3.2".
type Config struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature *float64
	MaxTokens   int
	NumCtx      int
	Timeout     time.Duration
	MaxRetries  int
}

// IsOllamaModel reports whether the model name routes to the fallback
// adapter. Matching is by substring so prefixed names like
// "ollama_chat/qwen2.5" qualify.
func IsOllamaModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "ollama")
}

// stripRoutingPrefix drops the "<family>/" part of a routed model name.
func stripRoutingPrefix(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// New builds the provider for the configured model. Ollama-family names
// get the fallback adapter; everything else speaks the OpenAI-compatible
// protocol.
func New(cfg Config) (Provider, error) {
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}

	if IsOllamaModel(cfg.Model) {
		return NewOllama(OllamaConfig{
			Host:       cfg.BaseURL,
			Model:      stripRoutingPrefix(cfg.Model),
			NumCtx:     cfg.NumCtx,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	}

	return NewOpenAI(OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       stripRoutingPrefix(cfg.Model),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
	}), nil
}
