// Package llm - Provider factory
package llm

import (
	"errors"
	"fmt"
)

// ErrNotSupported marks provider names with no adapter.
var ErrNotSupported = errors.New("provider not supported")

// New creates a provider instance from config.
// Dispatches to the appropriate constructor based on cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotSupported, cfg.Provider)
	}
}
