package llm

import (
	"errors"
	"fmt"

	"github.com/btouchard/pvepilot/internal/config"
)

// ErrUnknownProvider is returned for a provider name NewProvider cannot build.
var ErrUnknownProvider = errors.New("unknown LLM provider")

var defaultBaseURLs = map[string]string{
	"deepseek":   "https://api.deepseek.com/v1/",
	"openrouter": "https://openrouter.ai/api/v1/",
	"local":      "http://127.0.0.1:11434/v1/",
}

// NewProvider creates an LLM provider from config.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "deepseek", "openrouter", "local":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[cfg.Provider]
		}
		model := cfg.Model
		if model == "" && cfg.Provider == "deepseek" {
			model = "deepseek-chat"
		}
		return NewOpenAIProvider(OpenAIConfig{
			Name:    cfg.Provider,
			APIKey:  cfg.APIKey,
			BaseURL: baseURL,
			Model:   model,
			Timeout: cfg.Timeout,
		}), nil
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// NewFromConfig builds the primary provider and, when fallback is set,
// chains it behind the primary.
func NewFromConfig(primary config.LLMConfig, fallback *config.LLMConfig) (Provider, error) {
	p, err := NewProvider(primary)
	if err != nil {
		return nil, fmt.Errorf("primary LLM: %w", err)
	}
	if fallback == nil {
		return p, nil
	}
	f, err := NewProvider(*fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback LLM: %w", err)
	}
	return NewFallbackProvider(p, f), nil
}
