package llm

import (
	"context"
	"errors"
	"log/slog"
)

// FallbackProvider tries providers in order, falling back on retryable errors.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider creates a provider chain. The first provider is primary.
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

func (f *FallbackProvider) Name() string {
	if len(f.providers) > 0 {
		return f.providers[0].Name() + "+fallback"
	}
	return "fallback"
}

func (f *FallbackProvider) DefaultModel() string {
	if len(f.providers) > 0 {
		return f.providers[0].DefaultModel()
	}
	return ""
}

// Chat asks each provider in turn. The request model is cleared for
// fallbacks so each one uses its own default.
func (f *FallbackProvider) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	if len(f.providers) == 0 {
		return nil, &Error{Type: ErrorUnknown, Message: "no LLM provider configured"}
	}

	var lastErr error
	for i, p := range f.providers {
		attempt := req
		if i > 0 {
			r := *req
			r.Model = ""
			attempt = &r
		}

		resp, err := p.Chat(ctx, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("LLM provider failed, trying next",
			"provider", p.Name(),
			"error", err)
	}
	return nil, lastErr
}

// isRetryable returns true for errors that warrant trying a different provider.
func isRetryable(err error) bool {
	llmErr, ok := errors.AsType[*Error](err)
	if !ok {
		return true
	}
	switch llmErr.Type {
	case ErrorAuth, ErrorInvalidInput:
		return false
	default:
		return true
	}
}
