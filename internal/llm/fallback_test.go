package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name   string
	resp   *Response
	err    error
	calls  int
	models []string
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.name + "-model" }

func (f *fakeProvider) Chat(_ context.Context, req *ChatRequest) (*Response, error) {
	f.calls++
	f.models = append(f.models, req.Model)
	return f.resp, f.err
}

func TestFallback_WhenPrimarySucceeds_SkipsFallback(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "deepseek", resp: &Response{Content: "ok"}}
	backup := &fakeProvider{name: "anthropic"}
	f := NewFallbackProvider(primary, backup)

	resp, err := f.Chat(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Zero(t, backup.calls)
	assert.Equal(t, "deepseek+fallback", f.Name())
	assert.Equal(t, "deepseek-model", f.DefaultModel())
}

func TestFallback_WhenRetryable_TriesNextWithItsOwnModel(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "deepseek", err: &Error{Type: ErrorServerError, Message: "503"}}
	backup := &fakeProvider{name: "anthropic", resp: &Response{Content: "from backup"}}
	f := NewFallbackProvider(primary, backup)

	resp, err := f.Chat(context.Background(), &ChatRequest{Model: "deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, []string{"deepseek-chat"}, primary.models)
	assert.Equal(t, []string{""}, backup.models)
}

func TestFallback_WhenAuthError_StopsImmediately(t *testing.T) {
	t.Parallel()

	authErr := &Error{Type: ErrorAuth, Message: "bad key"}
	primary := &fakeProvider{name: "deepseek", err: authErr}
	backup := &fakeProvider{name: "anthropic", resp: &Response{}}
	f := NewFallbackProvider(primary, backup)

	_, err := f.Chat(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, authErr)
	assert.Zero(t, backup.calls)
}

func TestFallback_WhenAllFail_ReturnsLastError(t *testing.T) {
	t.Parallel()

	last := errors.New("connection refused")
	f := NewFallbackProvider(
		&fakeProvider{name: "a", err: &Error{Type: ErrorRateLimit, Message: "429"}},
		&fakeProvider{name: "b", err: last},
	)

	_, err := f.Chat(context.Background(), &ChatRequest{})
	assert.ErrorIs(t, err, last)
}

func TestFallback_WithoutProviders_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := NewFallbackProvider().Chat(context.Background(), &ChatRequest{})
	assert.Error(t, err)
}

func TestClassifyOpenAIError_MapsStatusText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want ErrorType
	}{
		{`POST "https://api.deepseek.com/v1/chat/completions": 401 Unauthorized`, ErrorAuth},
		{"429 Too Many Requests", ErrorRateLimit},
		{"400 Bad Request: invalid tool schema", ErrorInvalidInput},
		{"503 Service Unavailable", ErrorServerError},
		{"context deadline exceeded", ErrorTimeout},
		{"dial tcp: connection refused", ErrorNetwork},
		{"something odd", ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			t.Parallel()
			got := classifyOpenAIError("deepseek", errors.New(tt.msg))
			assert.Equal(t, tt.want, got.Type)
			assert.Contains(t, got.Error(), tt.msg)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, isRetryable(errors.New("plain")))
	assert.True(t, isRetryable(&Error{Type: ErrorTimeout}))
	assert.False(t, isRetryable(&Error{Type: ErrorInvalidInput}))
	assert.False(t, isRetryable(&Error{Type: ErrorAuth}))
}
