// Package llm wraps chat-completion backends behind a single Provider
// interface with tool calling.
package llm

import (
	"encoding/json"
	"strings"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall represents an LLM request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolArguments turns the arguments string of a tool call into valid JSON.
// Models sometimes return truncated objects; those are kept as a JSON string
// so the call can still be recorded, replayed and reported.
func toolArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

// argumentsText is the inverse of toolArguments.
func argumentsText(args json.RawMessage) string {
	var s string
	if err := json.Unmarshal(args, &s); err == nil {
		return s
	}
	return string(args)
}

// Response is the answer of one chat completion.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	StopReason string     `json:"stop_reason"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatRequest is the input for a chat completion.
type ChatRequest struct {
	Model        string           `json:"model"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	MaxTokens    int              `json:"max_tokens"`
	Temperature  float64          `json:"temperature"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
}

// ErrorType classifies LLM errors for fallback decisions.
type ErrorType int

const (
	ErrorUnknown      ErrorType = iota
	ErrorRateLimit              // 429
	ErrorAuth                   // 401/403
	ErrorInvalidInput           // 400
	ErrorServerError            // 500+
	ErrorTimeout                // context deadline exceeded
	ErrorNetwork                // connection refused, DNS, etc.
)

func (t ErrorType) String() string {
	switch t {
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorAuth:
		return "auth"
	case ErrorInvalidInput:
		return "invalid_input"
	case ErrorServerError:
		return "server_error"
	case ErrorTimeout:
		return "timeout"
	case ErrorNetwork:
		return "network"
	}
	return "unknown"
}
