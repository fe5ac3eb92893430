// Package stream turns the step-by-step output of an agent run into the
// event taxonomy, publishing every event while relaying it to the caller.
package stream

import (
	"context"
	"encoding/json"
)

// StepKind tags a Step.
type StepKind int

const (
	StepReasoning StepKind = iota + 1
	StepToolCall
	StepToolResult
	StepAnswer
)

func (k StepKind) String() string {
	switch k {
	case StepReasoning:
		return "reasoning"
	case StepToolCall:
		return "tool_call"
	case StepToolResult:
		return "tool_result"
	case StepAnswer:
		return "answer"
	}
	return "unknown"
}

// Step is one unit of progress reported by an execution.
type Step struct {
	Kind    StepKind
	Text    string          // reasoning or answer text
	Tool    string          // tool name for calls and results
	Args    json.RawMessage // tool call arguments
	CallID  string          // tool call identifier
	Content string          // tool result content
}

// StepSource is a lazy, finite sequence of steps. Next returns io.EOF once
// the sequence is exhausted; any other error means the execution failed.
type StepSource interface {
	Next(ctx context.Context) (Step, error)
}
