package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/btouchard/pvepilot/internal/llm"
	"github.com/btouchard/pvepilot/internal/stream"
)

const maxToolCallsAnswer = "I've reached the maximum number of tool calls for this request. Here's what I have so far: "

// run is the state of one execution. It is pulled by a single consumer.
type run struct {
	agent    *Agent
	threadID int64
	message  string

	started   bool
	finished  bool
	messages  []llm.Message
	toolCalls int

	queue   []stream.Step
	pending []llm.ToolCall
	current *llm.ToolCall
}

// Next returns the next step, doing just enough work to produce it.
func (r *run) Next(ctx context.Context) (stream.Step, error) {
	for {
		if len(r.queue) > 0 {
			step := r.queue[0]
			r.queue = r.queue[1:]
			return step, nil
		}
		if r.finished {
			return stream.Step{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			r.finished = true
			return stream.Step{}, err
		}

		switch {
		case r.current != nil:
			return r.execute(ctx), nil
		case len(r.pending) > 0:
			tc := r.pending[0]
			r.pending = r.pending[1:]
			r.current = &tc
			return stream.Step{Kind: stream.StepToolCall, Tool: tc.Name, Args: tc.Arguments, CallID: tc.ID}, nil
		}

		if !r.started {
			r.start()
		}
		if err := r.turn(ctx); err != nil {
			r.finished = true
			return stream.Step{}, err
		}
	}
}

func (r *run) start() {
	r.started = true
	r.messages = append(r.agent.loadHistory(r.threadID), llm.Message{Role: "user", Content: r.message})
	r.agent.save(r.threadID, llm.Message{Role: "user", Content: r.message})
}

// turn asks the model for its next move and queues the resulting steps.
func (r *run) turn(ctx context.Context) error {
	a := r.agent
	resp, err := a.provider.Chat(ctx, &llm.ChatRequest{
		Messages:     r.messages,
		Tools:        a.tools.Definitions(),
		MaxTokens:    a.opts.MaxTokens,
		Temperature:  a.opts.Temperature,
		SystemPrompt: a.prompt.Prompt(),
	})
	if err != nil {
		return fmt.Errorf("LLM error: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		r.answer(resp.Content)
		return nil
	}

	r.toolCalls += len(resp.ToolCalls)
	if r.toolCalls > a.opts.MaxToolCalls {
		r.answer(maxToolCallsAnswer + resp.Content)
		return nil
	}

	assistant := llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
	r.messages = append(r.messages, assistant)
	a.save(r.threadID, assistant)

	if resp.Content != "" {
		r.queue = append(r.queue, stream.Step{Kind: stream.StepReasoning, Text: resp.Content})
	}
	r.pending = append(r.pending, resp.ToolCalls...)
	return nil
}

func (r *run) answer(text string) {
	r.agent.save(r.threadID, llm.Message{Role: "assistant", Content: text})
	r.queue = append(r.queue, stream.Step{Kind: stream.StepAnswer, Text: text})
	r.finished = true
}

// execute runs the announced tool call and records its result for the model.
func (r *run) execute(ctx context.Context) stream.Step {
	tc := *r.current
	r.current = nil

	result, err := r.agent.tools.Call(ctx, tc.Name, tc.Arguments)
	switch {
	case errors.Is(err, ErrToolNotFound):
		result = fmt.Sprintf("Error: tool '%s' not found", tc.Name)
	case err != nil:
		result = "Error executing tool: " + err.Error()
	}

	msg := llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID}
	r.messages = append(r.messages, msg)
	r.agent.save(r.threadID, msg)

	return stream.Step{Kind: stream.StepToolResult, Tool: tc.Name, CallID: tc.ID, Content: result}
}
