// Package agent runs the think, act, observe loop of the PVE assistant and
// reports its progress as a lazy sequence of steps.
package agent

import (
	"encoding/json"
	"log/slog"

	"github.com/btouchard/pvepilot/internal/llm"
	"github.com/btouchard/pvepilot/internal/store"
	"github.com/btouchard/pvepilot/internal/stream"
)

// History persists conversation turns per thread.
type History interface {
	AddMessage(m *store.MessageRecord) error
	GetHistory(threadID int64, limit int) ([]store.MessageRecord, error)
}

// Options tunes an Agent.
type Options struct {
	MaxToolCalls int
	HistoryLimit int
	MaxTokens    int
	Temperature  float64
}

// Agent answers chat requests with an LLM that may call tools.
// It is safe for concurrent use; every Run is independent.
type Agent struct {
	provider llm.Provider
	tools    ToolBox
	history  History
	prompt   PromptSource
	opts     Options
}

// New creates an Agent. history may be nil, in which case every run starts
// without prior context and nothing is persisted.
func New(provider llm.Provider, tools ToolBox, history History, prompt PromptSource, opts Options) *Agent {
	if opts.MaxToolCalls <= 0 {
		opts.MaxToolCalls = 10
	}
	if prompt == nil {
		prompt = StaticPrompt(DefaultPrompt)
	}
	return &Agent{
		provider: provider,
		tools:    tools,
		history:  history,
		prompt:   prompt,
		opts:     opts,
	}
}

// Run returns the steps answering message on threadID. Nothing happens until
// the first pull; each pull performs at most one LLM turn or one tool call.
func (a *Agent) Run(threadID int64, message string) stream.StepSource {
	return &run{agent: a, threadID: threadID, message: message}
}

func (a *Agent) loadHistory(threadID int64) []llm.Message {
	if a.history == nil {
		return nil
	}
	records, err := a.history.GetHistory(threadID, a.opts.HistoryLimit)
	if err != nil {
		slog.Warn("failed to load history", "thread_id", threadID, "error", err)
		return nil
	}

	msgs := make([]llm.Message, 0, len(records))
	for _, r := range records {
		m := llm.Message{Role: r.Role, Content: r.Content, ToolCallID: r.ToolCallID}
		if r.ToolCalls != "" {
			if err := json.Unmarshal([]byte(r.ToolCalls), &m.ToolCalls); err != nil {
				slog.Warn("skipping unreadable tool calls in history", "thread_id", threadID, "message", r.ID, "error", err)
			}
		}
		msgs = append(msgs, m)
	}
	return trimToUserTurn(msgs)
}

// trimToUserTurn drops leading messages until the first user message, so a
// window cut in the middle of a tool exchange never starts with orphaned
// tool results.
func trimToUserTurn(msgs []llm.Message) []llm.Message {
	for i, m := range msgs {
		if m.Role == "user" {
			return msgs[i:]
		}
	}
	return nil
}

func (a *Agent) save(threadID int64, m llm.Message) {
	if a.history == nil {
		return
	}
	rec := &store.MessageRecord{
		ThreadID:   threadID,
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err == nil {
			rec.ToolCalls = string(data)
		}
	}
	if err := a.history.AddMessage(rec); err != nil {
		slog.Warn("failed to save message", "thread_id", threadID, "role", m.Role, "error", err)
	}
}
