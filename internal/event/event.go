// Package event defines the lifecycle events produced while serving agent
// requests and the in-memory bus that fans them out to observers.
package event

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of event tags.
type Kind string

const (
	KindStart      Kind = "start"
	KindThought    Kind = "thought"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindAnswer     Kind = "answer"
	KindError      Kind = "error"
	KindDone       Kind = "done"
)

// Event is one immutable step of a conversation thread.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  int64           `json:"thread_id"`
	Kind      Kind            `json:"type"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	CallID    string          `json:"tool_call_id,omitempty"`
}

func newEvent(threadID int64, kind Kind) Event {
	return Event{Timestamp: time.Now().UTC(), ThreadID: threadID, Kind: kind}
}

// Start opens a thread's run. request is the user message being served.
func Start(threadID int64, request string) Event {
	e := newEvent(threadID, KindStart)
	e.Content = "New Request: " + request
	return e
}

func Thought(threadID int64, text string) Event {
	e := newEvent(threadID, KindThought)
	e.Content = text
	return e
}

func ToolCall(threadID int64, name string, args json.RawMessage) Event {
	e := newEvent(threadID, KindToolCall)
	e.Name = name
	switch {
	case len(args) == 0:
		args = json.RawMessage("{}")
	case !json.Valid(args):
		args, _ = json.Marshal(string(args))
	}
	e.Args = args
	return e
}

func ToolResult(threadID int64, name, callID, content string) Event {
	e := newEvent(threadID, KindToolResult)
	e.Name = name
	e.CallID = callID
	e.Content = content
	return e
}

func Answer(threadID int64, text string) Event {
	e := newEvent(threadID, KindAnswer)
	e.Content = text
	return e
}

func Error(threadID int64, detail string) Event {
	e := newEvent(threadID, KindError)
	e.Content = detail
	return e
}

func Done(threadID int64) Event {
	return newEvent(threadID, KindDone)
}

// Terminal reports whether e ends a thread's run.
func (e Event) Terminal() bool {
	return e.Kind == KindDone
}
