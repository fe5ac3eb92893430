package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/btouchard/pvepilot/internal/event"
)

// structuredResponseMarker prefixes internal narration emitted when the
// agent hands over its final structured result. It is never shown as a thought.
const structuredResponseMarker = "Returning structured response"

// State is the terminal state of one translation.
type State string

const (
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Publisher receives every translated event.
type Publisher interface {
	Publish(e event.Event)
}

// EmitFunc receives each event after it has been published.
type EmitFunc func(e event.Event)

// Translator converts steps into events for one request at a time. A single
// Translator is safe for concurrent use by many requests.
type Translator struct {
	bus Publisher
}

// NewTranslator creates a Translator publishing to bus.
func NewTranslator(bus Publisher) *Translator {
	return &Translator{bus: bus}
}

// Translate pulls src to completion. It emits Start first and Done last,
// whatever happens in between; an execution failure or panic becomes an
// Error event. Every event is published before it is passed to emit.
func (t *Translator) Translate(ctx context.Context, src StepSource, threadID int64, request string, emit EmitFunc) State {
	send := func(e event.Event) {
		t.bus.Publish(e)
		if emit != nil {
			emit(e)
		}
	}

	send(event.Start(threadID, request))
	state := t.pump(ctx, src, threadID, send)
	send(event.Done(threadID))

	slog.Debug("request stream finished", "thread_id", threadID, "state", string(state))
	return state
}

func (t *Translator) pump(ctx context.Context, src StepSource, threadID int64, send EmitFunc) (state State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("step source panicked", "thread_id", threadID, "panic", r)
			send(event.Error(threadID, fmt.Sprintf("internal error: %v", r)))
			state = StateFailed
		}
	}()

	for {
		step, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return StateCompleted
		}
		if err != nil {
			slog.Warn("agent execution failed", "thread_id", threadID, "error", err)
			send(event.Error(threadID, err.Error()))
			return StateFailed
		}

		switch step.Kind {
		case StepReasoning:
			if strings.TrimSpace(step.Text) == "" || strings.HasPrefix(step.Text, structuredResponseMarker) {
				continue
			}
			send(event.Thought(threadID, step.Text))
		case StepToolCall:
			e := event.ToolCall(threadID, step.Tool, step.Args)
			e.CallID = step.CallID
			send(e)
		case StepToolResult:
			send(event.ToolResult(threadID, step.Tool, step.CallID, step.Content))
		case StepAnswer:
			send(event.Answer(threadID, step.Text))
			return StateCompleted
		default:
			slog.Warn("ignoring unknown step", "thread_id", threadID, "kind", step.Kind.String())
		}
	}
}

// Start runs Translate in the background and returns the caller's reply
// buffer, closed after Done. The run is detached from ctx cancellation: a
// caller that goes away does not stop the execution or its broadcast.
func (t *Translator) Start(ctx context.Context, src StepSource, threadID int64, request string) *event.Subscriber {
	reply := event.NewSubscriber()
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer reply.Close()
		t.Translate(runCtx, src, threadID, request, func(e event.Event) {
			reply.Push(e)
		})
	}()

	return reply
}
