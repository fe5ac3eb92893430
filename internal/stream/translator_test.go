package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/pvepilot/internal/event"
	"github.com/btouchard/pvepilot/internal/sse"
)

// fakeSource replays steps, then returns err (io.EOF when nil).
type fakeSource struct {
	steps []Step
	err   error
	panic any
	pos   int
}

func (s *fakeSource) Next(_ context.Context) (Step, error) {
	if s.pos < len(s.steps) {
		st := s.steps[s.pos]
		s.pos++
		return st, nil
	}
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return Step{}, s.err
	}
	return Step{}, io.EOF
}

// blockingSource blocks on release before finishing with an answer.
type blockingSource struct {
	release chan struct{}
	sent    bool
}

func (s *blockingSource) Next(ctx context.Context) (Step, error) {
	if s.sent {
		return Step{}, io.EOF
	}
	<-s.release
	s.sent = true
	return Step{Kind: StepAnswer, Text: "finished"}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *recordingBus) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Events() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.events...)
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func translateAll(t *testing.T, tr *Translator, src StepSource) ([]event.Event, State) {
	t.Helper()
	var got []event.Event
	state := tr.Translate(context.Background(), src, 1, "start vm 100", func(e event.Event) {
		got = append(got, e)
	})
	return got, state
}

func TestTranslate_FullRun_EmitsCanonicalSequence(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	observer := bus.Subscribe()
	tr := NewTranslator(bus)

	src := &fakeSource{steps: []Step{
		{Kind: StepReasoning, Text: "x"},
		{Kind: StepToolCall, Tool: "start_vm", Args: json.RawMessage(`{"node":"pve1","vmid":100}`), CallID: "id1"},
		{Kind: StepToolResult, Tool: "start_vm", CallID: "id1", Content: "ok"},
		{Kind: StepAnswer, Text: "done"},
	}}

	got, state := translateAll(t, tr, src)

	want := []event.Kind{event.KindStart, event.KindThought, event.KindToolCall, event.KindToolResult, event.KindAnswer, event.KindDone}
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, want, kinds(got))
	assert.Equal(t, "x", got[1].Content)
	assert.Equal(t, "start_vm", got[2].Name)
	assert.JSONEq(t, `{"node":"pve1","vmid":100}`, string(got[2].Args))
	assert.Equal(t, "id1", got[3].CallID)
	assert.Equal(t, "ok", got[3].Content)
	assert.Equal(t, "done", got[4].Content)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := range want {
		e, err := observer.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, got[i], e, "observer sees the same event at position %d", i)
	}
}

func TestTranslate_SkipsEmptyAndMarkerReasoning(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	src := &fakeSource{steps: []Step{
		{Kind: StepReasoning, Text: ""},
		{Kind: StepReasoning, Text: "   "},
		{Kind: StepReasoning, Text: "Returning structured response: {...}"},
		{Kind: StepReasoning, Text: "checking node status"},
		{Kind: StepAnswer, Text: "all good"},
	}}

	got, _ := translateAll(t, tr, src)

	assert.Equal(t, []event.Kind{event.KindStart, event.KindThought, event.KindAnswer, event.KindDone}, kinds(got))
	assert.Equal(t, "checking node status", got[1].Content)
}

func TestTranslate_WhenSourceFails_EmitsErrorThenDone(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	src := &fakeSource{
		steps: []Step{{Kind: StepReasoning, Text: "thinking"}},
		err:   errors.New("LLM error: 503 upstream unavailable"),
	}

	got, state := translateAll(t, tr, src)

	assert.Equal(t, StateFailed, state)
	assert.Equal(t, []event.Kind{event.KindStart, event.KindThought, event.KindError, event.KindDone}, kinds(got))
	assert.Contains(t, got[2].Content, "503 upstream unavailable")
}

func TestTranslate_WhenSourcePanics_EmitsErrorThenDone(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	got, state := translateAll(t, tr, &fakeSource{panic: "nil map"})

	assert.Equal(t, StateFailed, state)
	assert.Equal(t, []event.Kind{event.KindStart, event.KindError, event.KindDone}, kinds(got))
	assert.Contains(t, got[1].Content, "nil map")
}

func TestTranslate_StopsPullingAfterAnswer(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	src := &fakeSource{steps: []Step{
		{Kind: StepAnswer, Text: "first"},
		{Kind: StepReasoning, Text: "never seen"},
	}}

	got, _ := translateAll(t, tr, src)

	assert.Equal(t, []event.Kind{event.KindStart, event.KindAnswer, event.KindDone}, kinds(got))
	assert.Equal(t, 1, src.pos)
}

func TestTranslate_WhenSourceEndsWithoutAnswer_StillEndsWithDone(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	got, state := translateAll(t, tr, &fakeSource{steps: []Step{{Kind: StepReasoning, Text: "hm"}}})

	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, event.KindDone, got[len(got)-1].Kind)
}

func TestTranslate_PublishesBeforeEmitting(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	tr := NewTranslator(bus)

	src := &fakeSource{steps: []Step{{Kind: StepAnswer, Text: "ok"}}}
	tr.Translate(context.Background(), src, 9, "q", func(e event.Event) {
		published := bus.Events()
		require.NotEmpty(t, published)
		assert.Equal(t, e, published[len(published)-1])
	})

	for _, e := range bus.Events() {
		assert.Equal(t, int64(9), e.ThreadID)
	}
}

func TestTranslate_StartCarriesRequest(t *testing.T) {
	t.Parallel()

	tr := NewTranslator(&recordingBus{})
	got, _ := translateAll(t, tr, &fakeSource{})

	assert.Equal(t, "New Request: start vm 100", got[0].Content)
}

func TestStart_ReplyStreamEndsWithDoneAndCloses(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	tr := NewTranslator(bus)
	src := &fakeSource{steps: []Step{{Kind: StepAnswer, Text: "ok"}}}

	reply := tr.Start(context.Background(), src, 2, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []event.Event
	for {
		e, err := reply.Next(ctx)
		if errors.Is(err, event.ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}

	assert.Equal(t, []event.Kind{event.KindStart, event.KindAnswer, event.KindDone}, kinds(got))
	assert.Equal(t, got, bus.Events())
}

func TestStart_CallerCancellationDoesNotStopExecution(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	tr := NewTranslator(bus)
	src := &blockingSource{release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	reply := tr.Start(ctx, src, 5, "reboot")
	cancel()
	reply.Close()

	close(src.release)

	require.Eventually(t, func() bool {
		events := bus.Events()
		return len(events) > 0 && events[len(events)-1].Kind == event.KindDone
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []event.Kind{event.KindStart, event.KindAnswer, event.KindDone}, kinds(bus.Events()))
}

func TestStart_WhenToolArgsTruncated_StreamsStillEndWithDone(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	observer := bus.Subscribe()
	tr := NewTranslator(bus)

	src := &fakeSource{steps: []Step{
		{Kind: StepToolCall, Tool: "get_vm_status", Args: json.RawMessage(`{"node":"pve","vmid":10`), CallID: "c1"},
		{Kind: StepToolResult, Tool: "get_vm_status", CallID: "c1", Content: "Error executing tool: bad arguments"},
		{Kind: StepAnswer, Text: "Could not read VM 10."},
	}}
	reply := tr.Start(context.Background(), src, 3, "status of vm 10")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, sub := range []*event.Subscriber{reply, observer} {
		rec := httptest.NewRecorder()
		if sub == observer {
			go func() {
				// the observer never closes on its own
				time.Sleep(100 * time.Millisecond)
				observer.Close()
			}()
		}
		require.NoError(t, sse.Pipe(ctx, sse.NewWriter(rec), sub, 0))

		body := rec.Body.String()
		assert.Equal(t, 5, strings.Count(body, "data: "), body)
		assert.Contains(t, body, `"type":"tool_call"`)
		assert.Contains(t, body, `"args":"{\"node\":\"pve\",\"vmid\":10"`)
		assert.Contains(t, body, "event: result\n")
		assert.Contains(t, body, "event: done\n")
	}
}
