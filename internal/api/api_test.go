package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/pvepilot/internal/event"
	"github.com/btouchard/pvepilot/internal/job"
	"github.com/btouchard/pvepilot/internal/store"
	"github.com/btouchard/pvepilot/internal/stream"
)

type stepSource struct {
	steps []stream.Step
}

func (s *stepSource) Next(context.Context) (stream.Step, error) {
	if len(s.steps) == 0 {
		return stream.Step{}, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st, nil
}

type fakeAgent struct {
	threads chan int64
}

func (a *fakeAgent) Run(threadID int64, message string) stream.StepSource {
	if a.threads != nil {
		a.threads <- threadID
	}
	return &stepSource{steps: []stream.Step{
		{Kind: stream.StepReasoning, Text: "thinking about " + message},
		{Kind: stream.StepAnswer, Text: "done"},
	}}
}

type noFetch struct{}

func (noFetch) JobStatus(context.Context, job.Handle) (job.Status, error) {
	return job.Status{Status: "running"}, nil
}

type allowTokens map[string]bool

func (a allowTokens) Validate(token string) (string, bool) {
	return "test", a[token]
}

func newDeps() Deps {
	bus := event.NewBus()
	return Deps{
		Bus:        bus,
		Translator: stream.NewTranslator(bus),
		Agent:      &fakeAgent{},
		Jobs:       job.NewTracker(noFetch{}, time.Second, time.Minute, time.Hour),
		PVEReady:   func() bool { return true },
		Version:    "test",
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- /chat ---

func TestChat_WhenNoAgent_Returns503(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.Agent = nil

	rec := do(t, NewRouter(deps), http.MethodPost, "/chat", `{"message":"hi"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"`+agentUnavailable+`"}`, rec.Body.String())
}

func TestChat_WhenBodyInvalid_Returns400(t *testing.T) {
	t.Parallel()

	h := NewRouter(newDeps())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/chat", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/chat", `{"message":"  "}`).Code)
}

func TestChat_StreamsTranslatedEventsAndBroadcastsThem(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	observer := deps.Bus.Subscribe()
	t.Cleanup(func() { deps.Bus.Unsubscribe(observer) })

	rec := do(t, NewRouter(deps), http.MethodPost, "/chat", `{"message":"nodes?"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	startAt := strings.Index(body, "event: start\n")
	resultAt := strings.Index(body, "event: result\n")
	doneAt := strings.Index(body, "event: done\n")
	require.NotEqual(t, -1, startAt)
	assert.Less(t, startAt, resultAt)
	assert.Less(t, resultAt, doneAt)
	assert.Contains(t, body, `"thread_id":1`)
	assert.Contains(t, body, `"content":"thinking about nodes?"`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var kinds []event.Kind
	for {
		e, err := observer.Next(ctx)
		require.NoError(t, err)
		kinds = append(kinds, e.Kind)
		if e.Kind == event.KindDone {
			break
		}
	}
	assert.Equal(t, []event.Kind{event.KindStart, event.KindThought, event.KindAnswer, event.KindDone}, kinds)
}

func TestChat_WithExplicitThread_UsesIt(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	agent := &fakeAgent{threads: make(chan int64, 1)}
	deps.Agent = agent

	rec := do(t, NewRouter(deps), http.MethodPost, "/chat", `{"message":"x","thread_id":42}`)

	assert.Equal(t, int64(42), <-agent.threads)
	assert.Contains(t, rec.Body.String(), `"thread_id":42`)
}

// --- /monitor ---

func TestMonitor_StreamsBusEventsUntilDisconnect(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/monitor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Eventually(t, func() bool { return deps.Bus.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	deps.Bus.Publish(event.Answer(5, "hello monitor"))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "answer", got["type"])
	assert.Equal(t, float64(5), got["thread_id"])
	assert.Equal(t, "hello monitor", got["content"])

	cancel()
	assert.Eventually(t, func() bool { return deps.Bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorStats_ReportsSubscribers(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	sub := deps.Bus.Subscribe()
	t.Cleanup(func() { deps.Bus.Unsubscribe(sub) })
	deps.Bus.Publish(event.Thought(1, "x"))

	rec := do(t, NewRouter(deps), http.MethodGet, "/monitor/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats event.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Published)
	require.Len(t, stats.Subscribers, 1)
	assert.Equal(t, 1, stats.Subscribers[0].Depth)
}

// --- /health ---

func TestHealth(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	rec := do(t, NewRouter(deps), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pve_configured":true`)

	deps.PVEReady = func() bool { return false }
	rec = do(t, NewRouter(deps), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "PVE client not configured")
}

// --- /jobs ---

func TestJobs_ListAndGet(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.Jobs.Register(job.Handle{Node: "pve1", ID: "UPID:pve1:a"}, "VM start")
	deps.Jobs.Register(job.Handle{Node: "pve2", ID: "UPID:pve2:b"}, "VM clone")
	h := NewRouter(deps)

	rec := do(t, h, http.MethodGet, "/jobs?node=pve2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []struct {
			Handle    job.Handle `json:"handle"`
			Operation string     `json:"operation"`
			State     string     `json:"state"`
		} `json:"jobs"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "UPID:pve2:b", list.Jobs[0].Handle.ID)
	assert.Equal(t, "VM clone", list.Jobs[0].Operation)
	assert.Equal(t, "submitted", list.Jobs[0].State)

	rec = do(t, h, http.MethodGet, "/jobs/UPID:pve1:a", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"upid":"UPID:pve1:a"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/UPID:nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs?limit=abc", "").Code)
}

func TestJobs_FallBackToHistory(t *testing.T) {
	t.Parallel()

	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now()
	require.NoError(t, db.UpsertJob(&store.JobRecord{
		UPID:        "UPID:old",
		Node:        "pve1",
		Operation:   "VM reboot",
		State:       "succeeded",
		ExitStatus:  "OK",
		SubmittedAt: now.Add(-time.Minute),
		CompletedAt: now,
	}))

	deps := newDeps()
	deps.Jobs.SetJournal(db)
	deps.History = db
	h := NewRouter(deps)

	rec := do(t, h, http.MethodGet, "/jobs/UPID:old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operation":"VM reboot"`)
	assert.Contains(t, rec.Body.String(), `"state":"succeeded"`)

	rec = do(t, h, http.MethodGet, "/jobs/history?node=pve1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs/history?since=yesterday", "").Code)
}

// --- auth & routing ---

func TestRouter_WhenTokensSet_GuardsEverythingButHealth(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.Tokens = allowTokens{"secret": true}
	deps.MCP = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := NewRouter(deps)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/chat", `{"message":"x"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/mcp", "{}").Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/jobs", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodPost, "/mcp", "{}", "Authorization", "Bearer secret").Code)
}

func TestRouter_MountsAlertWebhook(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.Alerts = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })

	assert.Equal(t, http.StatusAccepted, do(t, NewRouter(deps), http.MethodPost, "/webhook/alertmanager", "{}").Code)
}

func TestRouter_WhenBodyTooLarge_RejectsChat(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.MaxBodyBytes = 16

	rec := do(t, NewRouter(deps), http.MethodPost, "/chat", `{"message":"`+strings.Repeat("x", 64)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SetsSecurityHeaders(t *testing.T) {
	t.Parallel()

	rec := do(t, NewRouter(newDeps()), http.MethodGet, "/health", "")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestRouter_WhenOriginAllowed_SetsCORSHeaders(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.CORSOrigins = []string{"https://dash.example"}
	h := NewRouter(deps)

	rec := do(t, h, http.MethodGet, "/health", "", "Origin", "https://dash.example")
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/health", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_WhenWildcardOrigin_AllowsAnyOrigin(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.CORSOrigins = []string{"*"}

	rec := do(t, NewRouter(deps), http.MethodGet, "/health", "", "Origin", "https://dash.example")
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_WhenPreflight_AnswersBeforeAuth(t *testing.T) {
	t.Parallel()

	deps := newDeps()
	deps.CORSOrigins = []string{"https://dash.example"}
	deps.Tokens = allowTokens{"secret": true}

	rec := do(t, NewRouter(deps), http.MethodOptions, "/chat", "",
		"Origin", "https://dash.example",
		"Access-Control-Request-Method", http.MethodPost,
		"Access-Control-Request-Headers", "authorization, content-type")

	assert.GreaterOrEqual(t, rec.Code, http.StatusOK)
	assert.Less(t, rec.Code, http.StatusMultipleChoices)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRouter_WhenNoCORSOrigins_OmitsCORSHeaders(t *testing.T) {
	t.Parallel()

	rec := do(t, NewRouter(newDeps()), http.MethodGet, "/health", "", "Origin", "https://dash.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
