package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/pvepilot/internal/stream"
)

// Submitter hands a chat request to the agent.
type Submitter interface {
	Submit(ctx context.Context, threadID int64, message string) error
}

// Runner starts an agent execution for one message.
type Runner interface {
	Run(threadID int64, message string) stream.StepSource
}

// Local runs the agent in-process. The run is detached from the webhook
// request, and its events reach /monitor viewers through the translator.
type Local struct {
	agent      Runner
	translator *stream.Translator
}

// NewLocal creates an in-process Submitter.
func NewLocal(agent Runner, translator *stream.Translator) *Local {
	return &Local{agent: agent, translator: translator}
}

// Submit starts the execution and returns immediately.
func (l *Local) Submit(ctx context.Context, threadID int64, message string) error {
	runCtx := context.WithoutCancel(ctx)
	src := l.agent.Run(threadID, message)
	go func() {
		state := l.translator.Translate(runCtx, src, threadID, message, nil)
		slog.Info("alert handled", "thread_id", threadID, "state", string(state))
	}()
	return nil
}

// StatusError reports a non-2xx answer from the remote agent.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("PVE Agent returned error: %s", e.Status)
}

// Forwarder POSTs chat requests to a remote /chat endpoint and waits for the
// reply stream to finish.
type Forwarder struct {
	url    string
	token  string
	client *http.Client
}

// NewForwarder creates a Forwarder. token, when set, is sent as a bearer token.
func NewForwarder(url, token string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID int64  `json:"thread_id"`
}

// Submit posts the message and drains the SSE reply.
func (f *Forwarder) Submit(ctx context.Context, threadID int64, message string) error {
	body, err := json.Marshal(chatRequest{Message: message, ThreadID: threadID})
	if err != nil {
		return fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding alert to %s: %w", f.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading reply from %s: %w", f.url, err)
	}
	return nil
}
