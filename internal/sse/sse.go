// Package sse writes events as Server-Sent Events frames.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/btouchard/pvepilot/internal/event"
)

// Label returns the frame label for k. Thoughts and tool frames are
// unlabeled and rely on the "type" field of their payload.
func Label(k event.Kind) string {
	switch k {
	case event.KindStart:
		return "start"
	case event.KindAnswer:
		return "result"
	case event.KindError:
		return "error"
	case event.KindDone:
		return "done"
	}
	return ""
}

// ErrEncode is returned by Frame and Send when an event cannot be encoded.
// Nothing has been written to the stream in that case.
var ErrEncode = errors.New("encoding event")

// Frame encodes e as one self-delimited frame.
func Frame(e event.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrEncode, e.Kind, err)
	}

	var b bytes.Buffer
	if label := Label(e.Kind); label != "" {
		b.WriteString("event: ")
		b.WriteString(label)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// Writer streams frames on an HTTP response, flushing after each one.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter sends the event-stream headers and lifts the server write
// deadline, which would otherwise cut long-lived streams.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	return &Writer{w: w, rc: rc}
}

// Send writes one event frame and flushes it.
func (s *Writer) Send(e event.Event) error {
	frame, err := Frame(e)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return s.flush()
}

// Comment writes a comment line, ignored by clients; used as keep-alive.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("writing comment: %w", err)
	}
	return s.flush()
}

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flushing: %w", err)
	}
	return nil
}

// Source yields events until it is closed.
type Source interface {
	Next(ctx context.Context) (event.Event, error)
}

// Pipe copies events from src to w until src is closed, a write fails or
// ctx ends. When keepAlive is positive, idle streams get a comment frame at
// that interval. A closed source ends the pipe without error. An event that
// cannot be encoded is dropped and the stream goes on.
func Pipe(ctx context.Context, w *Writer, src Source, keepAlive time.Duration) error {
	for {
		nextCtx, cancel := ctx, context.CancelFunc(func() {})
		if keepAlive > 0 {
			nextCtx, cancel = context.WithTimeout(ctx, keepAlive)
		}
		e, err := src.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
			if err := w.Send(e); errors.Is(err, ErrEncode) {
				slog.Warn("dropping unencodable event",
					"thread_id", e.ThreadID,
					"type", string(e.Kind),
					"error", err)
			} else if err != nil {
				return err
			}
		case errors.Is(err, event.ErrClosed):
			return nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := w.Comment("keep-alive"); err != nil {
				return err
			}
		default:
			return err
		}
	}
}
