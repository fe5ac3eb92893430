package notify

import (
	"sync"
	"time"

	"github.com/btouchard/pvepilot/internal/config"
	"github.com/btouchard/pvepilot/internal/job"
)

// Notifier sends job lifecycle notifications.
type Notifier interface {
	Notify(event job.Event)
}

// Hub dispatches events to multiple notifiers. Each notifier has its own
// queue and worker and receives events in the order they were emitted.
type Hub struct {
	workers []*worker
}

// NewHub creates a Hub with the given notifiers and starts their workers.
func NewHub(notifiers ...Notifier) *Hub {
	h := &Hub{}
	for _, n := range notifiers {
		h.workers = append(h.workers, newWorker(n))
	}
	return h
}

// FromConfig builds the hub described by the notifications section. sender
// may be nil when no MCP server runs in-process.
func FromConfig(cfg config.NotificationsConfig, sender MCPSender) *Hub {
	var notifiers []Notifier
	if cfg.MCP.Enabled && sender != nil {
		notifiers = append(notifiers, NewMCPNotifier(sender, 3*time.Second))
	}
	for _, wh := range cfg.Webhooks {
		notifiers = append(notifiers, NewWebhookNotifier(wh))
	}
	return NewHub(notifiers...)
}

// Len returns the number of registered notifiers.
func (h *Hub) Len() int {
	return len(h.workers)
}

// Notify queues an event for all registered notifiers. It never blocks on a
// slow notifier, so it is safe to call from the poll loop.
func (h *Hub) Notify(event job.Event) {
	for _, w := range h.workers {
		w.push(event)
	}
}

// Close delivers the queued events and stops the workers. Events notified
// after Close are dropped.
func (h *Hub) Close() {
	for _, w := range h.workers {
		w.close()
	}
}

type worker struct {
	n    Notifier
	wake chan struct{}
	done chan struct{}

	mu     sync.Mutex
	queue  []job.Event
	closed bool
}

func newWorker(n Notifier) *worker {
	w := &worker{
		n:    n,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) push(e job.Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	w.signal()
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch, closed := w.queue, w.closed
		w.queue = nil
		w.mu.Unlock()

		for _, e := range batch {
			w.n.Notify(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *worker) close() {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()
	if !already {
		w.signal()
	}
	<-w.done
}

func isTerminal(eventType string) bool {
	switch eventType {
	case "job.succeeded", "job.failed", "job.timed_out", "job.error":
		return true
	}
	return false
}
