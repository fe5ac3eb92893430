package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/pvepilot/internal/job"
)

// MCPSender abstracts the mcp-go server notification methods.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes job updates to connected MCP clients.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // UPID → last progress notification
}

// NewMCPNotifier creates an MCPNotifier. Progress events for one job are sent
// at most once per debounce interval; terminal events always go out.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event job.Event) {
	switch event.Type {
	case "job.progress":
		n.sendProgress(event)
	case "job.submitted", "job.succeeded":
		n.finishIfTerminal(event)
		n.sendMessage(event, "info")
	case "job.failed", "job.error":
		n.finishIfTerminal(event)
		n.sendMessage(event, "error")
	case "job.timed_out":
		n.finishIfTerminal(event)
		n.sendMessage(event, "warning")
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

func (n *MCPNotifier) sendProgress(event job.Event) {
	upid := event.Handle.ID

	n.mu.Lock()
	last, ok := n.lastSent[upid]
	if ok && time.Since(last) < n.debounce {
		n.mu.Unlock()
		return
	}
	n.lastSent[upid] = time.Now()
	n.mu.Unlock()

	n.send(event.Session, "notifications/progress", map[string]any{
		"progressToken": upid,
		"progress":      -1, // indeterminate
		"total":         1,
		"message":       event.Message,
	})
}

func (n *MCPNotifier) sendMessage(event job.Event, level string) {
	n.send(event.Session, "notifications/message", map[string]any{
		"level":  level,
		"logger": "pvepilot",
		"data": map[string]any{
			"type":      event.Type,
			"upid":      event.Handle.ID,
			"node":      event.Handle.Node,
			"operation": event.Operation,
			"message":   event.Message,
		},
	})
}

// send dispatches to the submitting session, falling back to a broadcast
// when that session is gone.
func (n *MCPNotifier) send(session, method string, params map[string]any) {
	if session != "" {
		err := n.sender.SendNotificationToSpecificClient(session, method, params)
		if err == nil {
			return
		}
		slog.Debug("mcp notification failed, falling back to broadcast",
			"session_id", session,
			"method", method,
			"error", err)
	}
	n.sender.SendNotificationToAllClients(method, params)
}

func (n *MCPNotifier) finishIfTerminal(event job.Event) {
	if !isTerminal(event.Type) {
		return
	}
	n.mu.Lock()
	delete(n.lastSent, event.Handle.ID)
	n.mu.Unlock()
}
