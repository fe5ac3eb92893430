package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/pvepilot/internal/sse"
)

const defaultThreadID int64 = 1

const agentUnavailable = "Agent not initialized. Check server logs for MCP connection failure."

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID *int64 `json:"thread_id"`
}

// handleChat streams the events of one agent execution back to the caller.
// The execution keeps running, and keeps broadcasting, if the caller leaves.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, agentUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	threadID := defaultThreadID
	if req.ThreadID != nil {
		threadID = *req.ThreadID
	}

	slog.Info("chat request",
		"thread_id", threadID,
		"request_id", middleware.GetReqID(r.Context()))

	src := s.deps.Agent.Run(threadID, req.Message)
	reply := s.deps.Translator.Start(r.Context(), src, threadID, req.Message)
	defer reply.Close()

	sw := sse.NewWriter(w)
	if err := sse.Pipe(r.Context(), sw, reply, s.deps.KeepAlive); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("chat stream ended", "thread_id", threadID, "error", err)
	}
}

// handleMonitor attaches an observer to the broadcast feed for the lifetime
// of the connection.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	sub := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(sub)

	slog.Info("monitor attached", "subscriber", sub.ID(), "remote", r.RemoteAddr)

	sw := sse.NewWriter(w)
	err := sse.Pipe(r.Context(), sw, sub, s.deps.KeepAlive)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Info("monitor detached", "subscriber", sub.ID(), "reason", err)
		return
	}
	slog.Info("monitor detached", "subscriber", sub.ID())
}

func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bus.Stats())
}
