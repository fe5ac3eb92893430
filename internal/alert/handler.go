package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Handler returns the Alertmanager webhook endpoint. Every alert batch becomes
// one chat request on threadID.
func Handler(sub Submitter, threadID int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&p); err != nil {
			writeJSON(w, http.StatusInternalServerError, response{
				Status:  "error",
				Message: fmt.Sprintf("Internal server error: invalid alert payload: %v", err),
			})
			return
		}

		slog.Info("alert received",
			"receiver", p.Receiver,
			"status", p.Status,
			"alerts", len(p.Alerts))

		if err := sub.Submit(r.Context(), threadID, Message(p)); err != nil {
			slog.Error("alert forwarding failed", "thread_id", threadID, "error", err)

			msg := fmt.Sprintf("Internal server error: %v", err)
			if _, ok := errors.AsType[*StatusError](err); ok {
				msg = err.Error()
			}
			writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: msg})
			return
		}

		writeJSON(w, http.StatusOK, response{Status: "success", Message: "Alert forwarded to PVE Agent."})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
