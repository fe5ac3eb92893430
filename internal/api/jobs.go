package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/pvepilot/internal/job"
	"github.com/btouchard/pvepilot/internal/store"
)

type jobView struct {
	job.Snapshot
	Duration string `json:"duration"`
	Result   string `json:"result,omitempty"`
}

func newJobView(s job.Snapshot) jobView {
	v := jobView{Snapshot: s, Duration: s.FormatDuration()}
	if s.Outcome != nil {
		v.Result = s.Outcome.String()
	}
	return v
}

type jobRecordView struct {
	UPID        string    `json:"upid"`
	Node        string    `json:"node"`
	Operation   string    `json:"operation,omitempty"`
	State       string    `json:"state"`
	ExitStatus  string    `json:"exit_status,omitempty"`
	LastStatus  string    `json:"last_status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Polls       int       `json:"polls"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

func newJobRecordView(r store.JobRecord) jobRecordView {
	return jobRecordView{
		UPID:        r.UPID,
		Node:        r.Node,
		Operation:   r.Operation,
		State:       r.State,
		ExitStatus:  r.ExitStatus,
		LastStatus:  r.LastStatus,
		Detail:      r.Detail,
		Polls:       r.Polls,
		SubmittedAt: r.SubmittedAt,
		CompletedAt: r.CompletedAt,
	}
}

func queryLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	q := r.URL.Query()

	snaps := s.deps.Jobs.List(job.Filter{
		State: q.Get("state"),
		Node:  q.Get("node"),
		Limit: limit,
	})

	views := make([]jobView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, newJobView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

// handleGetJob reports one job. The tracker serves jobs from before the last
// restart from its journal.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	upid := chi.URLParam(r, "upid")

	snap, err := s.deps.Jobs.Get(upid)
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found: "+upid)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, newJobView(snap))
	}
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "job history is not available")
		return
	}
	limit, ok := queryLimit(r, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	q := r.URL.Query()

	f := store.JobFilter{State: q.Get("state"), Node: q.Get("node"), Limit: limit}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}

	records, err := s.deps.History.ListJobs(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]jobRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newJobRecordView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}
