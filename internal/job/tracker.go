package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/btouchard/pvepilot/internal/store"
)

// ErrNotFound is returned for a UPID the Tracker has never seen.
var ErrNotFound = errors.New("job not found")

// Event represents a job state change for notification dispatch.
type Event struct {
	Type      string // "job.submitted", "job.progress", "job.succeeded", "job.failed", "job.timed_out", "job.error"
	Handle    Handle
	Operation string
	Message   string

	// Session is the MCP session that submitted the job, if any.
	Session string
}

// NotifyFunc is called when a job lifecycle event occurs.
type NotifyFunc func(Event)

// Journal persists job records.
type Journal interface {
	UpsertJob(j *store.JobRecord) error
	GetJob(upid string) (*store.JobRecord, error)
}

// Filter specifies criteria for listing jobs.
type Filter struct {
	State string
	Node  string
	Limit int
}

// Tracker owns every job handle known to the process and guarantees a
// single poll, and so a single Outcome, per handle.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	poller         *Poller
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	journal        Journal
	onNotify       NotifyFunc
}

// NewTracker creates a Tracker polling through fetcher.
func NewTracker(fetcher StatusFetcher, interval, defaultTimeout, maxTimeout time.Duration) *Tracker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if maxTimeout < defaultTimeout {
		maxTimeout = defaultTimeout
	}
	t := &Tracker{
		jobs:           make(map[string]*Job),
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
	t.poller = NewPoller(fetcher, WithInterval(interval), WithProgress(t.onPoll))
	return t
}

// SetJournal sets where job records are persisted.
func (t *Tracker) SetJournal(j Journal) {
	t.journal = j
}

// SetNotifyFunc sets the callback for job lifecycle events.
func (t *Tracker) SetNotifyFunc(fn NotifyFunc) {
	t.onNotify = fn
}

// DefaultTimeout returns the timeout applied when callers pass none.
func (t *Tracker) DefaultTimeout() time.Duration {
	return t.defaultTimeout
}

// Register records a freshly submitted job. Registering a known UPID returns
// the existing job.
func (t *Tracker) Register(h Handle, operation string) *Job {
	return t.RegisterSession(h, operation, "")
}

// RegisterSession is Register for a job submitted from an MCP session, so
// that lifecycle notifications can target that client.
func (t *Tracker) RegisterSession(h Handle, operation, session string) *Job {
	j, created := t.getOrCreate(h, operation, session)
	if created {
		slog.Info("job registered",
			"upid", h.ID,
			"node", h.Node,
			"operation", operation)
		t.persist(j)
		msg := "job submitted"
		if operation != "" {
			msg = operation + " submitted"
		}
		t.emit(j, "job.submitted", msg)
	}
	return j
}

func (t *Tracker) getOrCreate(h Handle, operation, session string) (*Job, bool) {
	t.mu.RLock()
	j, ok := t.jobs[h.ID]
	t.mu.RUnlock()
	if ok {
		return j, false
	}

	// A job pruned from memory keeps its recorded outcome.
	restored := t.lookupFinished(h.ID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if j, ok := t.jobs[h.ID]; ok {
		return j, false
	}
	if restored != nil {
		t.jobs[h.ID] = restored
		return restored, false
	}
	j = newJob(h, operation)
	j.session = session
	t.jobs[h.ID] = j
	return j, true
}

func (t *Tracker) lookupFinished(upid string) *Job {
	if t.journal == nil {
		return nil
	}
	rec, err := t.journal.GetJob(upid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to read job journal", "upid", upid, "error", err)
		}
		return nil
	}
	snap := snapshotFromRecord(rec)
	if !snap.State.IsTerminal() {
		return nil
	}
	return restoreJob(snap)
}

// Prune forgets finished jobs completed before olderThan and returns how many
// were removed. Get and Await still serve them from the journal.
func (t *Tracker) Prune(olderThan time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for upid, j := range t.jobs {
		snap := j.Snapshot()
		if snap.State.IsTerminal() && snap.CompletedAt.Before(olderThan) {
			delete(t.jobs, upid)
			n++
		}
	}
	if n > 0 {
		slog.Debug("pruned finished jobs", "count", n, "remaining", len(t.jobs))
	}
	return n
}

// Await waits for the outcome of h. The first caller starts the poll; any
// other caller joins it or, once it finished, receives the recorded outcome.
// The poll itself is detached from ctx: a caller that stops waiting gets a
// transport error while the job keeps being tracked.
func (t *Tracker) Await(ctx context.Context, h Handle, timeout time.Duration) Outcome {
	j := t.Register(h, "")

	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	if timeout > t.maxTimeout {
		slog.Warn("job timeout clamped to max",
			"upid", h.ID,
			"requested", timeout,
			"max", t.maxTimeout)
		timeout = t.maxTimeout
	}

	if j.claim() {
		go t.run(j, timeout)
	}

	select {
	case <-j.Done():
		out, _ := j.Outcome()
		return out
	case <-ctx.Done():
		return Outcome{
			Kind:    KindTransportError,
			Handle:  h,
			Timeout: timeout,
			Detail:  "stopped waiting: " + ctx.Err().Error(),
		}
	}
}

func (t *Tracker) run(j *Job, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job poll panicked",
				"upid", j.Handle.ID,
				"panic", r)
			t.finish(j, Outcome{
				Kind:    KindTransportError,
				Handle:  j.Handle,
				Timeout: timeout,
				Detail:  fmt.Sprintf("internal panic: %v", r),
			})
		}
	}()

	// The poller enforces timeout itself; the context only bounds a hung fetch.
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Minute)
	defer cancel()

	t.emit(j, "job.progress", "polling started")
	t.finish(j, t.poller.AwaitCompletion(ctx, j.Handle, timeout))
}

func (t *Tracker) finish(j *Job, out Outcome) {
	if !j.complete(out) {
		return
	}

	slog.Info("job finished",
		"upid", j.Handle.ID,
		"node", j.Handle.Node,
		"kind", string(out.Kind),
		"polls", out.Polls)

	t.persist(j)

	eventType := "job.error"
	switch out.Kind {
	case KindSucceeded:
		eventType = "job.succeeded"
	case KindFailed:
		eventType = "job.failed"
	case KindTimedOut:
		eventType = "job.timed_out"
	}
	t.emit(j, eventType, out.String())
}

func (t *Tracker) onPoll(h Handle, s Status, polls int) {
	t.mu.RLock()
	j, ok := t.jobs[h.ID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	j.observe(s, polls)
	t.emit(j, "job.progress", fmt.Sprintf("status %s (poll %d)", s.Status, polls))
}

// Get returns the job with the given UPID. Jobs from a previous run are
// served from the journal.
func (t *Tracker) Get(upid string) (Snapshot, error) {
	t.mu.RLock()
	j, ok := t.jobs[upid]
	t.mu.RUnlock()
	if ok {
		return j.Snapshot(), nil
	}

	if t.journal != nil {
		rec, err := t.journal.GetJob(upid)
		if err == nil {
			return snapshotFromRecord(rec), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("reading job %q: %w", upid, err)
		}
	}
	return Snapshot{}, fmt.Errorf("job %q: %w", upid, ErrNotFound)
}

// List returns tracked jobs matching filter, newest first.
func (t *Tracker) List(filter Filter) []Snapshot {
	t.mu.RLock()
	results := make([]Snapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		snap := j.Snapshot()
		if filter.State != "" && filter.State != "all" && string(snap.State) != filter.State {
			continue
		}
		if filter.Node != "" && snap.Handle.Node != filter.Node {
			continue
		}
		results = append(results, snap)
	}
	t.mu.RUnlock()

	slices.SortFunc(results, func(a, b Snapshot) int {
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

func (t *Tracker) persist(j *Job) {
	if t.journal == nil {
		return
	}
	snap := j.Snapshot()
	rec := &store.JobRecord{
		UPID:        snap.Handle.ID,
		Node:        snap.Handle.Node,
		Operation:   snap.Operation,
		State:       string(snap.State),
		LastStatus:  snap.LastStatus,
		Polls:       snap.Polls,
		SubmittedAt: snap.SubmittedAt,
		CompletedAt: snap.CompletedAt,
	}
	if snap.Outcome != nil {
		rec.ExitStatus = snap.Outcome.ExitStatus
		rec.Detail = snap.Outcome.Detail
	}
	if err := t.journal.UpsertJob(rec); err != nil {
		slog.Warn("failed to persist job", "upid", snap.Handle.ID, "error", err)
	}
}

// emit sends a job event to the notify callback if one is set.
func (t *Tracker) emit(j *Job, eventType, message string) {
	if t.onNotify == nil {
		return
	}
	j.mu.RLock()
	op, session := j.Operation, j.session
	j.mu.RUnlock()

	t.onNotify(Event{
		Type:      eventType,
		Handle:    j.Handle,
		Operation: op,
		Message:   message,
		Session:   session,
	})
}

func snapshotFromRecord(rec *store.JobRecord) Snapshot {
	snap := Snapshot{
		Handle:      Handle{Node: rec.Node, ID: rec.UPID},
		Operation:   rec.Operation,
		State:       State(rec.State),
		LastStatus:  rec.LastStatus,
		Polls:       rec.Polls,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
	}
	if snap.State.IsTerminal() {
		snap.Outcome = &Outcome{
			Kind:       Kind(rec.State),
			Handle:     snap.Handle,
			ExitStatus: rec.ExitStatus,
			LastStatus: rec.LastStatus,
			Detail:     rec.Detail,
			Polls:      rec.Polls,
		}
	}
	return snap
}
