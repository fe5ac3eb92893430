package job

import (
	"fmt"
	"sync"
	"time"
)

// State represents the lifecycle state of a tracked job.
type State string

const (
	StateSubmitted      State = "submitted"
	StatePolling        State = "polling"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateTimedOut       State = "timed_out"
	StateTransportError State = "transport_error"
)

// IsTerminal reports whether no further polling happens in this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateTransportError:
		return true
	}
	return false
}

func stateOf(k Kind) State {
	switch k {
	case KindSucceeded:
		return StateSucceeded
	case KindFailed:
		return StateFailed
	case KindTimedOut:
		return StateTimedOut
	default:
		return StateTransportError
	}
}

// Job is one PVE task known to the Tracker.
type Job struct {
	mu sync.RWMutex

	Handle    Handle
	Operation string
	State     State

	session     string
	lastStatus  string
	polls       int
	outcome     *Outcome
	started     bool
	SubmittedAt time.Time
	CompletedAt time.Time

	done chan struct{}
}

func newJob(h Handle, operation string) *Job {
	return &Job{
		Handle:      h,
		Operation:   operation,
		State:       StateSubmitted,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// restoreJob rebuilds a finished job from its journal snapshot. It is never
// polled again.
func restoreJob(snap Snapshot) *Job {
	j := &Job{
		Handle:      snap.Handle,
		Operation:   snap.Operation,
		State:       snap.State,
		lastStatus:  snap.LastStatus,
		polls:       snap.Polls,
		outcome:     snap.Outcome,
		started:     true,
		SubmittedAt: snap.SubmittedAt,
		CompletedAt: snap.CompletedAt,
		done:        make(chan struct{}),
	}
	close(j.done)
	return j
}

// Done returns a channel that is closed once the outcome is recorded.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the recorded outcome, if any.
func (j *Job) Outcome() (Outcome, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.outcome == nil {
		return Outcome{}, false
	}
	return *j.outcome, true
}

// claim marks the job as polled and reports whether the caller is the
// first to do so.
func (j *Job) claim() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return false
	}
	j.started = true
	j.State = StatePolling
	return true
}

func (j *Job) observe(s Status, polls int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastStatus = s.Status
	j.polls = polls
}

// complete records out. Only the first call has an effect.
func (j *Job) complete(out Outcome) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.outcome != nil {
		return false
	}
	j.outcome = &out
	j.State = stateOf(out.Kind)
	j.polls = out.Polls
	if out.LastStatus != "" {
		j.lastStatus = out.LastStatus
	}
	j.CompletedAt = time.Now()
	close(j.done)
	return true
}

// Snapshot returns a read-consistent copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		Handle:      j.Handle,
		Operation:   j.Operation,
		State:       j.State,
		LastStatus:  j.lastStatus,
		Polls:       j.polls,
		SubmittedAt: j.SubmittedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.outcome != nil {
		out := *j.outcome
		snap.Outcome = &out
	}
	return snap
}

// Snapshot is a read-only copy of a Job's state at a point in time.
type Snapshot struct {
	Handle      Handle    `json:"handle"`
	Operation   string    `json:"operation,omitempty"`
	State       State     `json:"state"`
	LastStatus  string    `json:"last_status,omitempty"`
	Polls       int       `json:"polls"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Duration returns the elapsed time from submission to completion (or now).
func (s Snapshot) Duration() time.Duration {
	end := s.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.SubmittedAt)
}

// FormatDuration returns a human-readable duration string.
func (s Snapshot) FormatDuration() string {
	d := s.Duration()
	if d < time.Second {
		return "< 1s"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
