package job

import (
	"context"
	"time"
)

const (
	// StatusStopped is the PVE task status once a task has finished.
	StatusStopped = "stopped"
	// ExitOK is the exit status PVE reports for a successful task.
	ExitOK = "OK"
	// ExitUnknown stands in when a stopped task reports no exit status.
	ExitUnknown = "N/A"

	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 300 * time.Second
)

// Status is one observation of a remote task.
type Status struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// StatusFetcher reads the current status of a job.
type StatusFetcher interface {
	JobStatus(ctx context.Context, h Handle) (Status, error)
}

// ProgressFunc is called after every successful status fetch.
type ProgressFunc func(h Handle, s Status, polls int)

// Poller waits for PVE tasks to reach a terminal state.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	onPoll   ProgressFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the delay before each status fetch.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProgress registers a callback invoked after each status fetch.
func WithProgress(fn ProgressFunc) PollerOption {
	return func(p *Poller) {
		p.onPoll = fn
	}
}

// NewPoller creates a Poller reading statuses from fetcher.
func NewPoller(fetcher StatusFetcher, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		interval: DefaultInterval,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AwaitCompletion polls h until it stops, the timeout elapses, or a status
// fetch fails. It always returns an Outcome and never polls after returning.
func (p *Poller) AwaitCompletion(ctx context.Context, h Handle, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	out := Outcome{Handle: h, Timeout: timeout}
	start := p.now()

	for {
		if err := p.sleep(ctx, p.interval); err != nil {
			out.Kind = KindTransportError
			out.Detail = "wait interrupted: " + err.Error()
			return out
		}

		st, err := p.fetcher.JobStatus(ctx, h)
		out.Polls++
		if err != nil {
			out.Kind = KindTransportError
			out.Detail = err.Error()
			return out
		}

		if p.onPoll != nil {
			p.onPoll(h, st, out.Polls)
		}

		if st.Status == StatusStopped {
			out.ExitStatus = st.ExitStatus
			if out.ExitStatus == "" {
				out.ExitStatus = ExitUnknown
			}
			if out.ExitStatus == ExitOK {
				out.Kind = KindSucceeded
			} else {
				out.Kind = KindFailed
			}
			return out
		}

		out.LastStatus = st.Status
		if p.now().Sub(start) >= timeout {
			out.Kind = KindTimedOut
			return out
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
