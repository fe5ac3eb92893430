package job

import (
	"fmt"
	"time"
)

// Handle names one asynchronous operation accepted by a PVE node.
// ID is the UPID returned by the submission call.
type Handle struct {
	Node string `json:"node"`
	ID   string `json:"upid"`
}

func (h Handle) String() string {
	return h.Node + "/" + h.ID
}

// Kind tags the terminal result of a job.
type Kind string

const (
	KindSucceeded      Kind = "succeeded"
	KindFailed         Kind = "failed"
	KindTimedOut       Kind = "timed_out"
	KindTransportError Kind = "transport_error"
)

// Outcome is the single terminal result reported for a Handle.
type Outcome struct {
	Kind       Kind          `json:"kind"`
	Handle     Handle        `json:"handle"`
	ExitStatus string        `json:"exit_status,omitempty"`
	LastStatus string        `json:"last_status,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	Polls      int           `json:"polls"`
}

// Succeeded reports whether the job stopped with an OK exit status.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindSucceeded
}

// String renders the outcome in the form returned to tool callers.
func (o Outcome) String() string {
	switch o.Kind {
	case KindSucceeded:
		return fmt.Sprintf("SUCCESS: Task %s completed successfully. Exit status: %s", o.Handle.ID, o.ExitStatus)
	case KindFailed:
		return fmt.Sprintf("FAILURE: Task %s finished with error. Exit status: %s. Check PVE task log for details.", o.Handle.ID, o.ExitStatus)
	case KindTimedOut:
		return fmt.Sprintf("ERROR: Task %s timed out after %d seconds. Current status: %s", o.Handle.ID, int(o.Timeout.Seconds()), o.LastStatus)
	default:
		return fmt.Sprintf("ERROR: Failed to fetch task status for %s. Details: %s", o.Handle.ID, o.Detail)
	}
}
