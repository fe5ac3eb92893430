package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/job"
	"github.com/btouchard/pvepilot/internal/pve"
)

// DurationEstimator provides the average duration of finished jobs of one
// operation. Defined at the consumer side per Go convention.
type DurationEstimator interface {
	GetAverageJobDuration(operation string) (time.Duration, int, error)
}

// Operations as reported to the model and recorded on jobs.
const (
	OpCreate   = "VM creation"
	OpStart    = "VM start"
	OpShutdown = "VM shutdown"
	OpReboot   = "VM reboot"
	OpClone    = "VM clone"
	OpDelete   = "VM deletion"
	OpConfig   = "VM config update"
)

// submitter wires a mutating PVE call to job registration.
type submitter struct {
	tracker   *job.Tracker
	estimator DurationEstimator
}

// result renders the answer to a submission. A started task is registered
// with the tracker so that its progress reaches job listings and
// notifications before anyone monitors it.
func (s submitter) result(ctx context.Context, op string, sub pve.Submission, err error) *mcp.CallToolResult {
	if err != nil {
		return mcp.NewToolResultText("API ERROR: " + err.Error())
	}

	switch {
	case sub.Async():
		session := ""
		if sess := server.ClientSessionFromContext(ctx); sess != nil {
			session = sess.SessionID()
		}
		if s.tracker != nil {
			s.tracker.RegisterSession(*sub.Handle, op, session)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "SUCCESS: %s task started. UPID: %s. Use monitor_pve_task to track.", op, sub.Handle.ID)
		s.writeEstimate(&b, op)
		return mcp.NewToolResultText(b.String())

	case sub.Synchronous():
		return mcp.NewToolResultText(fmt.Sprintf("SUCCESS: %s completed successfully (synchronous operation).", op))

	default:
		return mcp.NewToolResultText(fmt.Sprintf(
			"ERROR: API call failed with unexpected response structure. Response details: %s", string(sub.Data)))
	}
}

func (s submitter) writeEstimate(b *strings.Builder, op string) {
	if s.estimator == nil {
		return
	}
	avg, count, err := s.estimator.GetAverageJobDuration(op)
	if err != nil {
		slog.Warn("failed to get average job duration",
			"operation", op,
			"error", err)
		return
	}
	if count == 0 || avg <= 0 {
		return
	}
	fmt.Fprintf(b, "\nEstimated duration: ~%s (based on %d previous %s jobs)", formatEstimate(avg), count, op)
}

// formatEstimate returns a human-readable duration like "3m" or "45s".
func formatEstimate(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// CreateVM returns a handler that creates a guest with minimal configuration.
func CreateVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	s := submitter{tracker: tracker, estimator: est}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}
		args := req.GetArguments()

		node, vmid, bad := nodeAndVMID(args, "vmid")
		if bad != nil {
			return bad, nil
		}
		memory, ok := intArg(args, "memory_mb")
		if !ok || memory <= 0 {
			return mcp.NewToolResultError("memory_mb must be a positive integer"), nil
		}
		cores, ok := intArg(args, "cores")
		if !ok || cores <= 0 {
			return mcp.NewToolResultError("cores must be a positive integer"), nil
		}
		name := stringArg(args, "vm_name")
		if name == "" {
			return mcp.NewToolResultError("vm_name is required"), nil
		}

		sub, err := c.CreateVM(ctx, node, pve.CreateVMParams{VMID: vmid, Name: name, MemoryMB: memory, Cores: cores})
		return s.result(ctx, OpCreate, sub, err), nil
	}
}

type powerFunc func(ctx context.Context, node string, vmid int) (pve.Submission, error)

func powerHandler(c *pve.Client, s submitter, op string, call powerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}
		node, vmid, bad := nodeAndVMID(req.GetArguments(), "vmid")
		if bad != nil {
			return bad, nil
		}
		sub, err := call(ctx, node, vmid)
		return s.result(ctx, op, sub, err), nil
	}
}

// StartVM returns a handler that powers a guest on.
func StartVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	return powerHandler(c, submitter{tracker: tracker, estimator: est}, OpStart, c.StartVM)
}

// ShutdownVM returns a handler that shuts a guest down gracefully.
func ShutdownVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	return powerHandler(c, submitter{tracker: tracker, estimator: est}, OpShutdown, c.ShutdownVM)
}

// RebootVM returns a handler that reboots a guest.
func RebootVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	return powerHandler(c, submitter{tracker: tracker, estimator: est}, OpReboot, c.RebootVM)
}

// DeleteVM returns a handler that destroys a guest.
func DeleteVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	return powerHandler(c, submitter{tracker: tracker, estimator: est}, OpDelete, c.DeleteVM)
}

// CloneVM returns a handler that clones a guest or template.
func CloneVM(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	s := submitter{tracker: tracker, estimator: est}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}
		args := req.GetArguments()

		node, source, bad := nodeAndVMID(args, "source_vmid")
		if bad != nil {
			return bad, nil
		}
		newID, ok := intArg(args, "new_vmid")
		if !ok || newID <= 0 {
			return mcp.NewToolResultError("new_vmid must be a positive integer"), nil
		}
		name := stringArg(args, "new_name")
		if name == "" {
			return mcp.NewToolResultError("new_name is required"), nil
		}

		sub, err := c.CloneVM(ctx, node, source, pve.CloneVMParams{
			NewID: newID,
			Name:  name,
			Full:  boolArg(args, "full_clone", true),
		})
		return s.result(ctx, OpClone, sub, err), nil
	}
}

// UpdateVMConfig returns a handler that sets configuration keys on a guest.
func UpdateVMConfig(c *pve.Client, tracker *job.Tracker, est DurationEstimator) server.ToolHandlerFunc {
	s := submitter{tracker: tracker, estimator: est}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}
		args := req.GetArguments()

		node, vmid, bad := nodeAndVMID(args, "vmid")
		if bad != nil {
			return bad, nil
		}
		updates, ok := args["updates"].(map[string]any)
		if !ok || len(updates) == 0 {
			return mcp.NewToolResultError("updates must be a non-empty object of configuration keys"), nil
		}

		sub, err := c.UpdateVMConfig(ctx, node, vmid, updates)
		return s.result(ctx, OpConfig, sub, err), nil
	}
}
