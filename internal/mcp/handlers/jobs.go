package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/job"
)

const (
	longPollInterval = 500 * time.Millisecond
	longPollMaxWait  = 30
)

// MonitorTask returns a handler that blocks until a PVE task finishes or
// times out and reports the outcome. Concurrent monitors of the same UPID
// share a single poll.
func MonitorTask(tracker *job.Tracker) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		node := stringArg(args, "node")
		upid := stringArg(args, "upid")
		if node == "" || upid == "" {
			return mcp.NewToolResultError("node and upid are required"), nil
		}

		timeout := tracker.DefaultTimeout()
		if secs, ok := intArg(args, "timeout"); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}

		out := tracker.Await(ctx, job.Handle{Node: node, ID: upid}, timeout)
		return mcp.NewToolResultText(out.String()), nil
	}
}

// CheckJob returns a handler that reports a job's current state without
// starting a poll. When wait_seconds > 0 and the job is still active, it
// long-polls until the state changes or the wait expires.
func CheckJob(tracker *job.Tracker) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		upid := stringArg(args, "upid")
		if upid == "" {
			return mcp.NewToolResultError("upid is required"), nil
		}

		snap, err := tracker.Get(upid)
		if errors.Is(err, job.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Job not found: %s", upid)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		waitSeconds := 0
		if w, ok := intArg(args, "wait_seconds"); ok && w > 0 {
			waitSeconds = min(w, longPollMaxWait)
		}

		if waitSeconds > 0 && !snap.State.IsTerminal() {
			snap = waitForChange(ctx, tracker, snap, time.Duration(waitSeconds)*time.Second)
		}

		return mcp.NewToolResultText(formatJob(snap)), nil
	}
}

// waitForChange re-reads the job until its state changes or the timeout
// expires. Poll-count changes alone do not end the wait.
func waitForChange(ctx context.Context, tracker *job.Tracker, initial job.Snapshot, timeout time.Duration) job.Snapshot {
	deadline := time.After(timeout)
	ticker := time.NewTicker(longPollInterval)
	defer ticker.Stop()

	last := initial
	for {
		select {
		case <-ctx.Done():
			return last
		case <-deadline:
			return last
		case <-ticker.C:
			snap, err := tracker.Get(initial.Handle.ID)
			if err != nil {
				return last
			}
			last = snap
			if snap.State != initial.State {
				return snap
			}
		}
	}
}

func formatJob(snap job.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Job: %s\n", snap.Handle.ID)
	fmt.Fprintf(&b, "Node: %s\n", snap.Handle.Node)
	if snap.Operation != "" {
		fmt.Fprintf(&b, "Operation: %s\n", snap.Operation)
	}
	fmt.Fprintf(&b, "State: %s\n", snap.State)
	fmt.Fprintf(&b, "Duration: %s\n", snap.FormatDuration())

	switch {
	case snap.Outcome != nil:
		fmt.Fprintf(&b, "Result: %s\n", snap.Outcome.String())
	case snap.LastStatus != "":
		fmt.Fprintf(&b, "PVE status: %s (after %d polls)\n", snap.LastStatus, snap.Polls)
	case snap.State == job.StateSubmitted:
		b.WriteString("\nNot monitored yet. Use monitor_pve_task to wait for completion.")
	}

	return b.String()
}

// ListJobs returns a handler that lists tracked jobs with optional filters.
func ListJobs(tracker *job.Tracker) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		filter := job.Filter{
			Limit: 20,
		}
		filter.State = stringArg(args, "state")
		filter.Node = stringArg(args, "node")
		if limit, ok := intArg(args, "limit"); ok && limit > 0 {
			filter.Limit = limit
		}

		jobs := tracker.List(filter)
		if len(jobs) == 0 {
			return mcp.NewToolResultText("No jobs found matching the given filters."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📋 Jobs (%d found)\n\n", len(jobs))

		for _, j := range jobs {
			fmt.Fprintf(&sb, "%s **%s** — %s\n", stateIcon(j.State), j.Handle.ID, j.State)
			op := j.Operation
			if op == "" {
				op = "unknown"
			}
			fmt.Fprintf(&sb, "  Node: %s | Operation: %s | Duration: %s\n", j.Handle.Node, op, j.FormatDuration())
			if j.Outcome != nil && !j.Outcome.Succeeded() {
				fmt.Fprintf(&sb, "  %s\n", j.Outcome.String())
			}
			sb.WriteString("\n")
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func stateIcon(s job.State) string {
	switch s {
	case job.StateSubmitted:
		return "📥"
	case job.StatePolling:
		return "🔄"
	case job.StateSucceeded:
		return "✅"
	case job.StateFailed:
		return "❌"
	case job.StateTimedOut:
		return "⏱️"
	case job.StateTransportError:
		return "⚠️"
	default:
		return "❓"
	}
}
