package pve

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/btouchard/pvepilot/internal/job"
)

// TaskStatus reads the status of a task. A finished task reports "stopped"
// and carries its exit status.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (job.Status, error) {
	var st job.Status
	path := "/nodes/" + url.PathEscape(node) + "/tasks/" + url.PathEscape(upid) + "/status"
	if err := c.Do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return job.Status{}, fmt.Errorf("reading task %s: %w", upid, err)
	}
	return st, nil
}

// JobStatus implements job.StatusFetcher.
func (c *Client) JobStatus(ctx context.Context, h job.Handle) (job.Status, error) {
	return c.TaskStatus(ctx, h.Node, h.ID)
}
