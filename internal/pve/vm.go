package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/btouchard/pvepilot/internal/job"
)

// Node is one cluster member as listed by /nodes.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	ID      string  `json:"id"`
	CPU     float64 `json:"cpu"`
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
}

// VM is a QEMU guest as listed on a node or reported by status/current.
type VM struct {
	VMID      int     `json:"vmid"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	QMPStatus string  `json:"qmpstatus,omitempty"`
	Template  int     `json:"template,omitempty"`
	CPU       float64 `json:"cpu"`
	CPUs      int     `json:"cpus"`
	Mem       int64   `json:"mem"`
	MaxMem    int64   `json:"maxmem"`
	MaxDisk   int64   `json:"maxdisk"`
	Uptime    int64   `json:"uptime"`
}

// Submission is the answer to a mutating call. Handle is set when PVE
// started an asynchronous task; otherwise the call completed synchronously
// and Data holds whatever PVE returned.
type Submission struct {
	Handle *job.Handle
	Data   json.RawMessage
}

// Async reports whether the call started a task.
func (s Submission) Async() bool {
	return s.Handle != nil
}

// Synchronous reports whether PVE completed the call without a task and
// returned no payload.
func (s Submission) Synchronous() bool {
	if s.Handle != nil {
		return false
	}
	d := strings.TrimSpace(string(s.Data))
	return d == "" || d == "null" || d == `""`
}

// CreateVMParams is the minimal configuration of a new guest. Storage and
// network are configured afterwards with UpdateVMConfig.
type CreateVMParams struct {
	VMID     int
	Name     string
	MemoryMB int
	Cores    int
	OSType   string
}

// CloneVMParams describes a clone of an existing guest or template.
type CloneVMParams struct {
	NewID int
	Name  string
	Full  bool
}

// Nodes lists the cluster nodes.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.Do(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return nodes, nil
}

// VMs lists the QEMU guests of node.
func (c *Client) VMs(ctx context.Context, node string) ([]VM, error) {
	var vms []VM
	if err := c.Do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/qemu", nil, &vms); err != nil {
		return nil, fmt.Errorf("listing VMs on %s: %w", node, err)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
	return vms, nil
}

// VMStatus returns the current state of one guest.
func (c *Client) VMStatus(ctx context.Context, node string, vmid int) (*VM, error) {
	var vm VM
	if err := c.Do(ctx, http.MethodGet, vmPath(node, vmid, "/status/current"), nil, &vm); err != nil {
		return nil, fmt.Errorf("reading status of VM %d on %s: %w", vmid, node, err)
	}
	return &vm, nil
}

// CreateVM creates a guest with memory, cores and name only.
func (c *Client) CreateVM(ctx context.Context, node string, p CreateVMParams) (Submission, error) {
	ostype := p.OSType
	if ostype == "" {
		ostype = "l26"
	}
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(p.VMID))
	form.Set("memory", strconv.Itoa(p.MemoryMB))
	form.Set("cores", strconv.Itoa(p.Cores))
	form.Set("name", p.Name)
	form.Set("ostype", ostype)
	return c.submit(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/qemu", node, form)
}

// DeleteVM destroys a guest. It cannot be undone.
func (c *Client) DeleteVM(ctx context.Context, node string, vmid int) (Submission, error) {
	return c.submit(ctx, http.MethodDelete, vmPath(node, vmid, ""), node, nil)
}

// CloneVM clones sourceID into a new guest.
func (c *Client) CloneVM(ctx context.Context, node string, sourceID int, p CloneVMParams) (Submission, error) {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(p.NewID))
	form.Set("name", p.Name)
	if p.Full {
		form.Set("full", "1")
	} else {
		form.Set("full", "0")
	}
	return c.submit(ctx, http.MethodPost, vmPath(node, sourceID, "/clone"), node, form)
}

// UpdateVMConfig sets configuration keys of a guest, the way `qm set` does.
// Values are sent in their PVE string form.
func (c *Client) UpdateVMConfig(ctx context.Context, node string, vmid int, updates map[string]any) (Submission, error) {
	if len(updates) == 0 {
		return Submission{}, fmt.Errorf("updating VM %d: no configuration keys given", vmid)
	}
	form := url.Values{}
	for k, v := range updates {
		form.Set(k, formValue(v))
	}
	return c.submit(ctx, http.MethodPut, vmPath(node, vmid, "/config"), node, form)
}

// StartVM powers a guest on.
func (c *Client) StartVM(ctx context.Context, node string, vmid int) (Submission, error) {
	return c.submit(ctx, http.MethodPost, vmPath(node, vmid, "/status/start"), node, nil)
}

// ShutdownVM asks the guest OS to shut down.
func (c *Client) ShutdownVM(ctx context.Context, node string, vmid int) (Submission, error) {
	return c.submit(ctx, http.MethodPost, vmPath(node, vmid, "/status/shutdown"), node, nil)
}

// RebootVM asks the guest OS to reboot.
func (c *Client) RebootVM(ctx context.Context, node string, vmid int) (Submission, error) {
	return c.submit(ctx, http.MethodPost, vmPath(node, vmid, "/status/reboot"), node, nil)
}

func (c *Client) submit(ctx context.Context, method, path, node string, form url.Values) (Submission, error) {
	var data json.RawMessage
	if err := c.Do(ctx, method, path, form, &data); err != nil {
		return Submission{}, err
	}

	sub := Submission{Data: data}
	var upid string
	if err := json.Unmarshal(data, &upid); err == nil && strings.HasPrefix(upid, "UPID") {
		sub.Handle = &job.Handle{Node: node, ID: upid}
	}
	return sub, nil
}

// formValue renders a JSON-decoded value the way the PVE API expects it.
func formValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
