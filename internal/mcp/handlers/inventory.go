package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/pve"
)

type nodeSummary struct {
	Node       string  `json:"node"`
	Status     string  `json:"status"`
	ID         string  `json:"id"`
	CPUUsage   string  `json:"cpu_usage"`
	MaxCPU     int     `json:"maxcpu"`
	MemUsedGB  float64 `json:"mem_used_gb"`
	MaxMemGB   float64 `json:"maxmem_gb"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

type vmSummary struct {
	VMID     int     `json:"vmid"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Template bool    `json:"template"`
	CPUUsage string  `json:"cpu_usage"`
	CPUs     int     `json:"cpus"`
	MaxMemGB float64 `json:"maxmem_gb"`
	DiskGB   float64 `json:"disk_gb"`
}

type vmDetail struct {
	VMID          int     `json:"vmid"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	QMPStatus     string  `json:"qmpstatus,omitempty"`
	CPUUsage      string  `json:"cpu_usage"`
	CPUs          int     `json:"cpus"`
	MaxMemGB      float64 `json:"maxmem_gb"`
	MemUsedGB     float64 `json:"mem_used_gb"`
	MaxDiskGB     float64 `json:"maxdisk_gb"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Template      bool    `json:"template"`
}

// ListNodes returns a handler that lists cluster nodes with usage figures.
func ListNodes(c *pve.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}

		nodes, err := c.Nodes(ctx)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("ERROR: Failed to retrieve node list. Details: %s", err)), nil
		}

		out := make([]nodeSummary, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, nodeSummary{
				Node:       n.Node,
				Status:     n.Status,
				ID:         n.ID,
				CPUUsage:   percent(n.CPU),
				MaxCPU:     n.MaxCPU,
				MemUsedGB:  gib(n.Mem),
				MaxMemGB:   gib(n.MaxMem),
				DiskFreeGB: gib(n.MaxDisk - n.Disk),
			})
		}
		return jsonResult(out)
	}
}

// ListVMs returns a handler that lists the QEMU guests of one node.
func ListVMs(c *pve.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}

		node := stringArg(req.GetArguments(), "node")
		if node == "" {
			return mcp.NewToolResultError("node is required"), nil
		}

		vms, err := c.VMs(ctx, node)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("ERROR: Failed to retrieve VM list for node %s. Details: %s", node, err)), nil
		}

		out := make([]vmSummary, 0, len(vms))
		for _, vm := range vms {
			out = append(out, vmSummary{
				VMID:     vm.VMID,
				Name:     vm.Name,
				Status:   vm.Status,
				Template: vm.Template != 0,
				CPUUsage: percent(vm.CPU),
				CPUs:     vm.CPUs,
				MaxMemGB: gib(vm.MaxMem),
				DiskGB:   gib(vm.MaxDisk),
			})
		}
		return jsonResult(out)
	}
}

// GetVMStatus returns a handler that reports the state of one guest.
func GetVMStatus(c *pve.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if res := notConfigured(c); res != nil {
			return res, nil
		}

		node, vmid, bad := nodeAndVMID(req.GetArguments(), "vmid")
		if bad != nil {
			return bad, nil
		}

		vm, err := c.VMStatus(ctx, node, vmid)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf(
				"API ERROR: Failed to retrieve status for VM %d on node %s. Details: %s", vmid, node, err)), nil
		}

		return jsonResult(vmDetail{
			VMID:          vm.VMID,
			Name:          vm.Name,
			Status:        vm.Status,
			QMPStatus:     vm.QMPStatus,
			CPUUsage:      percent(vm.CPU),
			CPUs:          vm.CPUs,
			MaxMemGB:      gib(vm.MaxMem),
			MemUsedGB:     gib(vm.Mem),
			MaxDiskGB:     gib(vm.MaxDisk),
			UptimeSeconds: vm.Uptime,
			Template:      vm.Template != 0,
		})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %s", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
