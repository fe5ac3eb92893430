package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	nodeParam := mcp.WithString("node",
		mcp.Required(),
		mcp.Description("PVE node name, e.g. 'pve'"),
	)
	vmidParam := mcp.WithNumber("vmid",
		mcp.Required(),
		mcp.Description("Virtual machine ID"),
	)

	// list_nodes: cluster nodes and usage
	s.AddTool(
		mcp.NewTool("list_nodes",
			mcp.WithDescription("Retrieves a list of all nodes in the PVE cluster along with their status."),
		),
		handlers.ListNodes(deps.PVE),
	)

	// list_vms_on_node: QEMU guests of a node
	s.AddTool(
		mcp.NewTool("list_vms_on_node",
			mcp.WithDescription("Retrieves a list of all virtual machines (QEMU) on a specified PVE node."),
			nodeParam,
		),
		handlers.ListVMs(deps.PVE),
	)

	// get_vm_status: one guest's state
	s.AddTool(
		mcp.NewTool("get_vm_status",
			mcp.WithDescription("Retrieves the current status (running, stopped, etc.) and basic configuration for a specified QEMU virtual machine."),
			nodeParam,
			vmidParam,
		),
		handlers.GetVMStatus(deps.PVE),
	)

	// create_new_vm: asynchronous
	s.AddTool(
		mcp.NewTool("create_new_vm",
			mcp.WithDescription("Creates a new KVM/QEMU virtual machine on the specified node with minimal configuration. Storage and network must be configured via update_vm_config after creation. Returns a UPID to track with monitor_pve_task."),
			nodeParam,
			mcp.WithNumber("vmid",
				mcp.Required(),
				mcp.Description("Unique ID for the new virtual machine, e.g. 101"),
			),
			mcp.WithNumber("memory_mb",
				mcp.Required(),
				mcp.Description("Memory in megabytes, e.g. 2048"),
			),
			mcp.WithNumber("cores",
				mcp.Required(),
				mcp.Description("Number of CPU cores, e.g. 2"),
			),
			mcp.WithString("vm_name",
				mcp.Required(),
				mcp.Description("Display name of the new virtual machine"),
			),
		),
		handlers.CreateVM(deps.PVE, deps.Jobs, deps.Store),
	)

	// start_vm / shutdown_vm / reboot_vm: power actions
	s.AddTool(
		mcp.NewTool("start_vm",
			mcp.WithDescription("Starts a specified virtual machine. Returns a UPID to track with monitor_pve_task."),
			nodeParam,
			vmidParam,
		),
		handlers.StartVM(deps.PVE, deps.Jobs, deps.Store),
	)
	s.AddTool(
		mcp.NewTool("shutdown_vm",
			mcp.WithDescription("Initiates a graceful shutdown of the specified virtual machine."),
			nodeParam,
			vmidParam,
		),
		handlers.ShutdownVM(deps.PVE, deps.Jobs, deps.Store),
	)
	s.AddTool(
		mcp.NewTool("reboot_vm",
			mcp.WithDescription("Reboots the specified virtual machine (graceful reboot)."),
			nodeParam,
			vmidParam,
		),
		handlers.RebootVM(deps.PVE, deps.Jobs, deps.Store),
	)

	// clone_vm: like `qm clone <source> <new> --name <name> [--full]`
	s.AddTool(
		mcp.NewTool("clone_vm",
			mcp.WithDescription("Clones an existing virtual machine or template into a new VM ID and name. The source must be stopped or a template. A full clone copies the disks; a linked clone shares them read-only."),
			nodeParam,
			mcp.WithNumber("source_vmid",
				mcp.Required(),
				mcp.Description("ID of the source VM or template, e.g. 9000"),
			),
			mcp.WithNumber("new_vmid",
				mcp.Required(),
				mcp.Description("Unique ID of the clone, e.g. 101"),
			),
			mcp.WithString("new_name",
				mcp.Required(),
				mcp.Description("Name of the clone, e.g. 'worker-node-01'"),
			),
			mcp.WithBoolean("full_clone",
				mcp.Description("Full clone (true, default) or linked clone (false)"),
			),
		),
		handlers.CloneVM(deps.PVE, deps.Jobs, deps.Store),
	)

	// delete_vm: irreversible
	s.AddTool(
		mcp.NewTool("delete_vm",
			mcp.WithDescription("Permanently deletes a specified virtual machine. USE WITH EXTREME CAUTION."),
			nodeParam,
			vmidParam,
		),
		handlers.DeleteVM(deps.PVE, deps.Jobs, deps.Store),
	)

	// update_vm_config: like `qm set <vmid> --<key> <value>`
	s.AddTool(
		mcp.NewTool("update_vm_config",
			mcp.WithDescription("Updates configuration parameters of a virtual machine, like 'qm set'. Examples: {'memory': 4096}, {'net0': 'virtio,bridge=vmbr0'}, {'ipconfig0': 'ip=192.168.1.101/24,gw=192.168.1.1'}, {'cicustom': 'user=cloud-init:snippets/worker.yaml'}. Some keys require the VM to be stopped."),
			nodeParam,
			vmidParam,
			mcp.WithObject("updates",
				mcp.Required(),
				mcp.Description("Configuration keys and values to set"),
			),
		),
		handlers.UpdateVMConfig(deps.PVE, deps.Jobs, deps.Store),
	)

	// monitor_pve_task: block until a task finishes
	s.AddTool(
		mcp.NewTool("monitor_pve_task",
			mcp.WithDescription("Monitors an asynchronous Proxmox VE task by its UPID until it completes (status is 'stopped') or until the timeout is reached."),
			mcp.WithString("node",
				mcp.Required(),
				mcp.Description("PVE node that runs the task"),
			),
			mcp.WithString("upid",
				mcp.Required(),
				mcp.Description("UPID returned by the asynchronous operation"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Maximum time to wait in seconds (default: 300)"),
			),
		),
		handlers.MonitorTask(deps.Jobs),
	)

	// check_job: non-blocking status with optional long-poll
	s.AddTool(
		mcp.NewTool("check_job",
			mcp.WithDescription("Check the current state of a tracked PVE job without waiting for completion. Supports long-polling with wait_seconds."),
			mcp.WithString("upid",
				mcp.Required(),
				mcp.Description("UPID of the job"),
			),
			mcp.WithNumber("wait_seconds",
				mcp.Description("Wait up to N seconds (max 30) for a state change before responding. 0 for immediate response."),
			),
		),
		handlers.CheckJob(deps.Jobs),
	)

	// list_jobs: tracked jobs
	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List tracked PVE jobs with optional filters, newest first."),
			mcp.WithString("state",
				mcp.Description("Filter by state"),
				mcp.Enum("all", "submitted", "polling", "succeeded", "failed", "timed_out", "transport_error"),
			),
			mcp.WithString("node",
				mcp.Description("Filter by node"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of jobs to return (default: 20)"),
			),
		),
		handlers.ListJobs(deps.Jobs),
	)
}
