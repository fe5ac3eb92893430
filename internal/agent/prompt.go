package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// DefaultPrompt is used when no prompt file is configured or readable.
const DefaultPrompt = `You are a Proxmox VE (PVE) virtual machine management expert. Break every
request down into a sequence of correct PVE tool calls.

Workflow:
1. Think: before each tool call, state the sub-task you are solving, which tool
   you will call and why, and check it against the rules below.
2. Act: call exactly one tool with precise JSON arguments.
3. Observe: read and understand the tool result.
4. Answer: when every step has succeeded, summarise the outcome.

Rules:
- Asynchronous operations return a UPID. Always wait for them with
  monitor_pve_task before relying on their result.
- Clone new machines from the template of the node they will run on.
- Never change hardware configuration after a clone (netX, scsiX, ideX, bridge).
- Configure IP addresses only through update_vm_config with ipconfigN. When no
  address is given, use {"ipconfig0": "ip=dhcp"}.
- Verify the final state with get_vm_status before answering.

Final answer format (Markdown):
### Task report: <what was done>
**Steps**: numbered list of the operations performed.
**Key configuration**: node, VM name, VMID, network, cloud-init.
**Status**: summary of get_vm_status.
`

// PromptSource supplies the system prompt for each run.
type PromptSource interface {
	Prompt() string
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

func (p StaticPrompt) Prompt() string { return string(p) }

// FilePrompt serves the content of a prompt file and reloads it when the
// file changes. The last good content is kept when the file disappears or
// becomes empty.
type FilePrompt struct {
	path    string
	current atomic.Pointer[string]
	watcher *fsnotify.Watcher
}

// NewFilePrompt loads path, falling back to fallback when it cannot be read.
func NewFilePrompt(path, fallback string) *FilePrompt {
	p := &FilePrompt{path: path}
	p.current.Store(&fallback)
	if err := p.load(); err != nil {
		slog.Warn("system prompt file unavailable, using built-in prompt",
			"path", path,
			"error", err)
	}
	return p
}

// Prompt returns the current prompt.
func (p *FilePrompt) Prompt() string {
	return *p.current.Load()
}

func (p *FilePrompt) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return errors.New("prompt file is empty")
	}
	p.current.Store(&text)
	return nil
}

// Watch reloads the prompt on every change until ctx is done. The parent
// directory is watched so that editors replacing the file are seen.
func (p *FilePrompt) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", p.path, err)
	}
	p.watcher = w

	go p.loop(ctx)
	return nil
}

func (p *FilePrompt) loop(ctx context.Context) {
	defer func() { _ = p.watcher.Close() }()

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := p.load(); err != nil {
				slog.Debug("system prompt reload skipped", "path", p.path, "error", err)
				continue
			}
			slog.Info("system prompt reloaded", "path", p.path)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("prompt watcher error", "error", err)
		}
	}
}
