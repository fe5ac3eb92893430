package handlers

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/btouchard/pvepilot/internal/pve"
)

const notConfiguredText = "ERROR: PVE client is not authenticated."

// stringArg returns a trimmed string argument.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// intArg reads an integer argument. Models sometimes send numbers as
// strings, so both forms are accepted.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func boolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// nodeAndVMID validates the node/vmid pair shared by most tools.
func nodeAndVMID(args map[string]any, vmidKey string) (string, int, *mcp.CallToolResult) {
	node := stringArg(args, "node")
	if node == "" {
		return "", 0, mcp.NewToolResultError("node is required")
	}
	vmid, ok := intArg(args, vmidKey)
	if !ok || vmid <= 0 {
		return "", 0, mcp.NewToolResultError(fmt.Sprintf("%s must be a positive integer", vmidKey))
	}
	return node, vmid, nil
}

func notConfigured(c *pve.Client) *mcp.CallToolResult {
	if c == nil || !c.Configured() {
		return mcp.NewToolResultText(notConfiguredText)
	}
	return nil
}

func gib(bytes int64) float64 {
	return math.Round(float64(bytes)/(1<<30)*100) / 100
}

func percent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}
