package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/llm"
)

// ErrToolNotFound is returned by ToolBox.Call for a name the box does not offer.
var ErrToolNotFound = errors.New("tool not found")

// ToolBox is the set of tools the agent may call.
type ToolBox interface {
	Definitions() []llm.ToolDefinition
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// MCPToolBox exposes the tools of an MCP server through an mcp-go client.
type MCPToolBox struct {
	client *client.Client
	defs   []llm.ToolDefinition
}

// NewInProcessToolBox connects to srv without going through HTTP.
func NewInProcessToolBox(ctx context.Context, srv *server.MCPServer, version string) (*MCPToolBox, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process mcp client: %w", err)
	}
	return connect(ctx, c, version)
}

// NewRemoteToolBox connects to a streamable HTTP MCP endpoint. token, when
// set, is sent as a bearer token.
func NewRemoteToolBox(ctx context.Context, url, token, version string) (*MCPToolBox, error) {
	var opts []transport.StreamableHTTPCOption
	if token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}))
	}
	c, err := client.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating mcp client for %s: %w", url, err)
	}
	return connect(ctx, c, version)
}

func connect(ctx context.Context, c *client.Client, version string) (*MCPToolBox, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "pvepilot-agent", Version: version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initializing mcp session: %w", err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("listing mcp tools: %w", err)
	}

	defs := make([]llm.ToolDefinition, 0, len(list.Tools))
	for _, t := range list.Tools {
		schema, err := toolSchema(t)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int { return strings.Compare(a.Name, b.Name) })

	return &MCPToolBox{client: c, defs: defs}, nil
}

func toolSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema: %w", err)
	}
	return data, nil
}

// Definitions returns the tools sorted by name.
func (b *MCPToolBox) Definitions() []llm.ToolDefinition {
	return b.defs
}

// Call invokes a tool and returns its text content. A tool-level error is
// returned as text prefixed with "Error: " so the model can react to it.
func (b *MCPToolBox) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if !slices.ContainsFunc(b.defs, func(d llm.ToolDefinition) bool { return d.Name == name }) {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decoding arguments for %s: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if text := mcp.GetTextFromContent(c); text != "" {
			parts = append(parts, text)
		}
	}
	out := strings.Join(parts, "\n")
	if res.IsError {
		return "Error: " + out, nil
	}
	return out, nil
}

// Close ends the MCP session.
func (b *MCPToolBox) Close() error {
	return b.client.Close()
}
