package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

const defaultMCPTimeout = 30 * time.Second

// mcpClient is the part of the MCP client the bridge depends on.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// mcpServer is one connected MCP server and the policy applied to its tools.
type mcpServer struct {
	cfg    config.MCPServer
	client mcpClient
}

// MCPBridge exposes the tools of external MCP servers as registry tools.
// Tool names are mcp_<server>_<tool>.
type MCPBridge struct {
	servers []mcpServer
	tools   []domain.Tool
	logger  *slog.Logger
}

// NewMCPBridge connects to every configured server and lists its tools.
// A server that connects but fails listing is skipped; the bridge fails only
// when no server could be listed.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	conns := make([]mcpServer, 0, len(servers))
	for _, srv := range servers {
		c, err := dialMCP(ctx, srv)
		if err != nil {
			for _, open := range conns {
				open.client.Close()
			}
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
		conns = append(conns, mcpServer{cfg: srv, client: c})
	}
	b := &MCPBridge{servers: conns, logger: logger}
	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func dialMCP(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("start stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "agentd", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}
	return c, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	for _, srv := range b.servers {
		res, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp tool listing failed, skipping server", "server", srv.cfg.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.cfg.Name, err))
			continue
		}
		for _, t := range res.Tools {
			b.tools = append(b.tools, newMCPTool(srv, t, b.logger))
		}
		b.logger.Info("mcp tools listed", "server", srv.cfg.Name, "count", len(res.Tools))
	}
	if len(errs) > 0 && len(errs) == len(b.servers) {
		return fmt.Errorf("all mcp servers failed tool listing: %w", errors.Join(errs...))
	}
	return nil
}

// Tools returns the discovered tools in server order.
func (b *MCPBridge) Tools() []domain.Tool { return b.tools }

// RegisterAll adds every discovered tool to reg and returns how many were
// accepted. Rejected tools are logged.
func (b *MCPBridge) RegisterAll(reg *Registry) int {
	n := 0
	for _, t := range b.tools {
		if err := reg.Register(t); err != nil {
			b.logger.Warn("mcp tool not registered", "tool", t.Definition().Name, "error", err)
			continue
		}
		n++
	}
	return n
}

// Close disconnects from every server.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close failed", "server", srv.cfg.Name, "error", err)
		}
	}
}

// mcpTool forwards executor calls to one tool on an MCP server.
type mcpTool struct {
	server string
	remote string
	client mcpClient
	def    domain.ToolDefinition
	logger *slog.Logger
}

// newMCPTool derives the executor contract from the server policy and the
// tool's annotations. Read-only tools may run in parallel, and are cached when
// the server sets a cache TTL.
func newMCPTool(srv mcpServer, t mcp.Tool, logger *slog.Logger) *mcpTool {
	def := domain.ToolDefinition{
		Name:        "mcp_" + mcpName(srv.cfg.Name) + "_" + mcpName(t.Name),
		Description: t.Description,
		Category:    "mcp",
		Parameters:  json.RawMessage(`{"type": "object"}`),
		Permission:  domain.PermissionUser,
		Timeout:     srv.cfg.Timeout,
	}
	if def.Description == "" {
		def.Description = fmt.Sprintf("MCP tool %q from server %q", t.Name, srv.cfg.Name)
	}
	if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			def.Parameters = raw
		}
	}
	if srv.cfg.Permission == string(domain.PermissionAdmin) {
		def.Permission = domain.PermissionAdmin
	}
	if def.Timeout <= 0 {
		def.Timeout = defaultMCPTimeout
	}
	if ro := t.Annotations.ReadOnlyHint; ro != nil && *ro {
		def.SupportsParallel = true
		if srv.cfg.CacheTTL > 0 {
			def.Cacheable = true
			def.CacheTTL = srv.cfg.CacheTTL
		}
	}
	return &mcpTool{server: srv.cfg.Name, remote: t.Name, client: srv.client, def: def, logger: logger}
}

func (t *mcpTool) Definition() domain.ToolDefinition { return t.def }

// MCPResult is the output of an MCP tool call.
type MCPResult struct {
	Server  string `json:"server"`
	Content string `json:"content"`
}

func (t *mcpTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	args, err := ParseParams[map[string]any](input)
	if err != nil {
		return nil, domain.NewDomainError("mcpTool.Execute", domain.ErrInvalidInput, err.Error())
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	t.logger.Debug("mcp call", "server", t.server, "tool", t.remote)
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", t.server, err)
	}
	text := mcpText(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolExecution, text)
	}
	return json.Marshal(MCPResult{Server: t.server, Content: text})
}

// mcpText joins text content with newlines; other content is JSON-encoded.
func mcpText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// mcpName maps s onto the tool-name alphabet [A-Za-z0-9_].
func mcpName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
