package tool

import (
	"context"
	"encoding/json"
	"time"

	"agentdispatch/internal/domain"
)

// Built-in tool names.
const (
	ReadFileTool      = "read_file"
	ListDirectoryTool = "list_directory"
	SearchTextTool    = "search_text"
	WriteFileTool     = "write_file"
	RunCommandTool    = "run_command"
)

// bridgeTool forwards its input to one host bridge method.
type bridgeTool struct {
	def    domain.ToolDefinition
	method string
	bridge domain.HostBridge
	check  func(json.RawMessage) error
}

func (t *bridgeTool) Definition() domain.ToolDefinition { return t.def }

func (t *bridgeTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return t.bridge.Call(ctx, t.method, input)
}

func (t *bridgeTool) Validate(input json.RawMessage) error {
	if t.check == nil {
		return nil
	}
	return t.check(input)
}

func requireString(field string) func(json.RawMessage) error {
	return func(input json.RawMessage) error {
		p, err := ParseParams[map[string]any](input)
		if err != nil {
			return err
		}
		s, _ := p[field].(string)
		return RequireField(field, s)
	}
}

// BuiltinTools returns the file-system and process tools backed by bridge.
// The method names are those served by hostbridge.Local.
func BuiltinTools(bridge domain.HostBridge) []domain.Tool {
	perMinute := func(n int) *domain.RateLimit { return &domain.RateLimit{MaxCalls: n, Window: time.Minute} }

	return []domain.Tool{
		&bridgeTool{
			method: "fs.readFile",
			bridge: bridge,
			check:  requireString("path"),
			def: domain.ToolDefinition{
				Name:        ReadFileTool,
				Description: "Read a text file from the workspace.",
				Category:    "fs",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "File path relative to the workspace root"},
						"maxBytes": {"type": "integer", "minimum": 1, "description": "Read at most this many bytes"}
					},
					"required": ["path"]
				}`),
				Permission:       domain.PermissionUser,
				Cacheable:        true,
				CacheTTL:         30 * time.Second,
				Timeout:          10 * time.Second,
				RateLimit:        perMinute(60),
				SupportsParallel: true,
			},
		},
		&bridgeTool{
			method: "fs.listDirectory",
			bridge: bridge,
			def: domain.ToolDefinition{
				Name:        ListDirectoryTool,
				Description: "List the entries of a workspace directory.",
				Category:    "fs",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "Directory path; defaults to the workspace root"}
					}
				}`),
				Permission:       domain.PermissionUser,
				Cacheable:        true,
				CacheTTL:         30 * time.Second,
				Timeout:          10 * time.Second,
				SupportsParallel: true,
			},
		},
		&bridgeTool{
			method: "fs.searchText",
			bridge: bridge,
			check:  requireString("query"),
			def: domain.ToolDefinition{
				Name:        SearchTextTool,
				Description: "Search workspace files for lines containing a literal string.",
				Category:    "search",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"query": {"type": "string", "minLength": 1},
						"path": {"type": "string", "description": "Directory to search; defaults to the workspace root"},
						"maxResults": {"type": "integer", "minimum": 1}
					},
					"required": ["query"]
				}`),
				Permission:       domain.PermissionUser,
				Cacheable:        true,
				CacheTTL:         60 * time.Second,
				Timeout:          20 * time.Second,
				RateLimit:        perMinute(30),
				SupportsParallel: true,
			},
		},
		&bridgeTool{
			method: "fs.writeFile",
			bridge: bridge,
			check:  requireString("path"),
			def: domain.ToolDefinition{
				Name:        WriteFileTool,
				Description: "Create or overwrite a workspace file.",
				Category:    "fs",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"content": {"type": "string"}
					},
					"required": ["path", "content"]
				}`),
				Permission: domain.PermissionAdmin,
				Timeout:    10 * time.Second,
				RateLimit:  perMinute(20),
			},
		},
		&bridgeTool{
			method: "process.run",
			bridge: bridge,
			check:  requireString("command"),
			def: domain.ToolDefinition{
				Name:        RunCommandTool,
				Description: "Run an allowlisted command in the workspace.",
				Category:    "shell",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"command": {"type": "string"},
						"args": {"type": "array", "items": {"type": "string"}},
						"workdir": {"type": "string"}
					},
					"required": ["command"]
				}`),
				Permission: domain.PermissionAdmin,
				Timeout:    60 * time.Second,
				RateLimit:  perMinute(10),
			},
		},
	}
}
