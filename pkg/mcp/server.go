// Package mcp exposes the engine to MCP clients: agents can define and
// activate templates, submit workflows and control executions over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/templates"
)

// MaestroServerDeps holds the dependencies for creating a MaestroServer.
type MaestroServerDeps struct {
	Coordinator *engine.Coordinator
	Templates   *templates.Service
	Logger      *slog.Logger
}

// MaestroServer wraps an MCP server with workflow tool handlers.
type MaestroServer struct {
	coord     *engine.Coordinator
	templates *templates.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewMaestroServer creates a MaestroServer with all 4 tools registered.
func NewMaestroServer(version string, deps MaestroServerDeps) *MaestroServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &MaestroServer{
		coord:     deps.Coordinator,
		templates: deps.Templates,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"maestro",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Maestro is a workflow orchestration engine. Use maestro.define to register templates, maestro.submit to start executions, maestro.status to check progress, and maestro.control to pause, resume or cancel executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *MaestroServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *MaestroServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MaestroServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("maestro.define",
		mcp.WithDescription("Register a workflow template, optionally activating it"),
		mcp.WithString("template_json", mcp.Required(), mcp.Description("Full template definition as a JSON string")),
		mcp.WithBoolean("activate", mcp.Description("Activate the template after registering (default: false)")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("maestro.submit",
		mcp.WithDescription("Submit a workflow execution from a registered template"),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template name")),
		mcp.WithString("version", mcp.Description("Template version (default: latest active)")),
		mcp.WithObject("parameters", mcp.Description("Workflow input parameters")),
		mcp.WithString("user_task", mcp.Description("Value substituted for the USER_TASK token in step parameters")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("maestro.status",
		mcp.WithDescription("Get an execution's status, step attempts and log"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("maestro.control",
		mcp.WithDescription("Pause, resume or cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Control action to apply"),
		),
	)
}
