package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the orchestrator's tool surface to external MCP
// clients over stdio, so the same retrieval/file tools the in-process
// tool loop uses can be driven from outside the runtime.
type MCPServer struct {
	orch   *Orchestrator
	server *server.MCPServer
}

// NewMCPServer registers the tool surface on a fresh MCP server.
func NewMCPServer(orch *Orchestrator) *MCPServer {
	s := &MCPServer{orch: orch}

	mcpServer := server.NewMCPServer(
		"cognitron",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTool(
		mcp.NewTool("rechercher_memoire",
			mcp.WithDescription("Search the agent's layered memory: vectorised history, consolidated summaries and the full-text index."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Free-text memory query")),
		),
		s.handleMemorySearch,
	)

	mcpServer.AddTool(
		mcp.NewTool("lire_fichier",
			mcp.WithDescription("Read one project file's full contents, resolved through the file locator."),
			mcp.WithString("filename", mcp.Required(), mcp.Description("File name or relative path")),
		),
		s.handleReadFile,
	)

	mcpServer.AddTool(
		mcp.NewTool("lire_cartographie",
			mcp.WithDescription("Read the generated project architecture map."),
		),
		s.handleReadCartography,
	)

	mcpServer.AddTool(
		mcp.NewTool("update_system_summary",
			mcp.WithDescription("Append staged content to the agent's system summary markdown."),
			mcp.WithString("content", mcp.Required(), mcp.Description("Markdown content to stage")),
		),
		s.handleUpdateSystemSummary,
	)

	mcpServer.AddTool(
		mcp.NewTool("recherche_web",
			mcp.WithDescription("Run the deep web-research loop and return its markdown report."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Research objective")),
		),
		s.handleWebSearch,
	)

	s.server = mcpServer
	return s
}

// ServeStdio blocks, serving MCP over stdin/stdout.
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.server)
}

func (s *MCPServer) handleMemorySearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	outcome := s.orch.toolMemorySearch(ctx, map[string]any{"query": query})
	var b strings.Builder
	for _, m := range outcome.atoms {
		fmt.Fprintf(&b, "## %s (%s, score %.2f)\n%s\n\n", m.TitleText, m.KindText, m.ScoreValue, m.ContentText)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filename := request.GetString("filename", "")
	if filename == "" {
		return mcp.NewToolResultError("filename is required"), nil
	}
	outcome := s.orch.toolReadFile(ctx, filename)
	if len(outcome.atoms) == 0 {
		return mcp.NewToolResultError("file not found"), nil
	}
	return mcp.NewToolResultText(outcome.atoms[0].ContentText), nil
}

func (s *MCPServer) handleReadCartography(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mem := s.orch.readCartography()
	return mcp.NewToolResultText(mem.ContentText), nil
}

func (s *MCPServer) handleUpdateSystemSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content := request.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}
	s.orch.toolUpdateSystemSummary(content)
	return mcp.NewToolResultText("staged"), nil
}

func (s *MCPServer) handleWebSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	return mcp.NewToolResultText(s.orch.webResearch(ctx, query)), nil
}
