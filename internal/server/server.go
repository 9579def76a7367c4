// Package server exposes the knowledge base over the MCP stdio transport.
package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"knowledge_spider/internal/app"
	"knowledge_spider/internal/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Service is the part of app.App the tools call.
type Service interface {
	ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error)
	Search(ctx context.Context, kbID, query string, topK int) ([]models.SearchResult, error)
	BuildContext(ctx context.Context, kbID, query string, topK int) (*app.ContextBlock, error)
	Condense(modelID, systemPrompt, userPrompt, kbContent, diffText string) models.CondenseResult
}

type tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

func New(svc Service) *server.MCPServer {
	s := server.NewMCPServer(
		"kbspider",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, t := range tools(svc) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

func tools(svc Service) []tool {
	return []tool{
		&ListTool{svc: svc},
		&SearchTool{svc: svc},
		&ContextTool{svc: svc},
		&CondenseTool{svc: svc},
	}
}

// ServeStdio blocks until stdin closes.
func ServeStdio(svc Service) error {
	return server.ServeStdio(New(svc))
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}
