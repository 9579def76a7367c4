package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"knowledge_spider/internal/index"
)

type ListTool struct {
	svc Service
}

func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("kb_list",
		mcp.WithDescription("List the knowledge bases with their sources and page counts."),
	)
}

func (t *ListTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kbs, err := t.svc.ListKnowledgeBases(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if len(kbs) == 0 {
		return mcp.NewToolResultText("No knowledge bases yet."), nil
	}

	var b strings.Builder
	for _, kb := range kbs {
		fmt.Fprintf(&b, "%s  %s  (%d pages, depth %d)\n", kb.ID, kb.Name, kb.TotalPages, kb.CrawlDepth)
		for _, s := range kb.Sources {
			fmt.Fprintf(&b, "    %s  %s  [%s]\n", s.ID, s.URL, s.Status)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

type SearchTool struct {
	svc Service
}

func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("kb_search",
		mcp.WithDescription("Search an indexed knowledge base and return the best matching chunks with their scores."),
		mcp.WithString("kb_id",
			mcp.Required(),
			mcp.Description("Knowledge base id"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free-text query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of results (default 5)"),
		),
	)
}

func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kbID := req.GetString("kb_id", "")
	query := req.GetString("query", "")
	if kbID == "" || query == "" {
		return mcp.NewToolResultError("'kb_id' and 'query' are required"), nil
	}

	results, err := t.svc.Search(ctx, kbID, query, intArg(req, "top_k", 0))
	if errors.Is(err, index.ErrNotIndexed) {
		return mcp.NewToolResultText(fmt.Sprintf("Knowledge base %s is not indexed yet.", kbID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No matching chunks."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d chunks:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %.3f  %s\n    %s\n\n", i+1, r.Score, r.Chunk.PageURL, snippet(r.Chunk.Text, 300))
	}
	return mcp.NewToolResultText(b.String()), nil
}

type ContextTool struct {
	svc Service
}

func (t *ContextTool) Definition() mcp.Tool {
	return mcp.NewTool("kb_context",
		mcp.WithDescription("Build a documentation context block for a query. Falls back to raw page content when the knowledge base is not indexed."),
		mcp.WithString("kb_id",
			mcp.Required(),
			mcp.Description("Knowledge base id"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free-text query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of chunks (default 5)"),
		),
	)
}

func (t *ContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kbID := req.GetString("kb_id", "")
	query := req.GetString("query", "")
	if kbID == "" || query == "" {
		return mcp.NewToolResultError("'kb_id' and 'query' are required"), nil
	}

	block, err := t.svc.BuildContext(ctx, kbID, query, intArg(req, "top_k", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context failed: %v", err)), nil
	}
	if block.Text == "" {
		return mcp.NewToolResultText("The knowledge base has no content."), nil
	}
	return mcp.NewToolResultText(block.Text), nil
}

type CondenseTool struct {
	svc Service
}

func (t *CondenseTool) Definition() mcp.Tool {
	return mcp.NewTool("condense_context",
		mcp.WithDescription("Fit a system and user prompt into a model's input token budget by shrinking embedded knowledge base content and diffs."),
		mcp.WithString("model",
			mcp.Required(),
			mcp.Description("Model id, e.g. gpt-4o"),
		),
		mcp.WithString("system_prompt",
			mcp.Description("System prompt"),
		),
		mcp.WithString("user_prompt",
			mcp.Description("User prompt"),
		),
		mcp.WithString("kb_content",
			mcp.Description("Knowledge base excerpt embedded verbatim in the system prompt"),
		),
		mcp.WithString("diff",
			mcp.Description("Unified diff embedded verbatim in the user prompt"),
		),
	)
}

func (t *CondenseTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model := req.GetString("model", "")
	if model == "" {
		return mcp.NewToolResultError("'model' is required"), nil
	}

	res := t.svc.Condense(model,
		req.GetString("system_prompt", ""),
		req.GetString("user_prompt", ""),
		req.GetString("kb_content", ""),
		req.GetString("diff", ""))

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
