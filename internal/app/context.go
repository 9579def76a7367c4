package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"knowledge_spider/internal/index"
	"knowledge_spider/internal/models"
)

// ContextBlock is the documentation excerpt assembled for a prompt.
type ContextBlock struct {
	Text string `json:"text"`
	// Indexed is false when Text is raw page content because the knowledge
	// base has no index.
	Indexed bool                  `json:"indexed"`
	Results []models.SearchResult `json:"results,omitempty"`
}

// BuildContext retrieves the chunks most relevant to query. When the
// knowledge base has not been indexed it falls back to the concatenated
// content of its stored pages.
func (a *App) BuildContext(ctx context.Context, kbID, query string, topK int) (*ContextBlock, error) {
	results, err := a.Search(ctx, kbID, query, topK)
	switch {
	case err == nil:
		return &ContextBlock{Text: index.FormatContext(results), Indexed: true, Results: results}, nil
	case !errors.Is(err, index.ErrNotIndexed):
		return nil, err
	}

	a.logger.Info("knowledge base not indexed, using raw page content", zap.String("kb_id", kbID))
	pages, err := a.Pages(ctx, kbID)
	if err != nil {
		return nil, err
	}
	return &ContextBlock{Text: rawContext(pages)}, nil
}

func rawContext(pages []models.Page) string {
	if len(pages) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Documentation\n")
	for _, p := range pages {
		title := p.Title
		if title == "" {
			title = p.URL
		}
		fmt.Fprintf(&sb, "\n### %s\nSource: %s\n\n%s\n", title, p.URL, strings.TrimSpace(p.Text))
	}
	return sb.String()
}

// Condense fits the prompts into modelID's input budget.
func (a *App) Condense(modelID, systemPrompt, userPrompt, kbContent, diffText string) models.CondenseResult {
	return a.deps.Condenser.CondenseContext(modelID, systemPrompt, userPrompt, kbContent, diffText)
}
