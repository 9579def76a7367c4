package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"knowledge_spider/internal/embedding"
	"knowledge_spider/internal/models"
)

const DefaultTopK = 5

type Retriever struct {
	embedder embedding.Embedder
	store    Store
	logger   *zap.Logger
}

func NewRetriever(e embedding.Embedder, store Store, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{embedder: e, store: store, logger: logger}
}

// Search ranks kbID's chunks by cosine similarity to query. It returns
// ErrNotIndexed when kbID has no index so callers can fall back to raw
// page content.
func (r *Retriever) Search(ctx context.Context, kbID, query string, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	records, meta, err := r.store.Load(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if meta.Embedder != r.embedder.Name() {
		r.logger.Warn("index built with a different embedder",
			zap.String("kb_id", kbID),
			zap.String("index_embedder", meta.Embedder),
			zap.String("query_embedder", r.embedder.Name()))
	}

	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results := make([]models.SearchResult, 0, len(records))
	skipped := 0
	for _, rec := range records {
		score, err := embedding.CosineSimilarity(qvec, rec.Vector)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, models.SearchResult{Chunk: rec.Chunk, Score: score})
	}
	if skipped > 0 {
		r.logger.Warn("skipped chunks with mismatched dimensions", zap.String("kb_id", kbID), zap.Int("skipped", skipped))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// FormatContext renders results as a context block with source attribution.
func FormatContext(results []models.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant documentation\n")
	for i, res := range results {
		title := res.Chunk.PageTitle
		if title == "" {
			title = res.Chunk.PageURL
		}
		fmt.Fprintf(&sb, "\n### [%d] %s\nSource: %s (score %.3f)\n\n%s\n",
			i+1, title, res.Chunk.PageURL, res.Score, strings.TrimSpace(res.Chunk.Text))
	}
	return sb.String()
}
