package index

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"knowledge_spider/internal/chunker"
	"knowledge_spider/internal/embedding"
	"knowledge_spider/internal/models"
)

// Store is the persistence the indexer and retriever need.
type Store interface {
	Replace(ctx context.Context, kbID, embedder string, records []Record, onSaved func(n int)) error
	Delete(ctx context.Context, kbID string) error
	Load(ctx context.Context, kbID string) ([]Record, *Meta, error)
}

type Indexer struct {
	chunker  *chunker.Chunker
	embedder embedding.Embedder
	store    Store
	workers  int
	tracker  *PhaseTracker
	logger   *zap.Logger
}

func NewIndexer(c *chunker.Chunker, e embedding.Embedder, store Store, workers int, logger *zap.Logger) *Indexer {
	if c == nil {
		c = chunker.New(chunker.DefaultSize)
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		chunker:  c,
		embedder: e,
		store:    store,
		workers:  workers,
		tracker:  NewPhaseTracker(),
		logger:   logger,
	}
}

func (ix *Indexer) Phase() models.IndexPhase {
	return ix.tracker.Phase()
}

// Build discards kbID's index and rebuilds it from pages. On any failure
// the index is deleted, so the knowledge base reads as not indexed.
func (ix *Indexer) Build(ctx context.Context, kbID string, pages []models.Page, onProgress func(models.IndexProgress)) (err error) {
	report := func(phase models.IndexPhase, current, total int) {
		if onProgress != nil {
			onProgress(models.IndexProgress{Phase: phase, Current: current, Total: total})
		}
	}

	if err := ix.tracker.Advance(models.IndexPhaseChunking); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		ix.tracker.Reset()
		if delErr := ix.store.Delete(context.WithoutCancel(ctx), kbID); delErr != nil {
			ix.logger.Error("failed to delete partial index", zap.String("kb_id", kbID), zap.Error(delErr))
		}
		report(models.IndexPhaseIdle, 0, 0)
	}()

	ix.logger.Info("index build started", zap.String("kb_id", kbID), zap.Int("pages", len(pages)))

	report(models.IndexPhaseChunking, 0, len(pages))
	var chunks []models.Chunk
	seen := make(map[string]bool)
	for i, p := range pages {
		// identical page text would produce colliding chunk ids
		if split := ix.chunker.Split(p, len(chunks)); len(split) > 0 && !seen[split[0].PageHash] {
			seen[split[0].PageHash] = true
			chunks = append(chunks, split...)
		}
		report(models.IndexPhaseChunking, i+1, len(pages))
	}

	if err := ix.tracker.Advance(models.IndexPhaseEmbedding); err != nil {
		return err
	}
	records, err := ix.embed(ctx, chunks, func(done int) {
		report(models.IndexPhaseEmbedding, done, len(chunks))
	})
	if err != nil {
		return err
	}

	if err := ix.tracker.Advance(models.IndexPhaseSaving); err != nil {
		return err
	}
	report(models.IndexPhaseSaving, 0, len(records))
	if err := ix.store.Replace(ctx, kbID, ix.embedder.Name(), records, func(n int) {
		report(models.IndexPhaseSaving, n, len(records))
	}); err != nil {
		return err
	}

	if err := ix.tracker.Advance(models.IndexPhaseIdle); err != nil {
		return err
	}
	report(models.IndexPhaseIdle, len(records), len(records))
	ix.logger.Info("index build finished", zap.String("kb_id", kbID), zap.Int("chunks", len(records)))
	return nil
}

func (ix *Indexer) embed(ctx context.Context, chunks []models.Chunk, onDone func(done int)) ([]Record, error) {
	records := make([]Record, len(chunks))
	onDone(0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)

	var done atomic.Int64
	progress := make(chan int, len(chunks))
	errCh := make(chan error, 1)
	go func() {
		for i := range chunks {
			g.Go(func() error {
				vec, err := ix.embedder.Embed(gctx, chunks[i].Text)
				if err != nil {
					return fmt.Errorf("embed chunk %s: %w", chunks[i].ID, err)
				}
				records[i] = Record{Chunk: chunks[i], Vector: vec}
				progress <- int(done.Add(1))
				return nil
			})
		}
		errCh <- g.Wait()
		close(progress)
	}()

	// onDone only ever runs on this goroutine.
	last := 0
	for n := range progress {
		if n > last {
			last = n
			onDone(n)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return records, nil
}
