package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"knowledge_spider/internal/chunker"
	"knowledge_spider/internal/condense"
	"knowledge_spider/internal/config"
	"knowledge_spider/internal/db"
	"knowledge_spider/internal/embedding"
	"knowledge_spider/internal/extract"
	"knowledge_spider/internal/index"
	"knowledge_spider/internal/models"
	"knowledge_spider/internal/spider"
	"knowledge_spider/internal/tokens"
	urlqueue "knowledge_spider/internal/url_queue"
)

// Runtime is an App wired from configuration together with the resources
// it holds open.
type Runtime struct {
	*App
	closers []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// NewFromConfig connects to MongoDB, opens the index and assembles the
// crawl, index and retrieval components described by cfg.
func NewFromConfig(ctx context.Context, cfg *config.SpiderConfig, logger *zap.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	catalog, err := db.NewMongoDB(ctx, cfg.DB, logger.Named("db"))
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, catalog.Close)

	store, err := index.OpenStore(cfg.Index.Path)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, store.Close)

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return rt, fmt.Errorf("init embedder: %w", err)
	}

	condenser, err := NewCondenser(cfg.Budget, logger.Named("condense"))
	if err != nil {
		return rt, err
	}

	crawler, err := NewSpider(cfg.Logic, logger.Named("spider"))
	if err != nil {
		return rt, err
	}

	deps := Deps{
		Catalog:   catalog,
		Crawler:   crawler,
		Indexer:   index.NewIndexer(chunker.New(cfg.Index.ChunkSize), embedder, store, cfg.Index.Workers, logger.Named("index")),
		Retriever: index.NewRetriever(embedder, store, logger.Named("retriever")),
		Condenser: condenser,
	}
	opts := Options{
		Crawl: models.CrawlOptions{
			MaxDepth: cfg.Logic.MaxDepth,
			MaxPages: cfg.Logic.MaxPages,
			Timeout:  cfg.Logic.Timeout(),
			Delay:    cfg.Logic.Delay(),
		},
		TopK: cfg.Index.TopK,
	}
	rt.App = New(deps, opts, logger)

	logger.Info("knowledge spider ready",
		zap.String("database", cfg.DB.Database),
		zap.String("index", cfg.Index.Path),
		zap.String("embedder", embedder.Name()),
		zap.String("fetcher", cfg.Logic.Fetcher))
	return rt, nil
}

// NewSpider builds the crawler selected by cfg.Fetcher.
func NewSpider(cfg config.LogicConfig, logger *zap.Logger) (*spider.Spider, error) {
	links, err := urlqueue.CompilePatterns(cfg.FollowPatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	opts := spider.Options{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		UseSitemap:    cfg.UseSitemap,
		Links:         links,
	}

	var fetcher spider.Fetcher
	switch cfg.Fetcher {
	case "colly":
		fetcher = spider.NewCollyFetcher(cfg.UserAgent, cfg.Timeout())
	case "", "http":
		hf := spider.NewHTTPFetcher(cfg.UserAgent, cfg.Timeout())
		opts.SitemapClient = hf.Client()
		fetcher = hf
	default:
		return nil, fmt.Errorf("unknown fetcher %q", cfg.Fetcher)
	}

	return spider.New(fetcher, extract.New(cfg.Readability, logger), opts, logger), nil
}

// NewCondenser builds a budget manager over the cl100k tokenizer and the
// built-in model limits.
func NewCondenser(budget config.BudgetConfig, logger *zap.Logger) (*condense.Manager, error) {
	tok, err := tokens.NewTiktoken(tokens.DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return condense.NewManager(tok, tokens.DefaultTable(), condense.Config{
		PerMessageOverhead: budget.PerMessageOverhead,
		KBFloor:            budget.KBFloor,
		DiffReserve:        budget.DiffReserve,
	}, logger), nil
}
