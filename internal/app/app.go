package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"knowledge_spider/internal/condense"
	"knowledge_spider/internal/index"
	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

var (
	ErrCrawlInProgress = errors.New("a crawl is already in progress")
	ErrIndexInProgress = errors.New("an index build is already in progress")
	ErrSourceNotFound  = errors.New("source not found")
	ErrDuplicateSource = errors.New("source already added")
	ErrInvalidName     = errors.New("knowledge base name must not be empty")
)

// Catalog persists knowledge bases and their harvested pages.
type Catalog interface {
	CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error)
	SaveKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	SaveSourcePages(ctx context.Context, kbID, sourceID string, pages []models.Page) (int, error)
	SourcePages(ctx context.Context, kbID, sourceID string) ([]models.Page, error)
	PageStats(ctx context.Context, kbID string) (models.PageStats, error)
}

type Crawler interface {
	Crawl(ctx context.Context, seedURL string, opts models.CrawlOptions, onProgress func(models.CrawlProgress)) (*models.CrawlResult, error)
}

type Deps struct {
	Catalog   Catalog
	Crawler   Crawler
	Indexer   *index.Indexer
	Retriever *index.Retriever
	Condenser *condense.Manager
}

type Options struct {
	// Crawl.MaxDepth is overridden by each knowledge base's CrawlDepth.
	Crawl models.CrawlOptions
	TopK  int
}

// App runs the knowledge base workflows: catalog edits, crawling a source,
// building the index and answering queries. At most one crawl and one
// index build run at a time; their state is readable while they run.
type App struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	crawl    models.CrawlState
	indexing models.IndexState

	now   func() time.Time
	newID func() string
}

func New(deps Deps, opts Options, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK <= 0 {
		opts.TopK = index.DefaultTopK
	}
	return &App{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		indexing: models.IndexState{Phase: models.IndexPhaseIdle},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (a *App) CreateKnowledgeBase(ctx context.Context, name string, crawlDepth int) (*models.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if crawlDepth <= 0 {
		crawlDepth = a.opts.Crawl.MaxDepth
	}

	kb := &models.KnowledgeBase{
		ID:         a.newID(),
		Name:       name,
		CreatedAt:  a.now().UTC(),
		Sources:    []models.Source{},
		CrawlDepth: crawlDepth,
	}
	if err := a.deps.Catalog.CreateKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}
	a.logger.Info("knowledge base created", zap.String("kb_id", kb.ID), zap.String("name", kb.Name))
	return kb, nil
}

func (a *App) ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error) {
	return a.deps.Catalog.ListKnowledgeBases(ctx)
}

func (a *App) KnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	return a.deps.Catalog.GetKnowledgeBase(ctx, id)
}

func (a *App) PageStats(ctx context.Context, kbID string) (models.PageStats, error) {
	if _, err := a.deps.Catalog.GetKnowledgeBase(ctx, kbID); err != nil {
		return models.PageStats{}, err
	}
	return a.deps.Catalog.PageStats(ctx, kbID)
}

// AddSource registers a seed URL with a knowledge base as a pending source.
func (a *App) AddSource(ctx context.Context, kbID, rawURL string) (*models.Source, error) {
	normalized, ok := urlqueue.NormalizeURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("invalid source url %q", rawURL)
	}

	kb, err := a.deps.Catalog.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	for _, s := range kb.Sources {
		if s.URL == normalized {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, normalized)
		}
	}

	kb.Sources = append(kb.Sources, models.Source{
		ID:      a.newID(),
		URL:     normalized,
		AddedAt: a.now().UTC(),
		Status:  models.SourceStatusPending,
	})
	if err := a.deps.Catalog.SaveKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}
	src := kb.Sources[len(kb.Sources)-1]
	a.logger.Info("source added", zap.String("kb_id", kbID), zap.String("source_id", src.ID), zap.String("url", src.URL))
	return &src, nil
}

func (a *App) CrawlState() models.CrawlState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.crawl
}

func (a *App) IndexState() models.IndexState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.indexing
}

// CrawlSource crawls one source of a knowledge base and stores its pages.
// The source ends in status complete, or error when the crawl was
// cancelled, harvested nothing, or its pages could not be stored.
func (a *App) CrawlSource(ctx context.Context, kbID, sourceID string, onProgress func(models.CrawlProgress)) (*models.CrawlResult, error) {
	if err := a.beginCrawl(kbID, sourceID); err != nil {
		return nil, err
	}
	defer a.endCrawl()

	kb, err := a.deps.Catalog.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	src, ok := kb.Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
	}
	if src.Status == models.SourceStatusCrawling {
		// left over from an interrupted run
		_ = src.SetStatus(models.SourceStatusError)
	}
	if err := src.SetStatus(models.SourceStatusCrawling); err != nil {
		return nil, err
	}
	src.Error = ""
	if err := a.deps.Catalog.SaveKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}

	opts := a.opts.Crawl
	opts.MaxDepth = kb.CrawlDepth
	log := a.logger.With(zap.String("kb_id", kbID), zap.String("source_id", sourceID))
	log.Info("crawl started", zap.String("url", src.URL), zap.Int("max_depth", opts.MaxDepth), zap.Int("max_pages", opts.MaxPages))

	result, crawlErr := a.deps.Crawler.Crawl(ctx, src.URL, opts, func(p models.CrawlProgress) {
		a.mu.Lock()
		a.crawl.Progress, a.crawl.Total, a.crawl.CurrentURL = p.Crawled, p.Total, p.CurrentURL
		a.mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	})

	// the outcome is recorded even when ctx is already cancelled
	saveCtx := context.WithoutCancel(ctx)
	fail := func(cause error) (*models.CrawlResult, error) {
		if err := src.SetStatus(models.SourceStatusError); err != nil {
			return result, err
		}
		src.Error = cause.Error()
		if err := a.deps.Catalog.SaveKnowledgeBase(saveCtx, kb); err != nil {
			log.Error("failed to record crawl failure", zap.Error(err))
		}
		log.Warn("crawl failed", zap.Error(cause))
		return result, cause
	}

	if crawlErr != nil {
		return fail(crawlErr)
	}
	if len(result.Pages) == 0 && len(result.Errors) > 0 {
		return fail(fmt.Errorf("no pages harvested: %s: %s", result.Errors[0].URL, result.Errors[0].Error))
	}

	changed, err := a.deps.Catalog.SaveSourcePages(saveCtx, kbID, sourceID, result.Pages)
	if err != nil {
		return fail(fmt.Errorf("store pages: %w", err))
	}

	now := a.now().UTC()
	src.PageCount = len(result.Pages)
	src.LastCrawledAt = &now
	if err := src.SetStatus(models.SourceStatusComplete); err != nil {
		return result, err
	}
	kb.RecountPages()
	if err := a.deps.Catalog.SaveKnowledgeBase(saveCtx, kb); err != nil {
		return result, err
	}

	log.Info("crawl finished",
		zap.Int("pages", len(result.Pages)),
		zap.Int("changed", changed),
		zap.Int("errors", len(result.Errors)),
		zap.Int("total_pages", kb.TotalPages))
	return result, nil
}

func (a *App) beginCrawl(kbID, sourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.crawl.IsActive {
		return ErrCrawlInProgress
	}
	a.crawl = models.CrawlState{IsActive: true, KBID: kbID, SourceID: sourceID}
	return nil
}

func (a *App) endCrawl() {
	a.mu.Lock()
	a.crawl = models.CrawlState{}
	a.mu.Unlock()
}

// Pages returns every stored page of a knowledge base, source by source in
// the order the sources were added.
func (a *App) Pages(ctx context.Context, kbID string) ([]models.Page, error) {
	kb, err := a.deps.Catalog.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	var pages []models.Page
	for _, s := range kb.Sources {
		sp, err := a.deps.Catalog.SourcePages(ctx, kbID, s.ID)
		if err != nil {
			return nil, err
		}
		pages = append(pages, sp...)
	}
	return pages, nil
}

// IndexKnowledgeBase rebuilds the index of a knowledge base from its
// stored pages.
func (a *App) IndexKnowledgeBase(ctx context.Context, kbID string, onProgress func(models.IndexProgress)) error {
	a.mu.Lock()
	if a.indexing.IsActive {
		a.mu.Unlock()
		return ErrIndexInProgress
	}
	a.indexing = models.IndexState{IsActive: true, KBID: kbID, Phase: models.IndexPhaseIdle}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.indexing = models.IndexState{Phase: models.IndexPhaseIdle}
		a.mu.Unlock()
	}()

	pages, err := a.Pages(ctx, kbID)
	if err != nil {
		return err
	}

	return a.deps.Indexer.Build(ctx, kbID, pages, func(p models.IndexProgress) {
		a.mu.Lock()
		a.indexing.Phase, a.indexing.Progress, a.indexing.Total = p.Phase, p.Current, p.Total
		a.mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	})
}

func (a *App) Search(ctx context.Context, kbID, query string, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = a.opts.TopK
	}
	return a.deps.Retriever.Search(ctx, kbID, query, topK)
}
