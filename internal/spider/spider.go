package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"knowledge_spider/internal/extract"
	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

var ErrInvalidSeed = errors.New("invalid seed url")

type Options struct {
	UserAgent     string
	RespectRobots bool
	// UseSitemap seeds depth 1 from /sitemap.xml on the seed host.
	UseSitemap bool
	// SitemapClient is used for sitemap downloads; defaults to a client
	// with the crawl timeout.
	SitemapClient *http.Client
	// Links filters discovered links; nil follows every same-host link.
	Links *urlqueue.Patterns
}

type Spider struct {
	fetcher   Fetcher
	extractor *extract.Extractor
	opts      Options
	logger    *zap.Logger
}

func New(fetcher Fetcher, extractor *extract.Extractor, opts Options, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = extract.New(false, logger)
	}
	return &Spider{
		fetcher:   fetcher,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
	}
}

// Crawl walks the seed's host breadth-first with one fetch in flight.
// Per-URL failures land in the result's Errors; only an invalid seed or a
// cancelled ctx is returned as an error.
func (s *Spider) Crawl(ctx context.Context, seedURL string, opts models.CrawlOptions, onProgress func(models.CrawlProgress)) (*models.CrawlResult, error) {
	seed, ok := urlqueue.NormalizeURL(seedURL)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeed, seedURL)
	}
	seedParsed, _ := url.Parse(seed)

	report := func(p models.CrawlProgress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	result := &models.CrawlResult{
		Pages:  make([]models.Page, 0),
		Errors: make([]models.CrawlError, 0),
	}
	if opts.MaxPages <= 0 {
		report(models.CrawlProgress{})
		return result, nil
	}

	frontier := urlqueue.NewFrontier()
	frontier.Add(seed, 0)

	var robots *RobotsPolicy
	if s.opts.RespectRobots {
		robots = LoadRobots(ctx, s.fetcher, seedParsed, s.opts.UserAgent, s.logger)
	}
	if s.opts.UseSitemap && opts.MaxDepth >= 1 {
		s.seedFromSitemap(ctx, seedParsed, seed, opts.Timeout, frontier)
	}

	s.logger.Info("crawl started",
		zap.String("seed", seed),
		zap.Int("max_depth", opts.MaxDepth),
		zap.Int("max_pages", opts.MaxPages))

	crawled := 0
	for len(result.Pages) < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		task, ok := frontier.Get()
		if !ok {
			break
		}
		if !frontier.MarkVisited(task.URL) {
			continue
		}

		report(models.CrawlProgress{
			Crawled:    crawled,
			Total:      crawled + frontier.Size() + 1,
			CurrentURL: task.URL,
		})
		crawled++

		if !robots.Allowed(task.URL) {
			result.Errors = append(result.Errors, models.CrawlError{URL: task.URL, Error: "blocked by robots.txt"})
			continue
		}

		page, err := s.harvest(ctx, task, seed, opts.Timeout, frontier)
		if err != nil {
			s.logger.Debug("fetch failed", zap.String("url", task.URL), zap.Error(err))
			result.Errors = append(result.Errors, models.CrawlError{URL: task.URL, Error: err.Error()})
		} else if page != nil {
			result.Pages = append(result.Pages, *page)
			if task.Depth < opts.MaxDepth {
				s.enqueueLinks(page.Links, seed, task.Depth+1, frontier)
			}
		}

		if frontier.Size() > 0 && len(result.Pages) < opts.MaxPages {
			if err := sleep(ctx, opts.Delay); err != nil {
				return result, err
			}
		}
	}

	report(models.CrawlProgress{Crawled: crawled, Total: crawled})
	s.logger.Info("crawl finished",
		zap.String("seed", seed),
		zap.Int("pages", len(result.Pages)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// harvest fetches and extracts one task. A nil page with a nil error
// means the fetch redirected onto an already visited URL.
func (s *Spider) harvest(ctx context.Context, task urlqueue.Task, seed string, timeout time.Duration, frontier *urlqueue.Frontier) (*models.Page, error) {
	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.fetcher.Fetch(fetchCtx, task.URL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if !resp.IsHTML() {
		return nil, fmt.Errorf("non-HTML content type %q", resp.ContentType)
	}

	pageURL := task.URL
	if final, ok := urlqueue.NormalizeURL(resp.URL); ok && final != task.URL {
		if !urlqueue.SameHost(final, seed) {
			return nil, fmt.Errorf("redirected off-host to %s", final)
		}
		if !frontier.MarkVisited(final) {
			return nil, nil
		}
		pageURL = final
	}

	page, err := s.extractor.Extract(resp.Body, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return page, nil
}

func (s *Spider) enqueueLinks(links []string, seed string, depth int, frontier *urlqueue.Frontier) {
	added := 0
	for _, link := range links {
		if !urlqueue.SameHost(link, seed) || !s.opts.Links.URLShouldBeFollowed(link) {
			continue
		}
		if frontier.Add(link, depth) {
			added++
		}
	}
	s.logger.Debug("links queued", zap.Int("added", added), zap.Int("depth", depth))
}

func (s *Spider) seedFromSitemap(ctx context.Context, seedURL *url.URL, seed string, timeout time.Duration, frontier *urlqueue.Frontier) {
	client := s.opts.SitemapClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	sitemapURL := fmt.Sprintf("%s://%s/sitemap.xml", seedURL.Scheme, seedURL.Host)

	locs, err := urlqueue.FetchSitemap(ctx, client, sitemapURL)
	if err != nil {
		s.logger.Debug("sitemap unavailable", zap.String("url", sitemapURL), zap.Error(err))
		return
	}

	var normalized []string
	for _, loc := range locs {
		if n, ok := urlqueue.NormalizeURL(loc); ok {
			normalized = append(normalized, n)
		}
	}
	s.enqueueLinks(normalized, seed, 1, frontier)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
