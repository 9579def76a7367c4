package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// site serves HTML pages whose bodies link to other paths on the same server.
type site struct {
	mu    sync.Mutex
	hits  map[string]int
	pages map[string][]string
	mux   *http.ServeMux
	srv   *httptest.Server
}

func newSite(t *testing.T, pages map[string][]string) *site {
	t.Helper()
	s := &site{hits: make(map[string]int), pages: pages, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		links, ok := s.pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		var sb strings.Builder
		fmt.Fprintf(&sb, "<html><head><title>Page %s</title></head><body><p>content of %s</p>", r.URL.Path, r.URL.Path)
		for _, l := range links {
			fmt.Fprintf(&sb, `<a href="%s">link</a>`, l)
		}
		sb.WriteString("</body></html>")
		_, _ = w.Write([]byte(sb.String()))
	})
	s.srv = httptest.NewServer(s.mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) url(path string) string {
	return s.srv.URL + path
}

func (s *site) hitCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

func newTestSpider(opts Options) *Spider {
	return New(NewHTTPFetcher("test-agent", 5*time.Second), nil, opts, nil)
}

func pageURLs(result *models.CrawlResult) []string {
	urls := make([]string, 0, len(result.Pages))
	for _, p := range result.Pages {
		urls = append(urls, p.URL)
	}
	sort.Strings(urls)
	return urls
}

func TestCrawlCyclicSite(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/a": {"/b"},
		"/b": {"/c"},
		"/c": {"/a", "/a#again"},
	})

	var progress []models.CrawlProgress
	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/a"),
		models.CrawlOptions{MaxDepth: 2, MaxPages: 10, Timeout: time.Second},
		func(p models.CrawlProgress) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/a"), s.url("/b"), s.url("/c")}, pageURLs(result))
	assert.Empty(t, result.Errors)
	assert.Equal(t, map[string]int{"/a": 1, "/b": 1, "/c": 1}, s.hitCounts())

	require.NotEmpty(t, progress)
	assert.Equal(t, s.url("/a"), progress[0].CurrentURL)
	assert.Equal(t, 0, progress[0].Crawled)
	last := progress[len(progress)-1]
	assert.Equal(t, "", last.CurrentURL)
	assert.Equal(t, 3, last.Crawled)
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":   {"/d1"},
		"/d1": {"/d2"},
		"/d2": {"/d3"},
		"/d3": {},
	})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/d1")}, pageURLs(result))
	assert.Zero(t, s.hitCounts()["/d2"])
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":   {"/p1", "/p2", "/p3", "/p4"},
		"/p1": {},
		"/p2": {},
		"/p3": {},
		"/p4": {},
	})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 3, MaxPages: 2, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Len(t, result.Pages, 2)
}

func TestCrawlZeroMaxPages(t *testing.T) {
	s := newSite(t, map[string][]string{"/": {}})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 3, MaxPages: 0}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Pages)
	assert.Empty(t, s.hitCounts())
}

func TestCrawlStaysOnSeedHost(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":      {"https://elsewhere.invalid/page", "/local"},
		"/local": {},
	})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 2, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/local")}, pageURLs(result))
	assert.Empty(t, result.Errors)
}

func TestCrawlRecordsPerURLErrors(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":   {"/missing", "/data.json", "/ok"},
		"/ok": {},
	})
	s.mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":1}`))
	})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/ok")}, pageURLs(result))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, models.CrawlError{URL: s.url("/missing"), Error: "HTTP 404"}, result.Errors[0])
	assert.Equal(t, s.url("/data.json"), result.Errors[1].URL)
	assert.Contains(t, result.Errors[1].Error, "non-HTML")
}

func TestCrawlTimeoutIsPerFetch(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":     {"/slow", "/fast"},
		"/fast": {},
	})
	s.mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/fast")}, pageURLs(result))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, s.url("/slow"), result.Errors[0].URL)
}

func TestCrawlRobotsDisallow(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":               {"/private/secret", "/public"},
		"/public":         {},
		"/private/secret": {},
	})
	s.mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})

	result, err := newTestSpider(Options{RespectRobots: true, UserAgent: "test-agent"}).Crawl(
		context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/public")}, pageURLs(result))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "blocked by robots.txt", result.Errors[0].Error)
	assert.Zero(t, s.hitCounts()["/private/secret"])
}

func TestCrawlRedirects(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":    {"/old", "/loop"},
		"/new": {},
	})
	s.mux.Handle("/old", http.RedirectHandler("/new", http.StatusMovedPermanently))
	s.mux.Handle("/loop", http.RedirectHandler("/", http.StatusFound))

	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{s.url("/"), s.url("/new")}, pageURLs(result))
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, s.hitCounts()["/new"])
}

// fakeFetcher serves canned responses keyed by request URL.
type fakeFetcher map[string]*Response

func (f fakeFetcher) Fetch(_ context.Context, u string) (*Response, error) {
	if resp, ok := f[u]; ok {
		return resp, nil
	}
	return &Response{URL: u, StatusCode: http.StatusNotFound}, nil
}

func TestCrawlOffHostRedirectIsAnError(t *testing.T) {
	const html = "text/html"
	f := fakeFetcher{
		"https://docs.example.com/": {
			URL: "https://docs.example.com/", StatusCode: 200, ContentType: html,
			Body: `<html><body><a href="/moved">m</a></body></html>`,
		},
		"https://docs.example.com/moved": {
			URL: "https://api.docs.example.com/moved", StatusCode: 200, ContentType: html,
			Body: `<html><body>elsewhere</body></html>`,
		},
	}

	result, err := New(f, nil, Options{}, nil).Crawl(context.Background(), "https://docs.example.com/",
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10}, nil)
	require.NoError(t, err)

	require.Len(t, result.Pages, 1)
	assert.Equal(t, "https://docs.example.com/", result.Pages[0].URL)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "https://docs.example.com/moved", result.Errors[0].URL)
	assert.Contains(t, result.Errors[0].Error, "off-host")
}

func TestCrawlExcludePatterns(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":      {"/login", "/docs"},
		"/docs":  {},
		"/login": {},
	})
	links, err := urlqueue.CompilePatterns(nil, []string{"/login"})
	require.NoError(t, err)

	result, err := newTestSpider(Options{Links: links}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/"), s.url("/docs")}, pageURLs(result))
}

func TestCrawlFollowPatterns(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":           {"/docs/intro", "/blog/news"},
		"/docs/intro": {"/docs/setup", "/pricing"},
		"/docs/setup": {},
		"/blog/news":  {},
		"/pricing":    {},
	})
	links, err := urlqueue.CompilePatterns([]string{"/docs/"}, nil)
	require.NoError(t, err)

	result, err := newTestSpider(Options{Links: links}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 3, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/"), s.url("/docs/intro"), s.url("/docs/setup")}, pageURLs(result))
	assert.Zero(t, s.hitCounts()["/blog/news"])
}

func TestCrawlSitemapSeeding(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":       {},
		"/hidden": {},
	})
	s.mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s</loc></url><url><loc>https://elsewhere.invalid/x</loc></url></urlset>`, s.url("/hidden"))
	})

	fetcher := NewHTTPFetcher("test-agent", time.Second)
	sp := New(fetcher, nil, Options{UseSitemap: true, SitemapClient: fetcher.Client()}, nil)
	result, err := sp.Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/"), s.url("/hidden")}, pageURLs(result))
}

func TestCrawlSitemapEntriesCountAsOneHop(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":       {},
		"/hidden": {"/deeper"},
		"/deeper": {},
	})
	s.mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s</loc></url></urlset>`, s.url("/hidden"))
	})

	fetcher := NewHTTPFetcher("test-agent", time.Second)
	sp := New(fetcher, nil, Options{UseSitemap: true, SitemapClient: fetcher.Client()}, nil)

	result, err := sp.Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 0, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/")}, pageURLs(result))
	assert.Zero(t, s.hitCounts()["/hidden"])

	result, err = sp.Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/"), s.url("/hidden")}, pageURLs(result))
	assert.Zero(t, s.hitCounts()["/deeper"])
}

func TestCrawlDelayBetweenFetches(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/":  {"/x"},
		"/x": {},
	})

	start := time.Now()
	result, err := newTestSpider(Options{}).Crawl(context.Background(), s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10, Timeout: time.Second, Delay: 150 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Len(t, result.Pages, 2)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestCrawlCancelled(t *testing.T) {
	s := newSite(t, map[string][]string{"/": {}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestSpider(Options{}).Crawl(ctx, s.url("/"),
		models.CrawlOptions{MaxDepth: 1, MaxPages: 10}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCrawlInvalidSeed(t *testing.T) {
	for _, seed := range []string{"", "ftp://example.com", "not a url", "mailto:x@y.z"} {
		_, err := newTestSpider(Options{}).Crawl(context.Background(), seed, models.CrawlOptions{MaxPages: 1}, nil)
		assert.True(t, errors.Is(err, ErrInvalidSeed), seed)
	}
}

func TestCollyFetcher(t *testing.T) {
	s := newSite(t, map[string][]string{"/": {"/next"}})

	f := NewCollyFetcher("test-agent", time.Second)
	resp, err := f.Fetch(context.Background(), s.url("/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.IsHTML())
	assert.Contains(t, resp.Body, `href="/next"`)

	resp, err = f.Fetch(context.Background(), s.url("/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCrawlWithCollyFetcher(t *testing.T) {
	s := newSite(t, map[string][]string{
		"/a": {"/b"},
		"/b": {"/a"},
	})

	sp := New(NewCollyFetcher("test-agent", time.Second), nil, Options{}, nil)
	result, err := sp.Crawl(context.Background(), s.url("/a"),
		models.CrawlOptions{MaxDepth: 2, MaxPages: 10, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{s.url("/a"), s.url("/b")}, pageURLs(result))
}
