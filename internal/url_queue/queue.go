package urlqueue

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// maxSitemapBytes caps a single sitemap download.
const maxSitemapBytes = 10 << 20

type sitemapIndex struct {
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type urlSet struct {
	URLs []sitemapEntry `xml:"url"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

// FetchSitemap returns the page locations listed in a sitemap. A sitemap
// index is followed one level deep; child sitemaps that fail are skipped.
func FetchSitemap(ctx context.Context, client *http.Client, sitemapURL string) ([]string, error) {
	data, err := getSitemap(ctx, client, sitemapURL)
	if err != nil {
		return nil, err
	}

	var si sitemapIndex
	if err := xml.Unmarshal(data, &si); err == nil && len(si.Sitemaps) > 0 {
		var locs []string
		for _, s := range si.Sitemaps {
			child, err := getSitemap(ctx, client, s.Loc)
			if err != nil {
				continue
			}
			locs = append(locs, parseURLSet(child)...)
		}
		return locs, nil
	}

	return parseURLSet(data), nil
}

func parseURLSet(data []byte) []string {
	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil
	}
	locs := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			locs = append(locs, u.Loc)
		}
	}
	return locs
}

func getSitemap(ctx context.Context, client *http.Client, sitemapURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemapURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap %s: HTTP %d", sitemapURL, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
}
