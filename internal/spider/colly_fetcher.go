package spider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly"
)

// CollyFetcher fetches through a colly collector. A fresh collector is
// built per fetch so the crawler keeps sole ownership of dedup and depth.
type CollyFetcher struct {
	userAgent string
	timeout   time.Duration
}

func NewCollyFetcher(userAgent string, timeout time.Duration) *CollyFetcher {
	return &CollyFetcher{userAgent: userAgent, timeout: timeout}
}

func (f *CollyFetcher) Fetch(ctx context.Context, urlStr string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	c := colly.NewCollector(
		colly.UserAgent(f.userAgent),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.MaxBodySize(maxBodySize),
	)
	c.IgnoreRobotsTxt = true
	c.WithTransport(&http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	})
	c.SetRequestTimeout(timeout)
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= MaxHops {
			return fmt.Errorf("stopped after %d redirects (MaxHops exceeded)", MaxHops)
		}
		return nil
	})

	var (
		out      *Response
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		out = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       string(r.Body),
		}
		if r.Headers != nil {
			out.ContentType = r.Headers.Get("Content-Type")
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		// colly reports non-2xx statuses here; surface them as responses
		if r != nil && r.StatusCode != 0 {
			out = &Response{URL: r.Request.URL.String(), StatusCode: r.StatusCode}
			if r.Headers != nil {
				out.ContentType = r.Headers.Get("Content-Type")
			}
			return
		}
		fetchErr = err
	})

	if err := c.Visit(urlStr); err != nil && fetchErr == nil && out == nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if out == nil {
		return nil, fmt.Errorf("no response for %s", urlStr)
	}
	return out, nil
}
