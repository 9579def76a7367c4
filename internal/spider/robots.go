package spider

import (
	"context"
	"fmt"
	"net/url"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// RobotsPolicy answers whether a URL may be fetched. A nil policy or a
// missing robots.txt allows everything.
type RobotsPolicy struct {
	group *robotstxt.Group
}

func LoadRobots(ctx context.Context, fetcher Fetcher, seed *url.URL, userAgent string, logger *zap.Logger) *RobotsPolicy {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", seed.Scheme, seed.Host)

	resp, err := fetcher.Fetch(ctx, robotsURL)
	if err != nil {
		logger.Debug("robots.txt unavailable, ignoring", zap.String("url", robotsURL), zap.Error(err))
		return &RobotsPolicy{}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RobotsPolicy{}
	}

	data, err := robotstxt.FromStatusAndString(resp.StatusCode, resp.Body)
	if err != nil {
		logger.Warn("robots.txt parse failed", zap.String("url", robotsURL), zap.Error(err))
		return &RobotsPolicy{}
	}

	logger.Debug("robots.txt loaded", zap.String("url", robotsURL))
	return &RobotsPolicy{group: data.FindGroup(userAgent)}
}

func (p *RobotsPolicy) Allowed(rawURL string) bool {
	if p == nil || p.group == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return p.group.Test(u.EscapedPath())
}
