package urlqueue

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type Task struct {
	URL   string
	Depth int
}

// Frontier is a FIFO work queue plus the visited set of one crawl.
// It is not safe for concurrent use.
type Frontier struct {
	queue   []Task
	seen    map[string]bool
	visited map[string]bool
}

func NewFrontier() *Frontier {
	return &Frontier{
		queue:   make([]Task, 0),
		seen:    make(map[string]bool),
		visited: make(map[string]bool),
	}
}

// Add enqueues an already normalized URL unless it was queued or visited before.
func (q *Frontier) Add(normalized string, depth int) bool {
	if q.seen[normalized] {
		return false
	}
	q.seen[normalized] = true
	q.queue = append(q.queue, Task{URL: normalized, Depth: depth})
	return true
}

func (q *Frontier) Get() (Task, bool) {
	if len(q.queue) == 0 {
		return Task{}, false
	}
	task := q.queue[0]
	q.queue = q.queue[1:]
	return task, true
}

// MarkVisited returns false if the URL was already visited.
func (q *Frontier) MarkVisited(normalized string) bool {
	if q.visited[normalized] {
		return false
	}
	q.visited[normalized] = true
	q.seen[normalized] = true
	return true
}

func (q *Frontier) Size() int {
	return len(q.queue)
}

// NormalizeURL returns the canonical form used for dedup: http(s) only,
// lowercase scheme and host, no fragment, "/" for an empty path.
func NormalizeURL(urlStr string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", false
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}

	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	if parsed.Path == "" {
		parsed.Path = "/"
		parsed.RawPath = ""
	}

	return parsed.String(), true
}

var discardedSchemes = []string{"javascript:", "mailto:", "tel:"}

// NormalizeLink resolves href against base and normalizes it.
func NormalizeLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	lower := strings.ToLower(href)
	for _, scheme := range discardedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}

	return NormalizeURL(ref.String())
}

// SameHost compares exact hostnames; subdomains do not match.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && strings.EqualFold(ua.Hostname(), ub.Hostname())
}

func ComputeContentHash(content string) string {
	hash := md5.Sum([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// Patterns filters links. A link is followed when it matches no exclude
// pattern and, if any follow patterns are set, at least one of them.
type Patterns struct {
	follow  []*regexp.Regexp
	exclude []*regexp.Regexp
}

func CompilePatterns(follow, exclude []string) (*Patterns, error) {
	p := &Patterns{}
	var err error
	if p.follow, err = compileAll("follow", follow); err != nil {
		return nil, err
	}
	if p.exclude, err = compileAll("exclude", exclude); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (p *Patterns) URLShouldBeFollowed(urlStr string) bool {
	if p == nil {
		return true
	}
	for _, re := range p.exclude {
		if re.MatchString(urlStr) {
			return false
		}
	}
	if len(p.follow) == 0 {
		return true
	}
	for _, re := range p.follow {
		if re.MatchString(urlStr) {
			return true
		}
	}
	return false
}
