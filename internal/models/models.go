package models

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrInvalidStatusTransition = errors.New("invalid source status transition")

type SourceStatus string

const (
	SourceStatusPending  SourceStatus = "pending"
	SourceStatusCrawling SourceStatus = "crawling"
	SourceStatusComplete SourceStatus = "complete"
	SourceStatusError    SourceStatus = "error"
)

// CanTransition reports whether a source may move from s to next.
// Status only moves forward; complete and error may go back to crawling
// for an explicit re-crawl.
func (s SourceStatus) CanTransition(next SourceStatus) bool {
	switch s {
	case SourceStatusPending:
		return next == SourceStatusCrawling
	case SourceStatusCrawling:
		return next == SourceStatusComplete || next == SourceStatusError
	case SourceStatusComplete, SourceStatusError:
		return next == SourceStatusCrawling
	default:
		return false
	}
}

type Source struct {
	ID            string       `bson:"id" json:"id"`
	URL           string       `bson:"url" json:"url"`
	AddedAt       time.Time    `bson:"added_at" json:"addedAt"`
	LastCrawledAt *time.Time   `bson:"last_crawled_at,omitempty" json:"lastCrawledAt,omitempty"`
	PageCount     int          `bson:"page_count" json:"pageCount"`
	Status        SourceStatus `bson:"status" json:"status"`
	Error         string       `bson:"error,omitempty" json:"error,omitempty"`
}

// SetStatus moves the source to next, rejecting out-of-order moves.
func (s *Source) SetStatus(next SourceStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

type KnowledgeBase struct {
	ID         string    `bson:"_id" json:"id"`
	Name       string    `bson:"name" json:"name"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	Sources    []Source  `bson:"sources" json:"sources"`
	CrawlDepth int       `bson:"crawl_depth" json:"crawlDepth"`
	TotalPages int       `bson:"total_pages" json:"totalPages"`
}

// RecountPages recomputes TotalPages from the sources.
func (kb *KnowledgeBase) RecountPages() int {
	total := 0
	for _, s := range kb.Sources {
		total += s.PageCount
	}
	kb.TotalPages = total
	return total
}

func (kb *KnowledgeBase) Source(id string) (*Source, bool) {
	for i := range kb.Sources {
		if kb.Sources[i].ID == id {
			return &kb.Sources[i], true
		}
	}
	return nil, false
}

// Page is one harvested page. It lives only between a fetch and chunking.
type Page struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	Text  string   `json:"text"`
	Links []string `json:"links"`
}

// Chunk offsets are rune offsets into the page text.
type Chunk struct {
	ID        string `json:"id"`
	PageHash  string `json:"pageHash"`
	PageURL   string `json:"pageUrl"`
	PageTitle string `json:"pageTitle"`
	Text      string `json:"text"`
	StartIdx  int    `json:"startIdx"`
	EndIdx    int    `json:"endIdx"`
	Ordinal   int    `json:"ordinal"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type CrawlOptions struct {
	MaxDepth int
	MaxPages int
	Timeout  time.Duration
	Delay    time.Duration
}

type CrawlProgress struct {
	Crawled    int    `json:"crawled"`
	Total      int    `json:"total"`
	CurrentURL string `json:"currentUrl"`
}

type CrawlError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type CrawlResult struct {
	Pages  []Page       `json:"pages"`
	Errors []CrawlError `json:"errors"`
}

type CrawlState struct {
	IsActive   bool   `json:"isActive"`
	KBID       string `json:"kbId,omitempty"`
	SourceID   string `json:"sourceId,omitempty"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"`
	CurrentURL string `json:"currentUrl"`
}

type IndexPhase string

const (
	IndexPhaseIdle      IndexPhase = "idle"
	IndexPhaseChunking  IndexPhase = "chunking"
	IndexPhaseEmbedding IndexPhase = "embedding"
	IndexPhaseSaving    IndexPhase = "saving"
)

type IndexProgress struct {
	Phase   IndexPhase `json:"phase"`
	Current int        `json:"current"`
	Total   int        `json:"total"`
}

type IndexState struct {
	IsActive bool       `json:"isActive"`
	KBID     string     `json:"kbId,omitempty"`
	Phase    IndexPhase `json:"phase"`
	Progress int        `json:"progress"`
	Total    int        `json:"total"`
}

type CondenseStrategy string

const (
	StrategyNone         CondenseStrategy = "none"
	StrategyReduceKB     CondenseStrategy = "reduce-kb"
	StrategyTruncateDiff CondenseStrategy = "truncate-diff"
	StrategyBoth         CondenseStrategy = "both"
)

type CondenseResult struct {
	Condensed      bool             `json:"condensed"`
	Strategy       CondenseStrategy `json:"strategy"`
	OriginalTokens int              `json:"originalTokens"`
	FinalTokens    int              `json:"finalTokens"`
	SystemPrompt   string           `json:"systemPrompt"`
	UserPrompt     string           `json:"userPrompt"`
	Warnings       []string         `json:"warnings"`
}

// Document is the persisted copy of a harvested page.
type Document struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	KBID          string             `bson:"kb_id"`
	SourceID      string             `bson:"source_id"`
	URL           string             `bson:"url"`
	NormalizedURL string             `bson:"normalized_url"`
	Title         string             `bson:"title"`
	Content       string             `bson:"content"`
	ContentHash   string             `bson:"content_hash"`
	FirstScraped  int64              `bson:"first_scraped"`
	LastScraped   int64              `bson:"last_scraped"`
	LastModified  int64              `bson:"last_modified"`
	ScrapedCount  int                `bson:"scraped_count"`
	ContentLength int                `bson:"content_length"`
	// Ordinal is the page's position in its source's last crawl.
	Ordinal       int                `bson:"ordinal"`
}

func (d *Document) Page() Page {
	return Page{URL: d.URL, Title: d.Title, Text: d.Content}
}

type PageStats struct {
	Documents        int     `bson:"total_documents" json:"documents"`
	AvgContentLength float64 `bson:"avg_content_length" json:"avgContentLength"`
	MaxScrapedCount  int     `bson:"max_scraped_count" json:"maxScrapedCount"`
}
