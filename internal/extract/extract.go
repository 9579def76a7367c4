package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

// noiseSelector lists elements whose text never belongs in page text.
const noiseSelector = "script, style, noscript, nav, header, footer, img, svg, iframe, template"

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"figcaption": true, "figure": true, "form": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"hr": true, "li": true, "main": true, "ol": true, "p": true,
	"pre": true, "section": true, "table": true, "td": true, "th": true,
	"tr": true, "ul": true,
}

type Extractor struct {
	// Readability narrows Text to the main article when it finds one.
	Readability bool
	logger      *zap.Logger
}

func New(readabilityMode bool, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{Readability: readabilityMode, logger: logger}
}

// Extract turns raw markup into a Page. Links are resolved against pageURL,
// normalized and deduplicated in first-seen order; host filtering is left
// to the crawler.
func (e *Extractor) Extract(rawHTML, pageURL string) (*models.Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &models.Page{
		URL:   pageURL,
		Title: normalizeText(doc.Find("title").First().Text()),
		Links: extractLinks(doc, base),
	}

	if e.Readability {
		if text, ok := e.articleText(rawHTML, base); ok {
			page.Text = text
			return page, nil
		}
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	page.Text = visibleText(body)
	return page, nil
}

func (e *Extractor) articleText(rawHTML string, base *url.URL) (string, bool) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), base)
	if err != nil {
		e.logger.Debug("readability failed, using full body", zap.String("url", base.String()), zap.Error(err))
		return "", false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return "", false
	}
	text := visibleText(doc.Selection)
	return text, text != ""
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	links := make([]string, 0)
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := urlqueue.NormalizeLink(base, href)
		if !ok || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})

	return links
}

// visibleText returns the selection's text with noise elements dropped,
// block boundaries turned into spaces and whitespace collapsed.
func visibleText(sel *goquery.Selection) string {
	sel = sel.Clone()
	sel.Find(noiseSelector).Remove()

	var sb strings.Builder
	for _, n := range sel.Nodes {
		writeText(&sb, n)
	}
	return normalizeText(sb.String())
}

func writeText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}

	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(sb, c)
	}
	if block {
		sb.WriteByte(' ')
	}
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
