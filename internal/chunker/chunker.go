package chunker

import (
	"fmt"
	"unicode"

	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

const DefaultSize = 800

// Chunker splits page text into contiguous, non-overlapping spans of at
// most Size runes. A span end is moved back to the last whitespace in its
// window when there is one, so words are not cut in half.
type Chunker struct {
	Size int
}

func New(size int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &Chunker{Size: size}
}

// Split returns the chunks of one page. ordinalBase is added to each
// chunk's Ordinal so ordinals stay unique across a whole build.
func (c *Chunker) Split(page models.Page, ordinalBase int) []models.Chunk {
	runes := []rune(page.Text)
	if len(runes) == 0 {
		return nil
	}

	size := c.Size
	if size <= 0 {
		size = DefaultSize
	}

	pageHash := urlqueue.ComputeContentHash(page.Text)
	prefix := pageHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	var chunks []models.Chunk
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes, start, end); cut > start {
			end = cut
		}

		n := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:        fmt.Sprintf("%s-%d", prefix, n),
			PageHash:  pageHash,
			PageURL:   page.URL,
			PageTitle: page.Title,
			Text:      string(runes[start:end]),
			StartIdx:  start,
			EndIdx:    end,
			Ordinal:   ordinalBase + n,
		})
		start = end
	}
	return chunks
}

// lastSpace returns the index just past the last whitespace rune in
// runes[start:end], or -1.
func lastSpace(runes []rune, start, end int) int {
	for i := end - 1; i > start; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return -1
}
