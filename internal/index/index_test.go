package index

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge_spider/internal/chunker"
	"knowledge_spider/internal/embedding"
	"knowledge_spider/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// keywordEmbedder scores texts on fixed axes so rankings are predictable.
type keywordEmbedder struct {
	axes   []string
	mu     sync.Mutex
	calls  int
	failOn string
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.New("embedding backend down")
	}
	vec := make([]float32, len(e.axes))
	lower := strings.ToLower(text)
	for i, a := range e.axes {
		vec[i] = float32(strings.Count(lower, a))
	}
	return vec, nil
}

func (e *keywordEmbedder) Name() string { return "keyword" }

func TestPhaseTrackerOrder(t *testing.T) {
	tr := NewPhaseTracker()
	assert.Equal(t, models.IndexPhaseIdle, tr.Phase())

	err := tr.Advance(models.IndexPhaseEmbedding)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	for _, p := range []models.IndexPhase{
		models.IndexPhaseChunking, models.IndexPhaseEmbedding, models.IndexPhaseSaving, models.IndexPhaseIdle,
	} {
		require.NoError(t, tr.Advance(p))
		assert.Equal(t, p, tr.Phase())
	}

	require.NoError(t, tr.Advance(models.IndexPhaseChunking))
	assert.Error(t, tr.Advance(models.IndexPhaseSaving))
	tr.Reset()
	assert.Equal(t, models.IndexPhaseIdle, tr.Phase())
}

func TestStoreReplaceAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.Load(ctx, "kb1")
	assert.True(t, errors.Is(err, ErrNotIndexed))

	recs := []Record{
		{Chunk: models.Chunk{ID: "h-0", PageHash: "h", PageURL: "https://a.com/", PageTitle: "A", Text: "first", StartIdx: 0, EndIdx: 5, Ordinal: 0}, Vector: []float32{1, 0}},
		{Chunk: models.Chunk{ID: "h-1", PageHash: "h", PageURL: "https://a.com/", PageTitle: "A", Text: "second", StartIdx: 5, EndIdx: 11, Ordinal: 1}, Vector: []float32{0, 1}},
	}
	var saved []int
	require.NoError(t, s.Replace(ctx, "kb1", "keyword", recs, func(n int) { saved = append(saved, n) }))
	assert.Equal(t, []int{1, 2}, saved)

	got, meta, err := s.Load(ctx, "kb1")
	require.NoError(t, err)
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Errorf("loaded records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "keyword", meta.Embedder)
	assert.Equal(t, 2, meta.ChunkCount)
	assert.Equal(t, 2, meta.Dimensions)

	// replace is whole-kb
	require.NoError(t, s.Replace(ctx, "kb1", "keyword", recs[:1], nil))
	got, _, err = s.Load(ctx, "kb1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// other kbs untouched by delete
	require.NoError(t, s.Replace(ctx, "kb2", "keyword", recs, nil))
	require.NoError(t, s.Delete(ctx, "kb1"))
	_, _, err = s.Load(ctx, "kb1")
	assert.True(t, errors.Is(err, ErrNotIndexed))
	got, _, err = s.Load(ctx, "kb2")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStoreEmptyIndexIsIndexed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Replace(ctx, "kb", "keyword", nil, nil))
	got, meta, err := s.Load(ctx, "kb")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, meta.ChunkCount)
}

func samplePages() []models.Page {
	return []models.Page{
		{URL: "https://docs.example.com/install", Title: "Install", Text: "install the tool with brew. install steps follow."},
		{URL: "https://docs.example.com/config", Title: "Config", Text: "config files live in your home directory."},
		{URL: "https://docs.example.com/copy", Title: "Copy", Text: "config files live in your home directory."},
		{URL: "https://docs.example.com/deploy", Title: "Deploy", Text: "deploy to production with the deploy command."},
	}
}

func TestIndexerBuildPhasesAndProgress(t *testing.T) {
	s := openTestStore(t)
	emb := &keywordEmbedder{axes: []string{"install", "config", "deploy"}}
	ix := NewIndexer(chunker.New(800), emb, s, 2, nil)

	var events []models.IndexProgress
	require.NoError(t, ix.Build(context.Background(), "kb", samplePages(), func(p models.IndexProgress) {
		events = append(events, p)
	}))
	assert.Equal(t, models.IndexPhaseIdle, ix.Phase())

	// phases appear in order and never go backwards
	order := map[models.IndexPhase]int{
		models.IndexPhaseChunking: 1, models.IndexPhaseEmbedding: 2, models.IndexPhaseSaving: 3, models.IndexPhaseIdle: 4,
	}
	lastRank, lastCurrent := 0, -1
	for _, ev := range events {
		rank := order[ev.Phase]
		require.GreaterOrEqual(t, rank, lastRank, "phase went backwards: %+v", ev)
		if rank == lastRank {
			assert.GreaterOrEqual(t, ev.Current, lastCurrent)
		}
		assert.LessOrEqual(t, ev.Current, ev.Total)
		lastRank, lastCurrent = rank, ev.Current
	}
	last := events[len(events)-1]
	assert.Equal(t, models.IndexProgress{Phase: models.IndexPhaseIdle, Current: 3, Total: 3}, last)

	// duplicate page content is indexed once
	recs, _, err := s.Load(context.Background(), "kb")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i, r.Chunk.Ordinal)
	}
	assert.Equal(t, 3, emb.calls)
}

func TestIndexerFailureDeletesIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	good := &keywordEmbedder{axes: []string{"install"}}
	require.NoError(t, NewIndexer(nil, good, s, 1, nil).Build(ctx, "kb", samplePages(), nil))

	bad := &keywordEmbedder{axes: []string{"install"}, failOn: "deploy"}
	ix := NewIndexer(nil, bad, s, 1, nil)
	err := ix.Build(ctx, "kb", samplePages(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding backend down")
	assert.Equal(t, models.IndexPhaseIdle, ix.Phase())

	_, _, err = s.Load(ctx, "kb")
	assert.True(t, errors.Is(err, ErrNotIndexed))

	_, err = NewRetriever(bad, s, nil).Search(ctx, "kb", "install", 5)
	assert.True(t, errors.Is(err, ErrNotIndexed))
}

func TestRetrieverRanking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	emb := &keywordEmbedder{axes: []string{"install", "config", "deploy"}}
	require.NoError(t, NewIndexer(nil, emb, s, 4, nil).Build(ctx, "kb", samplePages(), nil))

	r := NewRetriever(emb, s, nil)
	results, err := r.Search(ctx, "kb", "how do I install it", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://docs.example.com/install", results[0].Chunk.PageURL)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	// topK <= 0 means the default
	results, err = r.Search(ctx, "kb", "deploy", 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "https://docs.example.com/deploy", results[0].Chunk.PageURL)
}

func TestRetrieverTiesBreakByOrdinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	recs := []Record{
		{Chunk: models.Chunk{ID: "c", Ordinal: 2, PageHash: "x"}, Vector: []float32{1, 0}},
		{Chunk: models.Chunk{ID: "a", Ordinal: 0, PageHash: "x"}, Vector: []float32{1, 0}},
		{Chunk: models.Chunk{ID: "b", Ordinal: 1, PageHash: "x"}, Vector: []float32{2, 0}},
	}
	emb := &keywordEmbedder{axes: []string{"q", "z"}}
	require.NoError(t, s.Replace(ctx, "kb", emb.Name(), recs, nil))

	results, err := NewRetriever(emb, s, nil).Search(ctx, "kb", "q", 3)
	require.NoError(t, err)
	var ids []string
	for _, res := range results {
		ids = append(ids, res.Chunk.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRetrieverNotIndexed(t *testing.T) {
	s := openTestStore(t)
	_, err := NewRetriever(embedding.NewHashEmbedder(16), s, nil).Search(context.Background(), "missing", "q", 5)
	assert.True(t, errors.Is(err, ErrNotIndexed))
}

func TestFormatContext(t *testing.T) {
	assert.Empty(t, FormatContext(nil))

	out := FormatContext([]models.SearchResult{
		{Chunk: models.Chunk{PageURL: "https://a.com/x", PageTitle: "X", Text: " body "}, Score: 0.5},
		{Chunk: models.Chunk{PageURL: "https://a.com/y", Text: "other"}, Score: 0.25},
	})
	assert.Contains(t, out, "### [1] X\nSource: https://a.com/x (score 0.500)\n\nbody\n")
	assert.Contains(t, out, "### [2] https://a.com/y")
}
