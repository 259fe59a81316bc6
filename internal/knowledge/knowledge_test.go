package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/vectorstore"
)

func loadTestBase(t *testing.T, index Index) *Base {
	t.Helper()
	b := New(index, zap.NewNop())
	require.NoError(t, b.LoadFile(context.Background(), filepath.Join("testdata", "kb.jsonl")))
	return b
}

func TestLoadSkipsBadLines(t *testing.T) {
	b := loadTestBase(t, nil)
	assert.Equal(t, 4, b.Len())
	assert.ElementsMatch(t, []string{"光合作用", "牛顿第一定律", "细胞分裂", "question"}, b.AllTopics())
}

func TestLoadBuildsContent(t *testing.T) {
	b := loadTestBase(t, nil)
	cell := b.GetByTopic(context.Background(), "细胞分裂", 5)
	require.Len(t, cell, 1)
	assert.Equal(t, "kb-cell", cell[0].ID)
	assert.Equal(t, "[id]kb-cell\n[title]细胞分裂\n[content]细胞分裂分为有丝分裂和减数分裂。", cell[0].Content)

	photo := b.GetByTopic(context.Background(), "光合作用", 5)
	require.Len(t, photo, 1)
	assert.True(t, strings.HasPrefix(photo[0].ID, "kb_1_"), photo[0].ID)
}

func TestLoadTruncatesLongEntries(t *testing.T) {
	b := New(nil, zap.NewNop())
	long := strings.Repeat("长", MaxContentLength+100)
	require.NoError(t, b.Load(context.Background(), strings.NewReader(`{"topic":"t","content":"`+long+`"}`), "inline"))
	items := b.GetByTopic(context.Background(), "t", 1)
	require.Len(t, items, 1)
	assert.True(t, strings.HasSuffix(items[0].Content, " [内容已截断]"))
	assert.Equal(t, MaxContentLength+len([]rune(" [内容已截断]")), len([]rune(items[0].Content)))
}

func TestInferTopic(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		keys   []string
		want   string
	}{
		{"topic wins", map[string]any{"topic": "A", "name": "B"}, []string{"name", "topic"}, "A"},
		{"name next", map[string]any{"topic": "", "name": "B"}, []string{"topic", "name"}, "B"},
		{"first line only", map[string]any{"title": "  C\nD"}, []string{"title"}, "C"},
		{"first key", map[string]any{"question": "q"}, []string{"question"}, "question"},
		{"non string", map[string]any{"topic": 3.0}, []string{"topic"}, DefaultTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTopic(tt.fields, tt.keys))
		})
	}
}

func TestKeywordSearchRanksExactMatch(t *testing.T) {
	b := loadTestBase(t, nil)
	ctx := context.Background()

	hits := b.Search(ctx, "有丝分裂", "", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "kb-cell", hits[0].ID)

	hits = b.Search(ctx, "光能", "细胞分裂", 5)
	assert.Empty(t, hits, "topic filter must exclude other topics")

	assert.Greater(t, b.Relevance(ctx, "惯性"), 0.3)
	assert.Zero(t, b.Relevance(ctx, "篮球比赛"))
}

func TestMissingFileIsEmpty(t *testing.T) {
	b := New(nil, zap.NewNop())
	require.NoError(t, b.LoadFile(context.Background(), "testdata/missing.jsonl"))
	assert.Empty(t, b.AllTopics())
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}
func (fakeEmbedder) Dimension() int { return 2 }

type fakeQdrant struct {
	points    map[string]vectorstore.Point
	lastMatch map[string]string
	searchErr error
	dim       uint64
}

func (f *fakeQdrant) EnsureCollection(_ context.Context, _ string, dim uint64) error {
	f.dim = dim
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, _ string, points []vectorstore.Point) error {
	if f.points == nil {
		f.points = make(map[string]vectorstore.Point)
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeQdrant) Search(_ context.Context, _ string, _ []float32, match map[string]string, topK uint64) ([]vectorstore.SearchResult, error) {
	f.lastMatch = match
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []vectorstore.SearchResult
	for id, p := range f.points {
		if match != nil && p.Payload["topic"] != match["topic"] {
			continue
		}
		out = append(out, vectorstore.SearchResult{ID: id, Score: 0.9, Payload: p.Payload})
		if uint64(len(out)) == topK {
			break
		}
	}
	return out, nil
}

func TestVectorIndexSearch(t *testing.T) {
	q := &fakeQdrant{}
	b := loadTestBase(t, NewVectorIndex(fakeEmbedder{}, q, "knowledge_base", zap.NewNop()))

	assert.Len(t, q.points, 4)
	assert.Equal(t, uint64(2), q.dim)
	assert.Equal(t, pointID("kb-cell"), pointID("kb-cell"), "point ids are stable")

	hits := b.Search(context.Background(), "分裂", "细胞分裂", 3)
	require.Len(t, hits, 1)
	assert.Equal(t, "kb-cell", hits[0].ID)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-6)
	assert.Equal(t, map[string]string{"topic": "细胞分裂"}, q.lastMatch)
}

func TestVectorSearchFallsBackToKeyword(t *testing.T) {
	q := &fakeQdrant{searchErr: errors.New("qdrant down")}
	b := loadTestBase(t, NewVectorIndex(fakeEmbedder{}, q, "knowledge_base", zap.NewNop()))

	hits := b.Search(context.Background(), "有丝分裂", "", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "kb-cell", hits[0].ID)
}

func TestVectorIndexingFailureUsesKeyword(t *testing.T) {
	b := loadTestBase(t, NewVectorIndex(fakeEmbedder{err: errors.New("quota")}, &fakeQdrant{}, "kb", zap.NewNop()))
	hits := b.Search(context.Background(), "光合作用", "", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "光合作用", hits[0].Topic)
}

func TestItemSnippetSkipsID(t *testing.T) {
	b := loadTestBase(t, nil)
	cell := b.GetByTopic(context.Background(), "细胞分裂", 1)
	require.Len(t, cell, 1)
	assert.Equal(t, "【title】细胞分裂\n【content】细胞分裂分为有丝分裂和减数分裂。", cell[0].Snippet())
}
