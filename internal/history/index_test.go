package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
)

// keywordProvider embeds text onto three axes by keyword presence.
type keywordProvider struct {
	fail bool
}

func (p keywordProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.fail {
		return nil, errors.New("backend down")
	}
	t := strings.ToLower(text)
	v := []float32{0.01, 0.01, 0.01}
	if strings.Contains(t, "sql") {
		v[0] = 1
	}
	if strings.Contains(t, "docker") {
		v[1] = 1
	}
	if strings.Contains(t, "test") {
		v[2] = 1
	}
	return v, nil
}

func (p keywordProvider) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (keywordProvider) Dimension() int { return 3 }
func (keywordProvider) Model() string  { return "keyword" }
func (keywordProvider) Close() error   { return nil }

func TestSearchHistory_NotFound(t *testing.T) {
	ix, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "missing")), keywordProvider{}, nil)
	require.NoError(t, err)

	res := ix.SearchHistory(context.Background(), "sql", Options{})
	require.False(t, res.Available())
	assert.Equal(t, ReasonNotFound, res.Unavailable.Reason)
	assert.Empty(t, res.Hits)
}

func TestSearchHistory_Disabled(t *testing.T) {
	ix, err := Open(DefaultConfig(t.TempDir()), embeddings.Disabled{}, nil)
	require.NoError(t, err)

	res := ix.SearchHistory(context.Background(), "sql", Options{})
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, ReasonDisabled, res.Unavailable.Reason)

	_, err = ix.IndexSessions(context.Background(), []Session{{Path: "a", Text: "x"}})
	assert.ErrorIs(t, err, embeddings.ErrDisabled)
}

func TestSearchHistory_IndexMissing(t *testing.T) {
	// An existing directory with no collection.
	ix, err := Open(DefaultConfig(t.TempDir()), keywordProvider{}, nil)
	require.NoError(t, err)

	res := ix.SearchHistory(context.Background(), "sql", Options{})
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, ReasonIndexMissing, res.Unavailable.Reason)
}

func TestIndexAndSearch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	ix, err := Open(DefaultConfig(dir), keywordProvider{}, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err := ix.IndexSessions(context.Background(), []Session{
		{Path: "s1.md", Timestamp: ts, Text: "Switched to prepared SQL statements, fixed the injection."},
		{Path: "s2.md", Timestamp: ts, Text: "Docker build failed twice."},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Limit above the document count is capped.
	res := ix.SearchHistory(context.Background(), "sql statements", Options{Limit: 50})
	require.True(t, res.Available())
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "s1.md", res.Hits[0].SessionPath)
	assert.True(t, res.Hits[0].Timestamp.Equal(ts))
	assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)

	// Reopen from disk.
	reopened, err := Open(DefaultConfig(dir), keywordProvider{}, nil)
	require.NoError(t, err)
	res = reopened.SearchHistory(context.Background(), "docker", Options{Limit: 1})
	require.True(t, res.Available())
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "s2.md", res.Hits[0].SessionPath)
}

func TestSearchHistory_ProviderError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	ix, err := Open(DefaultConfig(dir), keywordProvider{}, nil)
	require.NoError(t, err)
	_, err = ix.IndexSessions(context.Background(), []Session{{Path: "s1.md", Text: "sql"}})
	require.NoError(t, err)

	broken, err := Open(DefaultConfig(dir), keywordProvider{fail: true}, nil)
	require.NoError(t, err)
	res := broken.SearchHistory(context.Background(), "sql", Options{})
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, ReasonError, res.Unavailable.Reason)
	assert.Contains(t, res.Unavailable.Error(), "backend down")
}

func TestChunk(t *testing.T) {
	assert.Empty(t, Chunk("  \n\n ", 10))
	assert.Equal(t, []string{"a\n\nb"}, Chunk("a\n\nb", 10))
	assert.Equal(t, []string{"first para", "second"}, Chunk("first para\n\nsecond", 12))

	long := strings.Repeat("word ", 10)
	for _, c := range Chunk(long, 12) {
		assert.LessOrEqual(t, len(c), 12)
		assert.NotEmpty(t, c)
	}
}

func TestChunkKeepsRunesWhole(t *testing.T) {
	for _, text := range []string{strings.Repeat("é", 10), "日本語のテキストを分割する"} {
		chunks := Chunk(text, 5)
		require.NotEmpty(t, chunks)
		for _, c := range chunks {
			assert.True(t, utf8.ValidString(c), "chunk %q", c)
			assert.NotEmpty(t, c)
		}
		assert.Equal(t, text, strings.Join(chunks, ""))
	}

	// A limit smaller than one rune still makes progress.
	assert.Equal(t, []string{"日", "本"}, Chunk("日本", 2))
}
