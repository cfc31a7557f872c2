package embedded

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever/datastore"
)

func chunk(id, text string, embedding ...float32) datastore.Chunk {
	return datastore.Chunk{ID: id, Text: text, Embedding: embedding}
}

func TestMissingSnapshotStartsEmpty(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "index.bin")

	b, err := NewBackend(Config{Path: path}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	n, _ := b.Count(context.Background())
	assert.Equal(0, n)

	_, err = os.Stat(path)
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "index.bin")
	if err := os.WriteFile(path, []byte("not a snapshot"), 0o644); err != nil {
		assert.Fail(err.Error())
		return
	}

	b, err := NewBackend(Config{Path: path}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	n, _ := b.Count(ctx)
	assert.Equal(0, n)

	// the next write replaces the corrupt file
	assert.NoError(b.Upsert(ctx, []datastore.Chunk{chunk("a", "alpha", 1, 0)}))

	reloaded, err := NewBackend(Config{Path: path}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	n, _ = reloaded.Count(ctx)
	assert.Equal(1, n)
}

func TestCompressedRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "index.bin.zst")
	cfg := Config{Path: path, Compress: true}

	b, err := NewBackend(cfg, 2, datastore.MetricDot)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	chunks := []datastore.Chunk{
		{ID: "a", Text: "alpha", Embedding: []float32{1, 2}, Metadata: datastore.Metadata{"source": "file"}},
		{ID: "b", Text: "beta", Embedding: []float32{3, 4}, Metadata: datastore.Metadata{"draft": true}},
	}
	assert.NoError(b.Upsert(ctx, chunks))

	data, err := os.ReadFile(path)
	if err != nil {
		assert.Fail(err.Error())
		return
	}
	assert.Equal(zstdMagic, data[:4])

	reloaded, err := NewBackend(cfg, 2, datastore.MetricDot)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	for _, c := range chunks {
		got, ok := reloaded.Get(c.ID)
		assert.True(ok)
		assert.Equal(c, got)
	}

	// reading a compressed snapshot does not depend on the compress flag
	plain, err := NewBackend(Config{Path: path}, 2, datastore.MetricDot)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	n, _ := plain.Count(ctx)
	assert.Equal(2, n)
}

func TestDimensionMismatchFailsFast(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "index.bin")

	b, err := NewBackend(Config{Path: path}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}
	assert.NoError(b.Upsert(context.Background(), []datastore.Chunk{chunk("a", "alpha", 1, 0)}))

	_, err = NewBackend(Config{Path: path}, 3, datastore.MetricCosine)
	assert.ErrorIs(err, datastore.ErrInvalidConfig)
}

func TestFailedPersistLeavesStateUnchanged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		assert.Fail(err.Error())
		return
	}

	// the parent of the snapshot path is a regular file, so every persist fails
	b, err := NewBackend(Config{Path: filepath.Join(blocker, "index.bin")}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	err = b.Upsert(ctx, []datastore.Chunk{chunk("a", "alpha", 1, 0)})
	assert.ErrorIs(err, datastore.ErrBackendUnavailable)

	n, _ := b.Count(ctx)
	assert.Equal(0, n)

	matches, err := b.Query(ctx, []float32{1, 0}, 5, nil)
	assert.NoError(err)
	assert.Empty(matches)
}

func TestReplaceMovesRecordToEnd(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	b, err := NewBackend(Config{}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.NoError(b.Upsert(ctx, []datastore.Chunk{
		chunk("a", "a1", 1, 0),
		chunk("b", "b1", 1, 0),
	}))
	assert.NoError(b.Upsert(ctx, []datastore.Chunk{chunk("a", "a2", 1, 0)}))

	matches, err := b.Query(ctx, []float32{1, 0}, 5, nil)
	assert.NoError(err)
	assert.Len(matches, 2)
	assert.Equal("b", matches[0].ID)
	assert.Equal("a", matches[1].ID)
	assert.Equal("a2", matches[1].Text)
}

func TestEuclideanRanksLowestFirst(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	b, err := NewBackend(Config{}, 2, datastore.MetricEuclidean)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(datastore.LowerIsBetter, b.Order())

	assert.NoError(b.Upsert(ctx, []datastore.Chunk{
		chunk("far", "", 10, 10),
		chunk("near", "", 1, 1),
		chunk("exact", "", 0, 0),
	}))

	matches, err := b.Query(ctx, []float32{0, 0}, 2, nil)
	assert.NoError(err)
	assert.Len(matches, 2)
	assert.Equal("exact", matches[0].ID)
	assert.Equal(float32(0), matches[0].Score)
	assert.Equal("near", matches[1].ID)
}

func TestStoredChunksAreCopies(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	b, err := NewBackend(Config{}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	c := datastore.Chunk{ID: "a", Embedding: []float32{1, 0}, Metadata: datastore.Metadata{"source": "x"}}
	assert.NoError(b.Upsert(ctx, []datastore.Chunk{c}))

	c.Embedding[0] = 0
	c.Metadata["source"] = "y"

	got, _ := b.Get("a")
	assert.Equal([]float32{1, 0}, got.Embedding)
	assert.Equal("x", got.Metadata["source"])
}

func TestResolveAndDelete(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	b, err := NewBackend(Config{Path: filepath.Join(t.TempDir(), "index.bin")}, 2, datastore.MetricCosine)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.NoError(b.Upsert(ctx, []datastore.Chunk{
		{ID: "1", Embedding: []float32{1, 0}, Metadata: datastore.Metadata{"source": "a"}},
		{ID: "2", Embedding: []float32{1, 0}, Metadata: datastore.Metadata{"source": "b"}},
		{ID: "3", Embedding: []float32{1, 0}, Metadata: datastore.Metadata{"source": "a"}},
	}))

	ids, err := b.Resolve(ctx, datastore.Filter{"source": "a"})
	assert.NoError(err)
	assert.Equal([]string{"1", "3"}, ids)

	all, err := b.Resolve(ctx, nil)
	assert.NoError(err)
	assert.Len(all, 3)

	assert.NoError(b.Delete(ctx, ids))
	n, _ := b.Count(ctx)
	assert.Equal(1, n)

	assert.NoError(b.DeleteAll(ctx))
	n, _ = b.Count(ctx)
	assert.Equal(0, n)
}
