package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever/datastore"
)

func TestNewBackendUnknownName(t *testing.T) {
	assert := assert.New(t)

	cfg := Config{Config: datastore.Config{Backend: "faiss", Dimension: 3}}

	b, err := NewBackend(context.Background(), cfg, "")
	assert.ErrorIs(err, datastore.ErrUnknownBackend)
	assert.Nil(b)
}

func TestNewBackendInvalidConfig(t *testing.T) {
	_, err := NewBackend(context.Background(), Config{}, "")
	assert.ErrorIs(t, err, datastore.ErrInvalidConfig)
}

func TestNewDataStoreResolvesRelativePath(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := t.TempDir()

	cfg := Config{
		Config: datastore.Config{
			Backend:   "embedded",
			Dimension: 2,
			Metric:    datastore.MetricCosine,
		},
	}
	cfg.Embedded.Path = "index.bin"

	store, err := NewDataStore(ctx, cfg, base)
	if err != nil {
		assert.Fail(err.Error())
		return
	}
	defer store.Close()

	assert.Equal("embedded", store.Backend())

	_, err = store.Upsert(ctx, []datastore.Group{{
		Chunks: []datastore.Chunk{{ID: "a", Text: "alpha", Embedding: []float32{1, 0}}},
	}})
	assert.NoError(err)

	_, err = os.Stat(filepath.Join(base, "index.bin"))
	assert.NoError(err)
}

func TestResolve(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(filepath.Join("/data", "index.bin"), resolve("/data", "index.bin"))
	assert.Equal("/abs/index.bin", resolve("/data", "/abs/index.bin"))
	assert.Equal("", resolve("/data", ""))
	assert.Equal("index.bin", resolve("", "index.bin"))
}

func TestDefaultEmbeddedStoreSurvivesRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := t.TempDir()
	cfg := Config{Config: datastore.Config{Dimension: 2}}

	store, err := NewDataStore(ctx, cfg, base)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	_, err = store.Upsert(ctx, []datastore.Group{{
		Chunks: []datastore.Chunk{{ID: "a", Text: "alpha", Embedding: []float32{1, 0}}},
	}})
	assert.NoError(err)
	assert.NoError(store.Close())

	_, err = os.Stat(filepath.Join(base, DefaultEmbeddedPath))
	assert.NoError(err)

	store, err = NewDataStore(ctx, cfg, base)
	if err != nil {
		assert.Fail(err.Error())
		return
	}
	defer store.Close()

	n, err := store.Count(ctx)
	assert.NoError(err)
	assert.Equal(1, n)
}

func TestEmbeddedMemoryPathWritesNothing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	base := t.TempDir()

	cfg := Config{Config: datastore.Config{Dimension: 2}}
	cfg.Embedded.Path = Memory

	store, err := NewDataStore(ctx, cfg, base)
	if err != nil {
		assert.Fail(err.Error())
		return
	}
	defer store.Close()

	_, err = store.Upsert(ctx, []datastore.Group{{
		Chunks: []datastore.Chunk{{ID: "a", Text: "alpha", Embedding: []float32{1, 0}}},
	}})
	assert.NoError(err)

	entries, err := os.ReadDir(base)
	assert.NoError(err)
	assert.Empty(entries)
}
