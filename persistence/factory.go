package persistence

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/flarexio/retriever/datastore"
	"github.com/flarexio/retriever/persistence/chromem"
	"github.com/flarexio/retriever/persistence/elasticsearch"
	"github.com/flarexio/retriever/persistence/embedded"
	"github.com/flarexio/retriever/persistence/milvus"
	"github.com/flarexio/retriever/persistence/qdrant"
	"github.com/flarexio/retriever/persistence/redis"
	"github.com/flarexio/retriever/persistence/sqlite"
)

type Config struct {
	datastore.Config `yaml:",inline"`

	Embedded      embedded.Config      `yaml:"embedded"`
	Chromem       chromem.Config       `yaml:"chromem"`
	SQLite        sqlite.Config        `yaml:"sqlite"`
	Qdrant        qdrant.Config        `yaml:"qdrant"`
	Milvus        milvus.Config        `yaml:"milvus"`
	Redis         redis.Config         `yaml:"redis"`
	Elasticsearch elasticsearch.Config `yaml:"elasticsearch"`
}

const (
	// Memory as a file path keeps a file backed index in memory only.
	Memory = ":memory:"

	DefaultEmbeddedPath = "index.gob"
)

// Backends lists the names NewBackend accepts.
var Backends = []string{
	embedded.Name,
	chromem.Name,
	sqlite.Name,
	qdrant.Name,
	milvus.Name,
	redis.Name,
	elasticsearch.Name,
}

// NewBackend builds the adapter named by cfg.Backend. Relative file paths
// resolve against base. An empty name selects the embedded index, which
// persists to DefaultEmbeddedPath unless a path is configured.
func NewBackend(ctx context.Context, cfg Config, base string) (datastore.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dim, metric := cfg.Dimension, cfg.Metric

	switch cfg.Backend {
	case embedded.Name, "":
		c := cfg.Embedded
		switch c.Path {
		case Memory:
			c.Path = ""
		case "":
			c.Path = resolve(base, DefaultEmbeddedPath)
		default:
			c.Path = resolve(base, c.Path)
		}
		return backend(embedded.NewBackend(c, dim, metric))

	case chromem.Name:
		c := cfg.Chromem
		c.Path = resolve(base, c.Path)
		return backend(chromem.NewBackend(c, dim, metric))

	case sqlite.Name:
		c := cfg.SQLite
		if c.Path != Memory {
			c.Path = resolve(base, c.Path)
		}
		return backend(sqlite.NewBackend(c, dim, metric))

	case qdrant.Name:
		return backend(qdrant.NewBackend(ctx, cfg.Qdrant, dim, metric))

	case milvus.Name:
		return backend(milvus.NewBackend(ctx, cfg.Milvus, dim, metric))

	case redis.Name:
		return backend(redis.NewBackend(ctx, cfg.Redis, dim, metric))

	case elasticsearch.Name:
		return backend(elasticsearch.NewBackend(ctx, cfg.Elasticsearch, dim, metric))

	default:
		return nil, fmt.Errorf("%w: %q (want one of %v)", datastore.ErrUnknownBackend, cfg.Backend, Backends)
	}
}

// NewDataStore builds the configured backend and wraps it in a DataStore.
func NewDataStore(ctx context.Context, cfg Config, base string) (*datastore.DataStore, error) {
	b, err := NewBackend(ctx, cfg, base)
	if err != nil {
		return nil, err
	}

	store, err := datastore.New(b, cfg.Config)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	return store, nil
}

// backend keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func backend[B datastore.Backend](b B, err error) (datastore.Backend, error) {
	if err != nil {
		return nil, err
	}

	return b, nil
}

func resolve(base, path string) string {
	if path == "" || base == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(base, path)
}
