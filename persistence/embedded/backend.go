// Package embedded is a single-file vector index with no external service
// dependency. The whole index lives in memory and is written back to disk
// atomically after every mutation.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/zap"

	"github.com/flarexio/retriever/datastore"
)

const Name = "embedded"

type Config struct {
	// Path of the snapshot file. Empty keeps the index in memory only.
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type Backend struct {
	cfg       Config
	dimension int
	metric    datastore.Metric
	log       *zap.Logger

	mu     sync.RWMutex
	idx    *index
	closed bool
}

// NewBackend loads the snapshot at cfg.Path. A missing snapshot starts an
// empty index; an unreadable or corrupt one is logged and replaced by an
// empty index on the next write.
func NewBackend(cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", datastore.ErrInvalidConfig)
	}

	if metric == "" {
		metric = datastore.MetricCosine
	}

	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", datastore.ErrInvalidConfig, metric)
	}

	log := zap.L().With(
		zap.String("backend", Name),
		zap.String("path", cfg.Path),
	)

	b := &Backend{
		cfg:       cfg,
		dimension: dimension,
		metric:    metric,
		log:       log,
		idx:       newIndex(),
	}

	if cfg.Path == "" {
		log.Info("in-memory index")
		return b, nil
	}

	snap, err := readSnapshot(cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("no snapshot found, starting empty")
			return b, nil
		}

		log.Warn("snapshot unreadable, starting empty", zap.Error(err))
		return b, nil
	}

	if snap.Dimension != dimension {
		return nil, fmt.Errorf("%w: snapshot dimension %d, configured %d",
			datastore.ErrInvalidConfig, snap.Dimension, dimension)
	}

	if snap.Metric != string(metric) {
		log.Warn("snapshot written with another metric",
			zap.String("snapshot_metric", snap.Metric),
			zap.String("metric", string(metric)),
		)
	}

	idx, err := snap.index(dimension)
	if err != nil {
		log.Warn("snapshot corrupt, starting empty", zap.Error(err))
		return b, nil
	}

	b.idx = idx

	log.Info("snapshot loaded", zap.Int("count", idx.len()))
	return b, nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Order() datastore.ScoreOrder {
	return b.metric.Order()
}

// commit persists next and only then publishes it.
func (b *Backend) commit(next *index) error {
	if b.cfg.Path != "" {
		snap := next.snapshot(b.dimension, b.metric)
		if err := writeSnapshot(b.cfg.Path, snap, b.cfg.Compress); err != nil {
			return &datastore.BackendUnavailableError{
				Backend: Name,
				Op:      "persist",
				Err:     err,
			}
		}
	}

	b.idx = next
	return nil
}

func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, c := range chunks {
		if len(c.Embedding) != b.dimension {
			return &datastore.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("dimension %d, want %d", len(c.Embedding), b.dimension),
			}
		}
	}

	ids := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		ids[c.ID] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return datastore.ErrStoreClosed
	}

	next := b.idx.without(ids)
	next.push(chunks...)

	return b.commit(next)
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	idx := b.idx
	b.mu.RUnlock()

	return idx.search(embedding, k, filter, b.metric), nil
}

func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	idx := b.idx
	b.mu.RUnlock()

	return idx.resolve(filter), nil
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return datastore.ErrStoreClosed
	}

	if !b.idx.has(set) {
		return nil
	}

	return b.commit(b.idx.without(set))
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return datastore.ErrStoreClosed
	}

	next := newIndex()
	next.nextSeq = b.idx.nextSeq

	return b.commit(next)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.idx.len(), nil
}

// Get returns the stored chunk with the given id.
func (b *Backend) Get(id string) (datastore.Chunk, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.idx.get(id)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}
