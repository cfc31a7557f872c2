package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Backend is a storage and search engine behind a DataStore.
//
// Implementations must translate every Filter field or fail with an
// UnsupportedFilterError, and must not return from a mutating call before
// the change is durable.
type Backend interface {
	// Name identifies the backend in errors and logs.
	Name() string

	// Order is the ranking convention of the scores returned by Query.
	Order() ScoreOrder

	// Upsert stores chunks, replacing any stored chunk with the same id.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Query returns up to k matches for the embedding among chunks matching
	// the filter, best first.
	Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]Match, error)

	// Resolve returns the ids of all chunks matching the filter.
	Resolve(ctx context.Context, filter Filter) ([]string, error)

	// Delete removes the chunks with the given ids; unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// DeleteAll empties the index.
	DeleteAll(ctx context.Context) error

	Count(ctx context.Context) (int, error)

	Close() error
}

// DataStore gives every backend the same upsert, query and delete
// semantics. Mutations are serialized; queries share a read lock.
type DataStore struct {
	backend Backend
	cfg     Config

	mu     sync.RWMutex
	closed bool
}

func New(backend Backend, cfg Config) (*DataStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &DataStore{
		backend: backend,
		cfg:     cfg,
	}, nil
}

func (ds *DataStore) Backend() string {
	return ds.backend.Name()
}

func (ds *DataStore) Order() ScoreOrder {
	return ds.backend.Order()
}

func (ds *DataStore) Dimension() int {
	return ds.cfg.Dimension
}

// Upsert validates and stores the chunks of every group and returns their
// ids in insertion order. A chunk whose id is already stored replaces it;
// an id repeated within the call is stored once with its last payload.
func (ds *DataStore) Upsert(ctx context.Context, groups []Group) ([]string, error) {
	ids, chunks, err := ds.prepare(groups)
	if err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		return []string{}, nil
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil, ErrStoreClosed
	}

	if err := ds.backend.Upsert(ctx, chunks); err != nil {
		return nil, Unavailable(ds.backend.Name(), "upsert", err)
	}

	return ids, nil
}

// Replace stores the groups like Upsert and removes every other chunk whose
// metadata field equals the key of one of the groups. The whole call holds
// the write lock, so concurrent replacements of the same key do not mix.
// A failed upsert leaves the previous chunks in place.
func (ds *DataStore) Replace(ctx context.Context, field string, groups []Group) ([]string, error) {
	if field == "" {
		return nil, &ValidationError{
			Field:  "field",
			Reason: "must not be empty",
		}
	}

	ids, chunks, err := ds.prepare(groups)
	if err != nil {
		return nil, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil, ErrStoreClosed
	}

	name := ds.backend.Name()

	var stale []string
	seen := make(map[string]bool)
	for _, group := range groups {
		if group.Key == "" || seen[group.Key] {
			continue
		}
		seen[group.Key] = true

		matched, err := ds.backend.Resolve(ctx, Filter{field: group.Key})
		if err != nil {
			return nil, Unavailable(name, "resolve", err)
		}

		stale = append(stale, matched...)
	}

	if len(chunks) > 0 {
		if err := ds.backend.Upsert(ctx, chunks); err != nil {
			return nil, Unavailable(name, "upsert", err)
		}
	}

	kept := make(map[string]bool, len(ids))
	for _, id := range ids {
		kept[id] = true
	}

	remove := stale[:0]
	for _, id := range stale {
		if !kept[id] {
			remove = append(remove, id)
		}
	}

	if len(remove) > 0 {
		if err := ds.backend.Delete(ctx, remove); err != nil {
			return nil, Unavailable(name, "delete", err)
		}
	}

	if ids == nil {
		ids = []string{}
	}

	return ids, nil
}

// prepare validates and normalizes the chunks of every group, assigning
// missing ids and collapsing repeated ids onto their last payload.
func (ds *DataStore) prepare(groups []Group) ([]string, []Chunk, error) {
	var (
		ids    []string
		chunks []Chunk
		pos    = make(map[string]int)
	)

	for _, group := range groups {
		for _, chunk := range group.Chunks {
			if err := ds.checkEmbedding(chunk.Embedding); err != nil {
				return nil, nil, err
			}

			metadata, err := chunk.Metadata.Normalize()
			if err != nil {
				return nil, nil, err
			}

			if chunk.ID == "" {
				chunk.ID = uuid.NewString()
			}

			c := Chunk{
				ID:        chunk.ID,
				Text:      chunk.Text,
				Metadata:  metadata,
				Embedding: chunk.Embedding,
			}

			if i, ok := pos[c.ID]; ok {
				chunks[i] = c
				continue
			}

			pos[c.ID] = len(chunks)
			chunks = append(chunks, c)
			ids = append(ids, c.ID)
		}
	}

	return ids, chunks, nil
}

// Query runs every query against the index and returns one result per
// query, in input order.
func (ds *DataStore) Query(ctx context.Context, queries []Query) ([]QueryResult, error) {
	filters := make([]Filter, len(queries))
	for i, q := range queries {
		if err := ds.checkEmbedding(q.Embedding); err != nil {
			return nil, err
		}

		if q.TopK <= 0 {
			return nil, &ValidationError{
				Field:  "top_k",
				Reason: "must be positive",
			}
		}

		filter, err := q.Filter.Normalize()
		if err != nil {
			return nil, err
		}

		filters[i] = filter
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return nil, ErrStoreClosed
	}

	results := make([]QueryResult, len(queries))
	for i, q := range queries {
		matches, err := ds.backend.Query(ctx, q.Embedding, q.TopK, filters[i])
		if err != nil {
			return nil, Unavailable(ds.backend.Name(), "query", err)
		}

		if matches == nil {
			matches = []Match{}
		}

		results[i] = QueryResult{
			Query:   q.Query,
			Matches: matches,
		}
	}

	return results, nil
}

// Delete removes chunks by the first applicable policy: DeleteAll, then
// IDs, then Filter. Deleting nothing is a success.
func (ds *DataStore) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	var filter Filter
	if !req.DeleteAll && len(req.IDs) == 0 {
		f, err := req.Filter.Normalize()
		if err != nil {
			return false, err
		}

		filter = f
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return false, ErrStoreClosed
	}

	name := ds.backend.Name()

	switch {
	case req.DeleteAll:
		if err := ds.backend.DeleteAll(ctx); err != nil {
			return false, Unavailable(name, "delete_all", err)
		}

	case len(req.IDs) > 0:
		if err := ds.backend.Delete(ctx, req.IDs); err != nil {
			return false, Unavailable(name, "delete", err)
		}

	default:
		ids, err := ds.backend.Resolve(ctx, filter)
		if err != nil {
			return false, Unavailable(name, "resolve", err)
		}

		if len(ids) == 0 {
			return true, nil
		}

		if err := ds.backend.Delete(ctx, ids); err != nil {
			return false, Unavailable(name, "delete", err)
		}
	}

	return true, nil
}

func (ds *DataStore) Count(ctx context.Context) (int, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return 0, ErrStoreClosed
	}

	n, err := ds.backend.Count(ctx)
	if err != nil {
		return 0, Unavailable(ds.backend.Name(), "count", err)
	}

	return n, nil
}

func (ds *DataStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil
	}

	ds.closed = true
	return ds.backend.Close()
}

func (ds *DataStore) checkEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return &ValidationError{
			Field:  "embedding",
			Reason: "missing",
		}
	}

	if len(embedding) != ds.cfg.Dimension {
		return &ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d, want %d", len(embedding), ds.cfg.Dimension),
		}
	}

	return nil
}
