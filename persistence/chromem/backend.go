package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/flarexio/retriever/datastore"
)

const Name = "chromem"

type Config struct {
	// Path of the persistence directory. Empty keeps the DB in memory.
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

// Backend stores chunks in a chromem-go collection. chromem normalizes
// embeddings and only supports cosine similarity; scores rank higher is
// better. Metadata values are stored JSON-encoded so that filters keep
// their type: "1" and 1 are different values.
type Backend struct {
	db   *chromem.DB
	cfg  Config
	dims int

	mu         sync.RWMutex
	collection *chromem.Collection
}

func NewBackend(cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if metric != "" && metric != datastore.MetricCosine {
		return nil, fmt.Errorf("%w: %s only supports cosine", datastore.ErrInvalidConfig, Name)
	}

	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		d, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, datastore.Unavailable(Name, "open", err)
		}

		db = d
	}

	// Embeddings are always supplied, so the collection never embeds.
	c, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbedding)
	if err != nil {
		return nil, datastore.Unavailable(Name, "open", err)
	}

	return &Backend{
		db:         db,
		cfg:        cfg,
		dims:       dimension,
		collection: c,
	}, nil
}

func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("%s: embedding must be provided", Name)
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Order() datastore.ScoreOrder {
	return datastore.HigherIsBetter
}

func (b *Backend) current() *chromem.Collection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.collection
}

func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	c := b.current()

	for _, chunk := range chunks {
		metadata, err := encodeMetadata(chunk.Metadata)
		if err != nil {
			return err
		}

		doc := chromem.Document{
			ID:        chunk.ID,
			Metadata:  metadata,
			Embedding: chunk.Embedding,
			Content:   chunk.Text,
		}

		if err := c.AddDocument(ctx, doc); err != nil {
			return datastore.Unavailable(Name, "upsert", err)
		}
	}

	return nil
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	where, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	c := b.current()

	n := c.Count()
	if n == 0 {
		return []datastore.Match{}, nil
	}

	if k > n {
		k = n
	}

	results, err := c.QueryEmbedding(ctx, embedding, k, where, nil)
	if err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}

	matches := make([]datastore.Match, len(results))
	for i, result := range results {
		metadata, err := decodeMetadata(result.Metadata)
		if err != nil {
			return nil, datastore.Unavailable(Name, "query", err)
		}

		matches[i] = datastore.Match{
			ID:       result.ID,
			Text:     result.Content,
			Metadata: metadata,
			Score:    result.Similarity,
		}
	}

	return matches, nil
}

// Resolve runs a full-size query with an arbitrary unit vector: chromem
// has no listing API, but a query over every document returns every id
// that passes the metadata filter.
func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	where, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	c := b.current()

	n := c.Count()
	if n == 0 {
		return []string{}, nil
	}

	anchor := make([]float32, b.dims)
	anchor[0] = 1

	results, err := c.QueryEmbedding(ctx, anchor, n, where, nil)
	if err != nil {
		return nil, datastore.Unavailable(Name, "resolve", err)
	}

	ids := make([]string, len(results))
	for i, result := range results {
		ids[i] = result.ID
	}

	return ids, nil
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := b.current().Delete(ctx, nil, nil, ids...); err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}

	return nil
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.db.DeleteCollection(b.cfg.Collection); err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	c, err := b.db.GetOrCreateCollection(b.cfg.Collection, nil, noEmbedding)
	if err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	b.collection = c
	return nil
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	return b.current().Count(), nil
}

func (b *Backend) Close() error {
	return nil
}

func encodeMetadata(m datastore.Metadata) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		bs, err := json.Marshal(v)
		if err != nil {
			return nil, &datastore.ValidationError{
				Field:  "metadata." + k,
				Reason: err.Error(),
			}
		}

		out[k] = string(bs)
	}

	return out, nil
}

func decodeMetadata(m map[string]string) (datastore.Metadata, error) {
	if len(m) == 0 {
		return nil, nil
	}

	out := make(datastore.Metadata, len(m))
	for k, v := range m {
		var value any
		if err := json.Unmarshal([]byte(v), &value); err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}

		out[k] = value
	}

	return out, nil
}

// translateFilter maps a filter onto chromem's exact-match where clause.
// Every scalar is expressible, since values are compared in their JSON
// form on both sides.
func translateFilter(filter datastore.Filter) (map[string]string, error) {
	if filter.Empty() {
		return nil, nil
	}

	where := make(map[string]string, len(filter))
	for _, cond := range filter.Conditions() {
		bs, err := json.Marshal(cond.Value)
		if err != nil {
			return nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  err.Error(),
			}
		}

		where[cond.Field] = string(bs)
	}

	return where, nil
}
