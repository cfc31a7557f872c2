// Package elasticsearch adapts an Elasticsearch index with a dense_vector
// field to the datastore backend contract.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/flarexio/retriever/datastore"
)

const Name = "elasticsearch"

const resolvePage = 1000

type Config struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	APIKey    string   `yaml:"apiKey"`
	Index     string   `yaml:"index"`
}

// Backend stores one document per chunk, keyed by the chunk id. Scores are
// Elasticsearch knn scores, which rank higher is better for every metric.
type Backend struct {
	client     *elasticsearch.Client
	index      string
	dimension  int
	similarity string
}

func NewBackend(ctx context.Context, cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if cfg.Index == "" {
		cfg.Index = "chunks"
	}

	similarity, err := similarityOf(metric)
	if err != nil {
		return nil, err
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", datastore.ErrInvalidConfig, Name, err.Error())
	}

	b := &Backend{
		client:     client,
		index:      cfg.Index,
		dimension:  dimension,
		similarity: similarity,
	}

	if err := b.ensureIndex(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

func similarityOf(metric datastore.Metric) (string, error) {
	switch metric {
	case datastore.MetricCosine, "":
		return "cosine", nil
	case datastore.MetricDot:
		// dot_product requires unit vectors
		return "max_inner_product", nil
	case datastore.MetricEuclidean:
		return "l2_norm", nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", datastore.ErrInvalidConfig, metric)
	}
}

func (b *Backend) mapping() map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"dynamic_templates": []any{
				map[string]any{"metadata_strings": map[string]any{
					"path_match":         "metadata.*",
					"match_mapping_type": "string",
					"mapping":            map[string]any{"type": "keyword"},
				}},
				map[string]any{"metadata_longs": map[string]any{
					"path_match":         "metadata.*",
					"match_mapping_type": "long",
					"mapping":            map[string]any{"type": "double"},
				}},
				map[string]any{"metadata_doubles": map[string]any{
					"path_match":         "metadata.*",
					"match_mapping_type": "double",
					"mapping":            map[string]any{"type": "double"},
				}},
			},
			"properties": map[string]any{
				"id":   map[string]any{"type": "keyword"},
				"text": map[string]any{"type": "text"},
				"metadata": map[string]any{
					"type":    "object",
					"dynamic": true,
				},
				"embedding": map[string]any{
					"type":       "dense_vector",
					"dims":       b.dimension,
					"index":      true,
					"similarity": b.similarity,
				},
			},
		},
	}
}

func (b *Backend) ensureIndex(ctx context.Context) error {
	resp, err := esapi.IndicesExistsRequest{
		Index: []string{b.index},
	}.Do(ctx, b.client)
	if err != nil {
		return datastore.Unavailable(Name, "open", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(b.mapping())
	if err != nil {
		return err
	}

	resp, err = esapi.IndicesCreateRequest{
		Index: b.index,
		Body:  bytes.NewReader(body),
	}.Do(ctx, b.client)
	if err != nil {
		return datastore.Unavailable(Name, "create_index", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return datastore.Unavailable(Name, "create_index", responseError(resp))
	}

	return nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Order() datastore.ScoreOrder {
	return datastore.HigherIsBetter
}

type source struct {
	ID        string             `json:"id"`
	Text      string             `json:"text"`
	Metadata  datastore.Metadata `json:"metadata,omitempty"`
	Embedding []float32          `json:"embedding,omitempty"`
}

type bulkAction struct {
	Index  *bulkTarget `json:"index,omitempty"`
	Delete *bulkTarget `json:"delete,omitempty"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

func (b *Backend) upsertBody(chunks []datastore.Chunk) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, c := range chunks {
		action := bulkAction{Index: &bulkTarget{Index: b.index, ID: c.ID}}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}

		doc := source{
			ID:        c.ID,
			Text:      c.Text,
			Metadata:  c.Metadata,
			Embedding: c.Embedding,
		}
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
	}

	return &buf, nil
}

func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	body, err := b.upsertBody(chunks)
	if err != nil {
		return fmt.Errorf("encoding bulk body: %w", err)
	}

	return b.bulk(ctx, "upsert", body)
}

func (b *Backend) bulk(ctx context.Context, op string, body io.Reader) error {
	resp, err := esapi.BulkRequest{
		Body:    body,
		Refresh: "true",
	}.Do(ctx, b.client)
	if err != nil {
		return datastore.Unavailable(Name, op, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return datastore.Unavailable(Name, op, responseError(resp))
	}

	var result bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return datastore.Unavailable(Name, op, err)
	}

	if !result.Errors {
		return nil
	}

	for _, item := range result.Items {
		for _, r := range item {
			// a missing document on delete is not a failure
			if r.Status == http.StatusNotFound && len(r.Error) == 0 {
				continue
			}

			if len(r.Error) > 0 {
				return datastore.Unavailable(Name, op, fmt.Errorf("bulk item: %s", r.Error))
			}
		}
	}

	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float32 `json:"_score"`
			Source source  `json:"_source"`
			Sort   []any   `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

func (b *Backend) knnBody(embedding []float32, k int, filter []any) map[string]any {
	knn := map[string]any{
		"field":          "embedding",
		"query_vector":   embedding,
		"k":              k,
		"num_candidates": max(100, k),
	}

	if len(filter) > 0 {
		knn["filter"] = map[string]any{
			"bool": map[string]any{"filter": filter},
		}
	}

	return map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": []string{"id", "text", "metadata"},
	}
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	terms, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	result, err := b.search(ctx, "query", b.knnBody(embedding, k, terms))
	if err != nil {
		return nil, err
	}

	matches := make([]datastore.Match, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		matches[i] = datastore.Match{
			ID:       hit.Source.ID,
			Text:     hit.Source.Text,
			Metadata: hit.Source.Metadata,
			Score:    hit.Score,
		}
	}

	return matches, nil
}

func (b *Backend) search(ctx context.Context, op string, body map[string]any) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}

	resp, err := esapi.SearchRequest{
		Index: []string{b.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, b.client)
	if err != nil {
		return nil, datastore.Unavailable(Name, op, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, datastore.Unavailable(Name, op, responseError(resp))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, datastore.Unavailable(Name, op, err)
	}

	return &result, nil
}

// Resolve pages through matching documents sorted by id with search_after.
func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	terms, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(terms) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": terms}}
	}

	ids := make([]string, 0)

	var after []any
	for {
		body := map[string]any{
			"query":   query,
			"_source": false,
			"size":    resolvePage,
			"sort":    []any{map[string]any{"id": "asc"}},
		}

		if after != nil {
			body["search_after"] = after
		}

		result, err := b.search(ctx, "resolve", body)
		if err != nil {
			return nil, err
		}

		hits := result.Hits.Hits
		for _, hit := range hits {
			ids = append(ids, hit.ID)
		}

		if len(hits) < resolvePage {
			return ids, nil
		}

		after = hits[len(hits)-1].Sort
	}
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(bulkAction{Delete: &bulkTarget{Index: b.index, ID: id}}); err != nil {
			return fmt.Errorf("encoding bulk body: %w", err)
		}
	}

	return b.bulk(ctx, "delete", &buf)
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	resp, err := esapi.IndicesDeleteRequest{
		Index: []string{b.index},
	}.Do(ctx, b.client)
	if err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}
	defer resp.Body.Close()

	if resp.IsError() && resp.StatusCode != http.StatusNotFound {
		return datastore.Unavailable(Name, "delete_all", responseError(resp))
	}

	return b.ensureIndex(ctx)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	resp, err := esapi.CountRequest{
		Index: []string{b.index},
	}.Do(ctx, b.client)
	if err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return 0, datastore.Unavailable(Name, "count", responseError(resp))
	}

	var result struct {
		Count int `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}

	return result.Count, nil
}

func (b *Backend) Close() error {
	return nil
}

func responseError(resp *esapi.Response) error {
	return fmt.Errorf("%s", resp.String())
}

// translateFilter maps each condition to a term query on the metadata
// object. Dotted names would address nested objects, so they are rejected.
func translateFilter(filter datastore.Filter) ([]any, error) {
	if filter.Empty() {
		return nil, nil
	}

	conds := filter.Conditions()
	terms := make([]any, 0, len(conds))
	for _, cond := range conds {
		if strings.Contains(cond.Field, ".") {
			return nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  "dotted field names address nested objects",
			}
		}

		switch cond.Value.(type) {
		case string, bool, float64:
		default:
			return nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  fmt.Sprintf("unsupported value type %T", cond.Value),
			}
		}

		terms = append(terms, map[string]any{
			"term": map[string]any{"metadata." + cond.Field: cond.Value},
		})
	}

	return terms, nil
}
