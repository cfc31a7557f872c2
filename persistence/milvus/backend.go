// Package milvus adapts a Milvus collection to the datastore backend
// contract. Chunk metadata lives in a JSON field and filters compile to
// Milvus boolean expressions over it.
package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/flarexio/retriever/datastore"
)

const Name = "milvus"

const (
	fieldID       = "id"
	fieldText     = "text"
	fieldMetadata = "metadata"
	fieldVector   = "vector"
)

var outputFields = []string{fieldID, fieldText, fieldMetadata}

type Config struct {
	Address    string `yaml:"address"`
	Database   string `yaml:"database"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	UseTLS     bool   `yaml:"useTLS"`
	Collection string `yaml:"collection"`
}

type Backend struct {
	client     client.Client
	collection string
	dimension  int
	metric     entity.MetricType
	order      datastore.ScoreOrder
}

func NewBackend(ctx context.Context, cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:19530"
	}

	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	mt, order, err := metricOf(metric)
	if err != nil {
		return nil, err
	}

	c, err := client.NewClient(ctx, client.Config{
		Address:       cfg.Address,
		DBName:        cfg.Database,
		Username:      cfg.Username,
		Password:      cfg.Password,
		EnableTLSAuth: cfg.UseTLS,
	})
	if err != nil {
		return nil, datastore.Unavailable(Name, "open", err)
	}

	b := &Backend{
		client:     c,
		collection: cfg.Collection,
		dimension:  dimension,
		metric:     mt,
		order:      order,
	}

	if err := b.ensureCollection(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	return b, nil
}

func metricOf(metric datastore.Metric) (entity.MetricType, datastore.ScoreOrder, error) {
	switch metric {
	case datastore.MetricCosine, "":
		return entity.COSINE, datastore.HigherIsBetter, nil
	case datastore.MetricDot:
		return entity.IP, datastore.HigherIsBetter, nil
	case datastore.MetricEuclidean:
		return entity.L2, datastore.LowerIsBetter, nil
	default:
		return "", 0, fmt.Errorf("%w: unknown metric %q", datastore.ErrInvalidConfig, metric)
	}
}

func (b *Backend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.HasCollection(ctx, b.collection)
	if err != nil {
		return datastore.Unavailable(Name, "open", err)
	}

	if !exists {
		schema := &entity.Schema{
			CollectionName: b.collection,
			Description:    "retriever chunks",
			Fields: []*entity.Field{
				{
					Name:       fieldID,
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					TypeParams: map[string]string{"max_length": "512"},
				},
				{
					Name:       fieldText,
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "65535"},
				},
				{
					Name:     fieldMetadata,
					DataType: entity.FieldTypeJSON,
				},
				{
					Name:       fieldVector,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": strconv.Itoa(b.dimension)},
				},
			},
		}

		err := b.client.CreateCollection(ctx, schema, entity.DefaultShardNumber,
			client.WithConsistencyLevel(entity.ClStrong))
		if err != nil {
			return datastore.Unavailable(Name, "create_collection", err)
		}

		idx, err := entity.NewIndexHNSW(b.metric, 8, 64)
		if err != nil {
			return fmt.Errorf("building index params: %w", err)
		}

		if err := b.client.CreateIndex(ctx, b.collection, fieldVector, idx, false); err != nil {
			return datastore.Unavailable(Name, "create_index", err)
		}
	}

	if err := b.client.LoadCollection(ctx, b.collection, false); err != nil {
		return datastore.Unavailable(Name, "load", err)
	}

	return nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Order() datastore.ScoreOrder {
	return b.order
}

func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	metas := make([][]byte, len(chunks))
	vectors := make([][]float32, len(chunks))

	for i, c := range chunks {
		meta := []byte("{}")
		if len(c.Metadata) > 0 {
			bs, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("marshalling metadata: %w", err)
			}

			meta = bs
		}

		ids[i] = c.ID
		texts[i] = c.Text
		metas[i] = meta
		vectors[i] = c.Embedding
	}

	_, err := b.client.Upsert(ctx, b.collection, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnJSONBytes(fieldMetadata, metas),
		entity.NewColumnFloatVector(fieldVector, b.dimension, vectors),
	)
	if err != nil {
		return datastore.Unavailable(Name, "upsert", err)
	}

	return nil
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	expr, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, k))
	if err != nil {
		return nil, fmt.Errorf("building search params: %w", err)
	}

	results, err := b.client.Search(ctx, b.collection, []string{}, expr, outputFields,
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldVector, b.metric, k, sp,
	)
	if err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}

	if len(results) == 0 {
		return []datastore.Match{}, nil
	}

	result := results[0]
	if result.Err != nil {
		return nil, datastore.Unavailable(Name, "query", result.Err)
	}

	rows, err := decodeColumns(result.Fields, result.ResultCount)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		if i < len(result.Scores) {
			rows[i].Score = result.Scores[i]
		}
	}

	return rows, nil
}

// Resolve pages through every matching id with a query iterator.
func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	expr, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	if expr == "" {
		expr = fieldID + ` != ""`
	}

	opt := client.NewQueryIteratorOption(b.collection).
		WithExpr(expr).
		WithOutputFields(fieldID).
		WithBatchSize(resolveBatch)

	it, err := b.client.QueryIterator(ctx, opt)
	if err != nil {
		return nil, datastore.Unavailable(Name, "resolve", err)
	}

	ids, err := collectIDs(ctx, it)
	if err != nil {
		return nil, datastore.Unavailable(Name, "resolve", err)
	}

	return ids, nil
}

const resolveBatch = 1000

type resultIterator interface {
	Next(ctx context.Context) (client.ResultSet, error)
}

func collectIDs(ctx context.Context, it resultIterator) ([]string, error) {
	ids := []string{}
	for {
		rs, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ids, nil
		}

		if err != nil {
			return nil, err
		}

		col, ok := rs.GetColumn(fieldID).(*entity.ColumnVarChar)
		if !ok {
			return nil, fmt.Errorf("column %q missing from result", fieldID)
		}

		ids = append(ids, col.Data()...)
	}
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := b.client.Delete(ctx, b.collection, "", idsExpr(ids)); err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}

	return nil
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	if err := b.client.DropCollection(ctx, b.collection); err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	return b.ensureCollection(ctx)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	rs, err := b.client.Query(ctx, b.collection, []string{}, "", []string{"count(*)"})
	if err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}

	col, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, nil
	}

	return int(col.Data()[0]), nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func decodeColumns(cols []entity.Column, n int) ([]datastore.Match, error) {
	var (
		ids   []string
		texts []string
		metas [][]byte
	)

	for _, col := range cols {
		switch c := col.(type) {
		case *entity.ColumnVarChar:
			switch c.Name() {
			case fieldID:
				ids = c.Data()
			case fieldText:
				texts = c.Data()
			}

		case *entity.ColumnJSONBytes:
			if c.Name() == fieldMetadata {
				metas = c.Data()
			}
		}
	}

	matches := make([]datastore.Match, n)
	for i := range matches {
		if i < len(ids) {
			matches[i].ID = ids[i]
		}

		if i < len(texts) {
			matches[i].Text = texts[i]
		}

		if i < len(metas) {
			var meta datastore.Metadata
			if err := json.Unmarshal(metas[i], &meta); err != nil {
				return nil, fmt.Errorf("unmarshalling metadata: %w", err)
			}

			if len(meta) > 0 {
				matches[i].Metadata = meta
			}
		}
	}

	return matches, nil
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func idsExpr(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = quote(id)
	}

	return fieldID + " in [" + strings.Join(quoted, ", ") + "]"
}

// translateFilter compiles a filter to a Milvus boolean expression over the
// JSON metadata field, one equality per condition joined with &&.
func translateFilter(filter datastore.Filter) (string, error) {
	if filter.Empty() {
		return "", nil
	}

	var clauses []string
	for _, cond := range filter.Conditions() {
		if strings.ContainsAny(cond.Field, "\"\\") {
			return "", &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  "field names with quotes or backslashes cannot be addressed",
			}
		}

		var literal string
		switch v := cond.Value.(type) {
		case string:
			literal = quote(v)
		case bool:
			literal = strconv.FormatBool(v)
		case float64:
			literal = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return "", &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  fmt.Sprintf("unsupported value type %T", v),
			}
		}

		clauses = append(clauses, fmt.Sprintf(`%s["%s"] == %s`, fieldMetadata, cond.Field, literal))
	}

	return strings.Join(clauses, " && "), nil
}
