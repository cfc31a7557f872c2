// Package qdrant adapts a Qdrant collection to the datastore backend
// contract over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/flarexio/retriever/datastore"
)

const Name = "qdrant"

const (
	payloadID       = "chunk_id"
	payloadText     = "text"
	payloadMetadata = "metadata"
)

const scrollPage = 256

// Qdrant point ids must be integers or UUIDs, so chunk ids are mapped
// through a name-based UUID and kept verbatim in the payload.
var pointNamespace = uuid.MustParse("6f0f4cf5-2f5b-4a0e-9d5c-5b8f1a7d4e21")

type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"apiKey"`
	UseTLS     bool   `yaml:"useTLS"`
	Collection string `yaml:"collection"`
}

type Backend struct {
	client     *qdrant.Client
	collection string
	dimension  int
	distance   qdrant.Distance
	order      datastore.ScoreOrder
}

func NewBackend(ctx context.Context, cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	distance, order, err := distanceOf(metric)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, datastore.Unavailable(Name, "open", err)
	}

	b := &Backend{
		client:     client,
		collection: cfg.Collection,
		dimension:  dimension,
		distance:   distance,
		order:      order,
	}

	if err := b.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return b, nil
}

func distanceOf(metric datastore.Metric) (qdrant.Distance, datastore.ScoreOrder, error) {
	switch metric {
	case datastore.MetricCosine, "":
		return qdrant.Distance_Cosine, datastore.HigherIsBetter, nil
	case datastore.MetricDot:
		return qdrant.Distance_Dot, datastore.HigherIsBetter, nil
	case datastore.MetricEuclidean:
		return qdrant.Distance_Euclid, datastore.LowerIsBetter, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown metric %q", datastore.ErrInvalidConfig, metric)
	}
}

func (b *Backend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return datastore.Unavailable(Name, "open", err)
	}

	if exists {
		return nil
	}

	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(b.dimension),
			Distance: b.distance,
		}),
	})
	if err != nil {
		return datastore.Unavailable(Name, "create_collection", err)
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
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload, err := encodePayload(c)
		if err != nil {
			return err
		}

		points[i] = &qdrant.PointStruct{
			Id:      pointID(c.ID),
			Payload: payload,
			Vectors: qdrant.NewVectorsDense(c.Embedding),
		}
	}

	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return datastore.Unavailable(Name, "upsert", err)
	}

	return nil
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	f, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         f,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}

	matches := make([]datastore.Match, len(points))
	for i, p := range points {
		m := decodePayload(p.GetPayload())
		m.Score = p.GetScore()
		matches[i] = m
	}

	return matches, nil
}

func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	f, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)

	var offset *qdrant.PointId
	for {
		points, next, err := b.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: b.collection,
			Filter:         f,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPage)),
			WithPayload:    qdrant.NewWithPayloadInclude(payloadID),
		})
		if err != nil {
			return nil, datastore.Unavailable(Name, "resolve", err)
		}

		for _, p := range points {
			ids = append(ids, p.GetPayload()[payloadID].GetStringValue())
		}

		if next == nil {
			return ids, nil
		}

		offset = next
	}
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorIDs(pointIDs),
	})
	if err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}

	return nil
}

// DeleteAll drops and recreates the collection, which is cheaper than a
// filter-less delete on large collections.
func (b *Backend) DeleteAll(ctx context.Context) error {
	if err := b.client.DeleteCollection(ctx, b.collection); err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	return b.ensureCollection(ctx)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	n, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: b.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}

	return int(n), nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func encodePayload(c datastore.Chunk) (map[string]*qdrant.Value, error) {
	payload := map[string]*qdrant.Value{
		payloadID:   qdrant.NewValueString(c.ID),
		payloadText: qdrant.NewValueString(c.Text),
	}

	if len(c.Metadata) == 0 {
		return payload, nil
	}

	fields := make(map[string]*qdrant.Value, len(c.Metadata))
	for k, v := range c.Metadata {
		value, err := qdrant.NewValue(v)
		if err != nil {
			return nil, &datastore.ValidationError{
				Field:  "metadata." + k,
				Reason: err.Error(),
			}
		}

		fields[k] = value
	}

	payload[payloadMetadata] = qdrant.NewValueFromFields(fields)
	return payload, nil
}

func decodePayload(payload map[string]*qdrant.Value) datastore.Match {
	m := datastore.Match{
		ID:   payload[payloadID].GetStringValue(),
		Text: payload[payloadText].GetStringValue(),
	}

	fields := payload[payloadMetadata].GetStructValue().GetFields()
	if len(fields) == 0 {
		return m
	}

	m.Metadata = make(datastore.Metadata, len(fields))
	for k, v := range fields {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			m.Metadata[k] = kind.StringValue
		case *qdrant.Value_BoolValue:
			m.Metadata[k] = kind.BoolValue
		case *qdrant.Value_DoubleValue:
			m.Metadata[k] = kind.DoubleValue
		case *qdrant.Value_IntegerValue:
			m.Metadata[k] = float64(kind.IntegerValue)
		}
	}

	return m
}

// translateFilter maps each condition onto a must clause against the
// nested metadata payload. Numbers use a closed range so that integer and
// double payload values both match.
func translateFilter(filter datastore.Filter) (*qdrant.Filter, error) {
	if filter.Empty() {
		return nil, nil
	}

	conds := filter.Conditions()
	must := make([]*qdrant.Condition, 0, len(conds))
	for _, cond := range conds {
		if strings.ContainsAny(cond.Field, ".[]") {
			return nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  "field names with dots or brackets are read as nested keys",
			}
		}

		key := payloadMetadata + "." + cond.Field

		switch v := cond.Value.(type) {
		case string:
			must = append(must, qdrant.NewMatchKeyword(key, v))

		case bool:
			must = append(must, qdrant.NewMatchBool(key, v))

		case float64:
			must = append(must, qdrant.NewRange(key, &qdrant.Range{
				Gte: qdrant.PtrOf(v),
				Lte: qdrant.PtrOf(v),
			}))

		default:
			return nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  fmt.Sprintf("unsupported value type %T", v),
			}
		}
	}

	return &qdrant.Filter{Must: must}, nil
}
