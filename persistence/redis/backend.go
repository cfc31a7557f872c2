// Package redis stores chunks as RediSearch-indexed hashes. Only metadata
// fields declared in the config are indexed, so only they can be filtered.
package redis

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/redis/go-redis/v9"

	"github.com/flarexio/retriever/datastore"
)

const Name = "redis"

const (
	fieldID        = "id"
	fieldText      = "text"
	fieldMetadata  = "metadata"
	fieldEmbedding = "embedding"
	fieldDistance  = "distance"

	metaPrefix = "meta_"
)

const resolvePage = 1000

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type FieldType string

const (
	FieldTag     FieldType = "tag"
	FieldNumeric FieldType = "numeric"
)

type Config struct {
	Addr     string               `yaml:"addr"`
	Password string               `yaml:"password"`
	DB       int                  `yaml:"db"`
	Index    string               `yaml:"index"`
	Prefix   string               `yaml:"prefix"`
	Fields   map[string]FieldType `yaml:"fields"`
}

func (cfg *Config) applyDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	if cfg.Index == "" {
		cfg.Index = "chunks"
	}

	if cfg.Prefix == "" {
		cfg.Prefix = cfg.Index + ":"
	}
}

func (cfg Config) validate() error {
	for name, typ := range cfg.Fields {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: %s field %q is not an identifier", datastore.ErrInvalidConfig, Name, name)
		}

		if typ != FieldTag && typ != FieldNumeric {
			return fmt.Errorf("%w: %s field %q has unknown type %q", datastore.ErrInvalidConfig, Name, name, typ)
		}
	}

	return nil
}

type Backend struct {
	rdb       *redis.Client
	cfg       Config
	dimension int
	metric    string
}

func NewBackend(ctx context.Context, cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var distance string
	switch metric {
	case datastore.MetricCosine, "":
		distance = "COSINE"
	case datastore.MetricDot:
		distance = "IP"
	case datastore.MetricEuclidean:
		distance = "L2"
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", datastore.ErrInvalidConfig, metric)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 2,
	})

	b := &Backend{
		rdb:       rdb,
		cfg:       cfg,
		dimension: dimension,
		metric:    distance,
	}

	if err := b.ensureIndex(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return b, nil
}

func (b *Backend) ensureIndex(ctx context.Context) error {
	indexes, err := b.rdb.FT_List(ctx).Result()
	if err != nil {
		return datastore.Unavailable(Name, "open", err)
	}

	if slices.Contains(indexes, b.cfg.Index) {
		return nil
	}

	schema := []*redis.FieldSchema{
		{FieldName: fieldID, FieldType: redis.SearchFieldTypeTag},
		{
			FieldName: fieldEmbedding,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            b.dimension,
					DistanceMetric: b.metric,
				},
			},
		},
	}

	names := make([]string, 0, len(b.cfg.Fields))
	for name := range b.cfg.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		typ := redis.SearchFieldTypeTag
		if b.cfg.Fields[name] == FieldNumeric {
			typ = redis.SearchFieldTypeNumeric
		}

		schema = append(schema, &redis.FieldSchema{
			FieldName: metaPrefix + name,
			FieldType: typ,
		})
	}

	err = b.rdb.FTCreate(ctx, b.cfg.Index, &redis.FTCreateOptions{
		OnHash: true,
		Prefix: []interface{}{b.cfg.Prefix},
	}, schema...).Err()
	if err != nil {
		return datastore.Unavailable(Name, "create_index", err)
	}

	return nil
}

func (b *Backend) Name() string {
	return Name
}

// Order is lower-is-better for every metric: RediSearch reports cosine and
// inner product as distances too.
func (b *Backend) Order() datastore.ScoreOrder {
	return datastore.LowerIsBetter
}

func (b *Backend) key(id string) string {
	return b.cfg.Prefix + id
}

func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range chunks {
			fields, err := b.encodeHash(c)
			if err != nil {
				return err
			}

			key := b.key(c.ID)
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
		}

		return nil
	})

	if err != nil {
		return datastore.Unavailable(Name, "upsert", err)
	}

	return nil
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	prefilter, err := b.translateFilter(filter)
	if err != nil {
		return nil, err
	}

	if prefilter != "*" {
		prefilter = "(" + prefilter + ")"
	}

	query := fmt.Sprintf("%s=>[KNN $k @%s $vec AS %s]", prefilter, fieldEmbedding, fieldDistance)

	res, err := b.rdb.FTSearchWithArgs(ctx, b.cfg.Index, query, &redis.FTSearchOptions{
		Return: []redis.FTSearchReturn{
			{FieldName: fieldID},
			{FieldName: fieldText},
			{FieldName: fieldMetadata},
			{FieldName: fieldDistance},
		},
		SortBy: []redis.FTSearchSortBy{
			{FieldName: fieldDistance, Asc: true},
		},
		Limit: k,
		Params: map[string]interface{}{
			"k":   k,
			"vec": vectorBytes(embedding),
		},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}

	matches := make([]datastore.Match, 0, len(res.Docs))
	for _, doc := range res.Docs {
		m, err := decodeDocument(doc.Fields)
		if err != nil {
			return nil, err
		}

		matches = append(matches, m)
	}

	return matches, nil
}

func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	query, err := b.translateFilter(filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	for offset := 0; ; offset += resolvePage {
		res, err := b.rdb.FTSearchWithArgs(ctx, b.cfg.Index, query, &redis.FTSearchOptions{
			NoContent:      true,
			LimitOffset:    offset,
			Limit:          resolvePage,
			DialectVersion: 2,
		}).Result()
		if err != nil {
			return nil, datastore.Unavailable(Name, "resolve", err)
		}

		for _, doc := range res.Docs {
			ids = append(ids, strings.TrimPrefix(doc.ID, b.cfg.Prefix))
		}

		if len(res.Docs) < resolvePage {
			return ids, nil
		}
	}
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.key(id)
	}

	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}

	return nil
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	err := b.rdb.FTDropIndexWithArgs(ctx, b.cfg.Index, &redis.FTDropIndexOptions{
		DeleteDocs: true,
	}).Err()
	if err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	return b.ensureIndex(ctx)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	res, err := b.rdb.FTSearchWithArgs(ctx, b.cfg.Index, "*", &redis.FTSearchOptions{
		NoContent:      true,
		Limit:          1,
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}

	return res.Total, nil
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

func (b *Backend) encodeHash(c datastore.Chunk) (map[string]interface{}, error) {
	meta := []byte("{}")
	if len(c.Metadata) > 0 {
		bs, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshalling metadata: %w", err)
		}

		meta = bs
	}

	fields := map[string]interface{}{
		fieldID:        c.ID,
		fieldText:      c.Text,
		fieldMetadata:  string(meta),
		fieldEmbedding: vectorBytes(c.Embedding),
	}

	for name, typ := range b.cfg.Fields {
		v, ok := c.Metadata[name]
		if !ok {
			continue
		}

		switch typ {
		case FieldTag:
			fields[metaPrefix+name] = tagValue(v)

		case FieldNumeric:
			// non-numeric values would fail indexing of the whole hash
			if f, ok := v.(float64); ok {
				fields[metaPrefix+name] = strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}

	return fields, nil
}

func decodeDocument(fields map[string]string) (datastore.Match, error) {
	m := datastore.Match{
		ID:   fields[fieldID],
		Text: fields[fieldText],
	}

	if raw := fields[fieldMetadata]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return m, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}

	if raw := fields[fieldDistance]; raw != "" {
		d, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return m, fmt.Errorf("parsing distance: %w", err)
		}

		m.Score = float32(d)
	}

	return m, nil
}

func vectorBytes(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}

	return string(buf)
}

// tagValue prefixes the value with its type, so the string "true" and the
// boolean true land on different tags.
func tagValue(v any) string {
	switch v := v.(type) {
	case string:
		return "s:" + v
	case bool:
		return "b:" + strconv.FormatBool(v)
	case float64:
		return "n:" + strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("?:%v", v)
	}
}

func escapeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			sb.WriteByte('\\')
		}

		sb.WriteRune(r)
	}

	return sb.String()
}

// translateFilter builds a RediSearch query over the declared metadata
// fields. Undeclared fields are not indexed and cannot be filtered.
func (b *Backend) translateFilter(filter datastore.Filter) (string, error) {
	if filter.Empty() {
		return "*", nil
	}

	var clauses []string
	for _, cond := range filter.Conditions() {
		typ, ok := b.cfg.Fields[cond.Field]
		if !ok {
			return "", &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  "field is not declared as an indexed field",
			}
		}

		attr := "@" + metaPrefix + cond.Field

		switch typ {
		case FieldTag:
			clauses = append(clauses, fmt.Sprintf("%s:{%s}", attr, escapeTag(tagValue(cond.Value))))

		case FieldNumeric:
			f, ok := cond.Value.(float64)
			if !ok {
				return "", &datastore.UnsupportedFilterError{
					Backend: Name,
					Field:   cond.Field,
					Reason:  "numeric field only matches numbers",
				}
			}

			n := strconv.FormatFloat(f, 'f', -1, 64)
			clauses = append(clauses, fmt.Sprintf("%s:[%s %s]", attr, n, n))
		}
	}

	return strings.Join(clauses, " "), nil
}
