package datastore

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Chunk is the unit of storage.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Metadata maps field names to scalar values: string, bool or float64.
type Metadata map[string]any

// Normalize returns a copy holding only scalars, with every numeric value
// converted to float64 and nil values dropped. Empty metadata becomes nil.
func (m Metadata) Normalize() (Metadata, error) {
	if len(m) == 0 {
		return nil, nil
	}

	out := make(Metadata, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}

		s, err := normalizeScalar(v)
		if err != nil {
			return nil, &ValidationError{
				Field:  "metadata." + k,
				Reason: err.Error(),
			}
		}

		out[k] = s
	}

	if len(out) == 0 {
		return nil, nil
	}

	return out, nil
}

// Clone returns a shallow copy; values are scalars so it is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}

	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func normalizeScalar(v any) (any, error) {
	switch v := v.(type) {
	case string, bool:
		return v, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// IsIntegral reports whether a normalized numeric value has no fractional part.
func IsIntegral(f float64) bool {
	return f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53
}

// Group is a caller-level grouping of chunks, typically one document.
type Group struct {
	Key    string  `json:"key"`
	Chunks []Chunk `json:"chunks"`
}

// Query asks for the TopK best chunks for Embedding among those matching Filter.
type Query struct {
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
	TopK      int       `json:"top_k"`
	Filter    Filter    `json:"filter,omitempty"`
}

type Match struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata,omitempty"`
	Score    float32  `json:"score"`
}

type QueryResult struct {
	Query   string  `json:"query"`
	Matches []Match `json:"results"`
}

// DeleteRequest selects what to delete. DeleteAll wins over IDs, which win
// over Filter.
type DeleteRequest struct {
	IDs       []string `json:"ids,omitempty"`
	Filter    Filter   `json:"filter,omitempty"`
	DeleteAll bool     `json:"delete_all,omitempty"`
}

// Validate fails with an InvalidRequestError when no criterion is given.
// An empty filter counts as absent: wiping the store needs DeleteAll.
func (req DeleteRequest) Validate() error {
	if req.DeleteAll || len(req.IDs) > 0 || !req.Filter.Empty() {
		return nil
	}

	return &InvalidRequestError{
		Reason: "One of ids, filter, or delete_all is required",
	}
}

// ScoreOrder is the ranking convention of a backend's scores.
type ScoreOrder int

const (
	HigherIsBetter ScoreOrder = iota
	LowerIsBetter
)

func (o ScoreOrder) String() string {
	if o == LowerIsBetter {
		return "lower_is_better"
	}

	return "higher_is_better"
}

// Better reports whether score a ranks ahead of score b.
func (o ScoreOrder) Better(a, b float32) bool {
	if o == LowerIsBetter {
		return a < b
	}

	return a > b
}

type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

var metrics = []Metric{MetricCosine, MetricDot, MetricEuclidean}

// Order is the score order a metric produces: similarities rank high,
// distances rank low.
func (m Metric) Order() ScoreOrder {
	if m == MetricEuclidean {
		return LowerIsBetter
	}

	return HigherIsBetter
}

func (m Metric) Valid() bool {
	return slices.Contains(metrics, m)
}

// Config is the store-level configuration shared by every backend.
type Config struct {
	Backend   string `yaml:"backend"`
	Dimension int    `yaml:"dimension"`
	Metric    Metric `yaml:"metric"`
}

func (cfg Config) Validate() error {
	if cfg.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	if cfg.Metric != "" && !cfg.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, cfg.Metric)
	}

	return nil
}
