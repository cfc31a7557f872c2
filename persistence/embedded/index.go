package embedded

import (
	"math"
	"slices"

	"github.com/flarexio/retriever/datastore"
)

type record struct {
	Seq   uint64
	Chunk datastore.Chunk
}

// index holds records in ascending insertion sequence. An index is never
// mutated once published; writers derive a new one.
type index struct {
	nextSeq uint64
	records []record
	byID    map[string]int
}

func newIndex() *index {
	return &index{
		records: make([]record, 0),
		byID:    make(map[string]int),
	}
}

func (idx *index) len() int {
	return len(idx.records)
}

func (idx *index) get(id string) (datastore.Chunk, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return datastore.Chunk{}, false
	}

	return idx.records[i].Chunk, true
}

// without returns a copy of idx lacking the given ids.
func (idx *index) without(ids map[string]struct{}) *index {
	next := &index{
		nextSeq: idx.nextSeq,
		records: make([]record, 0, len(idx.records)),
		byID:    make(map[string]int, len(idx.records)),
	}

	for _, r := range idx.records {
		if _, ok := ids[r.Chunk.ID]; ok {
			continue
		}

		next.byID[r.Chunk.ID] = len(next.records)
		next.records = append(next.records, r)
	}

	return next
}

func (idx *index) has(ids map[string]struct{}) bool {
	for id := range ids {
		if _, ok := idx.byID[id]; ok {
			return true
		}
	}

	return false
}

// push appends chunks with fresh sequence numbers. Callers remove
// duplicates first.
func (idx *index) push(chunks ...datastore.Chunk) {
	for _, c := range chunks {
		idx.byID[c.ID] = len(idx.records)
		idx.records = append(idx.records, record{
			Seq: idx.nextSeq,
			Chunk: datastore.Chunk{
				ID:        c.ID,
				Text:      c.Text,
				Metadata:  c.Metadata.Clone(),
				Embedding: slices.Clone(c.Embedding),
			},
		})
		idx.nextSeq++
	}
}

func (idx *index) resolve(filter datastore.Filter) []string {
	ids := make([]string, 0)
	for _, r := range idx.records {
		if filter.Matches(r.Chunk.Metadata) {
			ids = append(ids, r.Chunk.ID)
		}
	}

	return ids
}

type candidate struct {
	rec   *record
	score float32
}

// search scores every record matching filter and returns the k best.
// Records are visited in sequence order and sorted stably, so equal
// scores keep insertion order.
func (idx *index) search(embedding []float32, k int, filter datastore.Filter, metric datastore.Metric) []datastore.Match {
	cands := make([]candidate, 0, len(idx.records))
	for i := range idx.records {
		r := &idx.records[i]
		if !filter.Matches(r.Chunk.Metadata) {
			continue
		}

		cands = append(cands, candidate{
			rec:   r,
			score: score(metric, embedding, r.Chunk.Embedding),
		})
	}

	order := metric.Order()
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case order.Better(a.score, b.score):
			return -1
		case order.Better(b.score, a.score):
			return 1
		default:
			return 0
		}
	})

	if len(cands) > k {
		cands = cands[:k]
	}

	matches := make([]datastore.Match, len(cands))
	for i, c := range cands {
		matches[i] = datastore.Match{
			ID:       c.rec.Chunk.ID,
			Text:     c.rec.Chunk.Text,
			Metadata: c.rec.Chunk.Metadata.Clone(),
			Score:    c.score,
		}
	}

	return matches
}

func score(metric datastore.Metric, a, b []float32) float32 {
	switch metric {
	case datastore.MetricDot:
		return float32(dot(a, b))

	case datastore.MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return float32(math.Sqrt(sum))

	default:
		na := math.Sqrt(dot(a, a))
		nb := math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0
		}
		return float32(dot(a, b) / (na * nb))
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}
