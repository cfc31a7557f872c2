package milvus

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever/datastore"
)

func TestTranslateFilter(t *testing.T) {
	assert := assert.New(t)

	expr, err := translateFilter(datastore.Filter{
		"source": `say "hi"`,
		"draft":  false,
		"page":   float64(2),
	})
	assert.NoError(err)
	assert.Equal(
		`metadata["draft"] == false && metadata["page"] == 2 && metadata["source"] == "say \"hi\""`,
		expr,
	)

	expr, err = translateFilter(nil)
	assert.NoError(err)
	assert.Empty(expr)

	_, err = translateFilter(datastore.Filter{`a"b`: "x"})
	assert.ErrorIs(err, datastore.ErrUnsupportedFilter)
}

func TestIDsExpr(t *testing.T) {
	assert.Equal(t, `id in ["a", "b\\c"]`, idsExpr([]string{"a", `b\c`}))
}

func TestDecodeColumns(t *testing.T) {
	assert := assert.New(t)

	cols := []entity.Column{
		entity.NewColumnVarChar(fieldID, []string{"1", "2"}),
		entity.NewColumnVarChar(fieldText, []string{"one", "two"}),
		entity.NewColumnJSONBytes(fieldMetadata, [][]byte{
			[]byte(`{"source":"a","page":1}`),
			[]byte(`{}`),
		}),
	}

	matches, err := decodeColumns(cols, 2)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal([]datastore.Match{
		{ID: "1", Text: "one", Metadata: datastore.Metadata{"source": "a", "page": float64(1)}},
		{ID: "2", Text: "two"},
	}, matches)
}

func TestMetricOf(t *testing.T) {
	assert := assert.New(t)

	mt, order, err := metricOf(datastore.MetricEuclidean)
	assert.NoError(err)
	assert.Equal(entity.L2, mt)
	assert.Equal(datastore.LowerIsBetter, order)

	mt, order, _ = metricOf(datastore.MetricDot)
	assert.Equal(entity.IP, mt)
	assert.Equal(datastore.HigherIsBetter, order)
}

type pages struct {
	batches [][]string
	err     error
}

func (p *pages) Next(ctx context.Context) (client.ResultSet, error) {
	if len(p.batches) == 0 {
		if p.err != nil {
			return nil, p.err
		}

		return nil, io.EOF
	}

	batch := p.batches[0]
	p.batches = p.batches[1:]

	return client.ResultSet{entity.NewColumnVarChar(fieldID, batch)}, nil
}

func TestCollectIDsReadsEveryPage(t *testing.T) {
	assert := assert.New(t)

	it := &pages{batches: [][]string{{"a", "b"}, {"c"}, {"d", "e"}}}

	ids, err := collectIDs(context.Background(), it)
	assert.NoError(err)
	assert.Equal([]string{"a", "b", "c", "d", "e"}, ids)

	ids, err = collectIDs(context.Background(), &pages{})
	assert.NoError(err)
	assert.Empty(ids)

	_, err = collectIDs(context.Background(), &pages{
		batches: [][]string{{"a"}},
		err:     errors.New("connection reset"),
	})
	assert.Error(err)
}
