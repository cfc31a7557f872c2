package retriever

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flarexio/retriever/datastore"
)

// InstrumentingMiddleware counts requests and observes their latency per
// action. Metrics register with reg.
func InstrumentingMiddleware(reg prometheus.Registerer) ServiceMiddleware {
	factory := promauto.With(reg)

	requests := factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retriever",
			Name:      "requests_total",
			Help:      "Total number of service requests",
		},
		[]string{"action", "status"},
	)

	duration := factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retriever",
			Name:      "request_duration_seconds",
			Help:      "Duration of service requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	return func(next Service) Service {
		return &instrumentingMiddleware{
			requests: requests,
			duration: duration,
			next:     next,
		}
	}
}

type instrumentingMiddleware struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	next     Service
}

func (mw *instrumentingMiddleware) observe(action string, begin time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if StatusCode(err) < 500 {
			status = "client_error"
		}
	}

	mw.requests.WithLabelValues(action, status).Inc()
	mw.duration.WithLabelValues(action).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) Upsert(ctx context.Context, docs []Document) (ids []string, err error) {
	defer func(begin time.Time) { mw.observe("upsert", begin, err) }(time.Now())
	return mw.next.Upsert(ctx, docs)
}

func (mw *instrumentingMiddleware) UpsertFile(ctx context.Context, file File) (ids []string, err error) {
	defer func(begin time.Time) { mw.observe("upsert_file", begin, err) }(time.Now())
	return mw.next.UpsertFile(ctx, file)
}

func (mw *instrumentingMiddleware) Query(ctx context.Context, queries []QueryItem) (results []datastore.QueryResult, err error) {
	defer func(begin time.Time) { mw.observe("query", begin, err) }(time.Now())
	return mw.next.Query(ctx, queries)
}

func (mw *instrumentingMiddleware) Delete(ctx context.Context, req DeleteRequest) (success bool, err error) {
	defer func(begin time.Time) { mw.observe("delete", begin, err) }(time.Now())
	return mw.next.Delete(ctx, req)
}

func (mw *instrumentingMiddleware) Close() error {
	return mw.next.Close()
}
