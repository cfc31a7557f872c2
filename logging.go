package retriever

import (
	"context"

	"go.uber.org/zap"

	"github.com/flarexio/retriever/datastore"
)

func LoggingMiddleware(log *zap.Logger) ServiceMiddleware {
	log = log.With(
		zap.String("service", "retriever"),
	)

	return func(next Service) Service {
		log.Info("service initialized")

		return &loggingMiddleware{
			log:  log,
			next: next,
		}
	}
}

type loggingMiddleware struct {
	log  *zap.Logger
	next Service
}

func (mw *loggingMiddleware) Upsert(ctx context.Context, docs []Document) ([]string, error) {
	log := mw.log.With(
		zap.String("action", "upsert"),
		zap.Int("documents", len(docs)),
	)

	ids, err := mw.next.Upsert(ctx, docs)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Info("documents upserted", zap.Int("count", len(ids)))
	return ids, nil
}

func (mw *loggingMiddleware) UpsertFile(ctx context.Context, file File) ([]string, error) {
	log := mw.log.With(
		zap.String("action", "upsert_file"),
		zap.String("file", file.Name),
		zap.Int("size", len(file.Data)),
	)

	ids, err := mw.next.UpsertFile(ctx, file)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Info("file upserted", zap.Strings("ids", ids))
	return ids, nil
}

func (mw *loggingMiddleware) Query(ctx context.Context, queries []QueryItem) ([]datastore.QueryResult, error) {
	log := mw.log.With(
		zap.String("action", "query"),
		zap.Int("queries", len(queries)),
	)

	if len(queries) == 1 {
		log = log.With(
			zap.String("query", queries[0].Query),
		)
	}

	results, err := mw.next.Query(ctx, queries)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	matches := 0
	for _, r := range results {
		matches += len(r.Matches)
	}

	log.Info("documents queried", zap.Int("count", matches))
	return results, nil
}

func (mw *loggingMiddleware) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	log := mw.log.With(
		zap.String("action", "delete"),
		zap.Int("ids", len(req.IDs)),
		zap.Int("filter", len(req.Filter)),
		zap.Bool("delete_all", req.DeleteAll),
	)

	success, err := mw.next.Delete(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return false, err
	}

	log.Info("documents deleted")
	return success, nil
}

func (mw *loggingMiddleware) Close() error {
	log := mw.log.With(
		zap.String("action", "close"),
	)

	err := mw.next.Close()
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("service closed")
	return nil
}
