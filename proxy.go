package retriever

import (
	"context"
	"errors"

	"github.com/flarexio/retriever/datastore"
)

// ProxyMiddleware turns a set of client endpoints into a Service. The
// wrapped service is ignored.
func ProxyMiddleware(endpoints *EndpointSet) ServiceMiddleware {
	return func(next Service) Service {
		return &proxyMiddleware{
			endpoints: endpoints,
		}
	}
}

type proxyMiddleware struct {
	endpoints *EndpointSet
}

func (mw *proxyMiddleware) Upsert(ctx context.Context, docs []Document) ([]string, error) {
	req := UpsertRequest{
		Documents: docs,
	}

	resp, err := mw.endpoints.Upsert(ctx, req)
	if err != nil {
		return nil, err
	}

	result, ok := resp.(UpsertResponse)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	return result.IDs, nil
}

func (mw *proxyMiddleware) UpsertFile(ctx context.Context, file File) ([]string, error) {
	resp, err := mw.endpoints.UpsertFile(ctx, file)
	if err != nil {
		return nil, err
	}

	result, ok := resp.(UpsertResponse)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	return result.IDs, nil
}

func (mw *proxyMiddleware) Query(ctx context.Context, queries []QueryItem) ([]datastore.QueryResult, error) {
	req := QueryRequest{
		Queries: queries,
	}

	resp, err := mw.endpoints.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	result, ok := resp.(QueryResponse)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	return result.Results, nil
}

func (mw *proxyMiddleware) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	resp, err := mw.endpoints.Delete(ctx, req)
	if err != nil {
		return false, err
	}

	result, ok := resp.(DeleteResponse)
	if !ok {
		return false, errors.New("invalid response type")
	}

	return result.Success, nil
}

// Close is a no-op; the connection behind the endpoints belongs to the caller.
func (mw *proxyMiddleware) Close() error {
	return nil
}
