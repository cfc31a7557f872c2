package retriever

import (
	"context"
	"errors"

	"github.com/go-kit/kit/endpoint"
)

type EndpointSet struct {
	Upsert     endpoint.Endpoint
	UpsertFile endpoint.Endpoint
	Query      endpoint.Endpoint
	Delete     endpoint.Endpoint
}

func NewEndpointSet(svc Service) *EndpointSet {
	return &EndpointSet{
		Upsert:     UpsertEndpoint(svc),
		UpsertFile: UpsertFileEndpoint(svc),
		Query:      QueryEndpoint(svc),
		Delete:     DeleteEndpoint(svc),
	}
}

func UpsertEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(UpsertRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		ids, err := svc.Upsert(ctx, req.Documents)
		if err != nil {
			return nil, err
		}

		return UpsertResponse{IDs: ids}, nil
	}
}

func UpsertFileEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(UpsertFileRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		ids, err := svc.UpsertFile(ctx, req)
		if err != nil {
			return nil, err
		}

		return UpsertResponse{IDs: ids}, nil
	}
}

func QueryEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(QueryRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		results, err := svc.Query(ctx, req.Queries)
		if err != nil {
			return nil, err
		}

		return QueryResponse{Results: results}, nil
	}
}

func DeleteEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(DeleteRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		success, err := svc.Delete(ctx, req)
		if err != nil {
			return nil, err
		}

		return DeleteResponse{Success: success}, nil
	}
}
