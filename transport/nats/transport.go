package nats

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/retriever"
)

func respond(r micro.Request, endpoint endpoint.Endpoint, req any) {
	ctx := context.Background()
	resp, err := endpoint(ctx, req)
	if err != nil {
		code := strconv.Itoa(retriever.StatusCode(err))
		r.Error(code, err.Error(), nil)
		return
	}

	r.RespondJSON(&resp)
}

func UpsertHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req retriever.UpsertRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error("400", err.Error(), nil)
			return
		}

		respond(r, endpoint, req)
	}
}

func UpsertFileHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req retriever.UpsertFileRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error("400", err.Error(), nil)
			return
		}

		respond(r, endpoint, req)
	}
}

func QueryHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req retriever.QueryRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error("400", err.Error(), nil)
			return
		}

		respond(r, endpoint, req)
	}
}

func DeleteHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req retriever.DeleteRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error("400", err.Error(), nil)
			return
		}

		respond(r, endpoint, req)
	}
}
