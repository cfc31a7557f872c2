package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/datastore"
)

// MakeEndpoints builds client endpoints that call a retriever service
// listening under prefix. A zero timeout uses nats.DefaultTimeout.
func MakeEndpoints(nc *nats.Conn, prefix string, timeout time.Duration) *retriever.EndpointSet {
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}

	return &retriever.EndpointSet{
		Upsert:     UpsertEndpoint(nc, prefix+".upsert", timeout),
		UpsertFile: UpsertFileEndpoint(nc, prefix+".upsert_file", timeout),
		Query:      QueryEndpoint(nc, prefix+".query", timeout),
		Delete:     DeleteEndpoint(nc, prefix+".delete", timeout),
	}
}

func call(nc *nats.Conn, topic string, req any, resp any, timeout time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	msg, err := nc.Request(topic, data, timeout)
	if err != nil {
		return err
	}

	if err := Error(msg); err != nil {
		return err
	}

	return json.Unmarshal(msg.Data, resp)
}

func UpsertEndpoint(nc *nats.Conn, topic string, timeout time.Duration) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(retriever.UpsertRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		var resp retriever.UpsertResponse
		if err := call(nc, topic, &req, &resp, timeout); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

func UpsertFileEndpoint(nc *nats.Conn, topic string, timeout time.Duration) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(retriever.UpsertFileRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		var resp retriever.UpsertResponse
		if err := call(nc, topic, &req, &resp, timeout); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

func QueryEndpoint(nc *nats.Conn, topic string, timeout time.Duration) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(retriever.QueryRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		var resp retriever.QueryResponse
		if err := call(nc, topic, &req, &resp, timeout); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

func DeleteEndpoint(nc *nats.Conn, topic string, timeout time.Duration) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(retriever.DeleteRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		var resp retriever.DeleteResponse
		if err := call(nc, topic, &req, &resp, timeout); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

// RemoteError is a service error carried back in micro error headers.
type RemoteError struct {
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	return e.Code + ":" + e.Description
}

// Unwrap restores the error kind behind the code, so callers on either side
// of the transport can test with errors.Is.
func (e *RemoteError) Unwrap() error {
	code, err := strconv.Atoi(e.Code)
	if err != nil {
		return nil
	}

	switch code {
	case 400:
		return datastore.ErrInvalidRequest
	case 415:
		return retriever.ErrUnsupportedFileType
	case 502:
		return retriever.ErrEmbedding
	case 503:
		return datastore.ErrBackendUnavailable
	default:
		return nil
	}
}

func Error(msg *nats.Msg) error {
	if msg == nil {
		return errors.New("nil message")
	}

	code := msg.Header.Get(micro.ErrorCodeHeader)
	if code == "" {
		return nil
	}

	description := msg.Header.Get(micro.ErrorHeader)
	if description == "" {
		description = "unknown error"
	}

	return &RemoteError{
		Code:        code,
		Description: description,
	}
}
