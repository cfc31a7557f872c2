package nats

import (
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/retriever"
)

func AddEndpoints(group micro.Group, endpoints *retriever.EndpointSet) error {
	handlers := []struct {
		name    string
		handler micro.HandlerFunc
	}{
		{"upsert", UpsertHandler(endpoints.Upsert)},
		{"upsert_file", UpsertFileHandler(endpoints.UpsertFile)},
		{"query", QueryHandler(endpoints.Query)},
		{"delete", DeleteHandler(endpoints.Delete)},
	}

	for _, h := range handlers {
		if err := group.AddEndpoint(h.name, h.handler); err != nil {
			return err
		}
	}

	return nil
}
