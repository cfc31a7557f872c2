package retriever

import (
	"errors"
	"net/http"

	"github.com/flarexio/retriever/auth"
	"github.com/flarexio/retriever/chunker"
	"github.com/flarexio/retriever/datastore"
	"github.com/flarexio/retriever/embedding"
	"github.com/flarexio/retriever/persistence"
	"github.com/flarexio/retriever/persistence/redis"
)

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmbedding           = errors.New("embedding failed")
)

// StatusCode maps a service error to an HTTP status. The NATS transport
// reuses it for micro error codes.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case datastore.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrEmbedding):
		return http.StatusBadGateway
	case errors.Is(err, datastore.ErrBackendUnavailable),
		errors.Is(err, datastore.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

const (
	DefaultTopK = 3

	// DocumentIDKey is the chunk metadata field naming the owning document.
	DocumentIDKey = "document_id"
)

type Config struct {
	DataStore   persistence.Config `yaml:"datastore"`
	Embedding   embedding.Config   `yaml:"embedding"`
	Chunking    chunker.Config     `yaml:"chunking"`
	Auth        auth.Config        `yaml:"auth"`
	DefaultTopK int                `yaml:"defaultTopK"`
}

// ApplyDefaults fills unset values. RediSearch only filters on declared
// fields, so the document id is always declared there.
func (cfg *Config) ApplyDefaults() {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}

	if cfg.DataStore.Backend == redis.Name {
		if cfg.DataStore.Redis.Fields == nil {
			cfg.DataStore.Redis.Fields = make(map[string]redis.FieldType)
		}

		if _, ok := cfg.DataStore.Redis.Fields[DocumentIDKey]; !ok {
			cfg.DataStore.Redis.Fields[DocumentIDKey] = redis.FieldTag
		}
	}
}

// Document is the caller-level unit of ingestion. Well-known metadata
// fields are source, source_id, url, created_at and author.
type Document struct {
	ID       string             `json:"id,omitempty"`
	Text     string             `json:"text"`
	Metadata datastore.Metadata `json:"metadata,omitempty"`
}

type File struct {
	ID       string             `json:"id,omitempty"`
	Name     string             `json:"name"`
	Data     []byte             `json:"data"`
	Metadata datastore.Metadata `json:"metadata,omitempty"`
}

type UpsertRequest struct {
	Documents []Document `json:"documents"`
}

type UpsertFileRequest = File

type UpsertResponse struct {
	IDs []string `json:"ids"`
}

type QueryItem struct {
	Query  string           `json:"query"`
	Filter datastore.Filter `json:"filter,omitempty"`
	TopK   int              `json:"top_k,omitempty"`
}

type QueryRequest struct {
	Queries []QueryItem `json:"queries"`
}

type QueryResponse struct {
	Results []datastore.QueryResult `json:"results"`
}

type DeleteRequest = datastore.DeleteRequest

type DeleteResponse struct {
	Success bool `json:"success"`
}
