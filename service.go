package retriever

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flarexio/retriever/chunker"
	"github.com/flarexio/retriever/datastore"
	"github.com/flarexio/retriever/embedding"
)

// Service defines the core logic of the retriever.
type Service interface {

	// Upsert splits, embeds and stores documents, replacing any chunks
	// previously stored for the same document ids.
	Upsert(ctx context.Context, docs []Document) ([]string, error)

	// UpsertFile ingests a text file as a single document.
	UpsertFile(ctx context.Context, file File) ([]string, error)

	// Query returns the best matching chunks for every query text.
	Query(ctx context.Context, queries []QueryItem) ([]datastore.QueryResult, error)

	// Delete removes chunks by id, by filter or all of them.
	Delete(ctx context.Context, req DeleteRequest) (bool, error)

	// Close releases the underlying store.
	Close() error
}

type ServiceMiddleware func(Service) Service

func NewService(store *datastore.DataStore, embedder embedding.Embedder, chunker *chunker.Chunker, cfg Config) Service {
	cfg.ApplyDefaults()

	log := zap.L().With(
		zap.String("service", "retriever"),
		zap.String("backend", store.Backend()),
	)

	return &service{
		store:    store,
		embedder: embedder,
		chunker:  chunker,
		cfg:      cfg,
		log:      log,
	}
}

type service struct {
	store    *datastore.DataStore
	embedder embedding.Embedder
	chunker  *chunker.Chunker
	cfg      Config
	log      *zap.Logger
}

func (svc *service) Upsert(ctx context.Context, docs []Document) ([]string, error) {
	docs, err := prepareDocuments(docs)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return []string{}, nil
	}

	return svc.upsert(ctx, docs, chunker.Plain)
}

func (svc *service) UpsertFile(ctx context.Context, file File) ([]string, error) {
	if file.Name == "" {
		return nil, &datastore.ValidationError{
			Field:  "name",
			Reason: "must not be empty",
		}
	}

	mtype := mimetype.Detect(file.Data)
	if !isText(mtype) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedFileType, file.Name, mtype.String())
	}

	metadata := file.Metadata.Clone()
	if metadata == nil {
		metadata = make(datastore.Metadata)
	}

	if _, ok := metadata["source"]; !ok {
		metadata["source"] = "file"
	}

	if _, ok := metadata["source_id"]; !ok {
		metadata["source_id"] = file.Name
	}

	doc := Document{
		ID:       file.ID,
		Text:     string(file.Data),
		Metadata: metadata,
	}

	docs, err := prepareDocuments([]Document{doc})
	if err != nil {
		return nil, err
	}

	format := chunker.Plain
	switch strings.ToLower(filepath.Ext(file.Name)) {
	case ".md", ".markdown":
		format = chunker.Markdown
	}

	return svc.upsert(ctx, docs, format)
}

func (svc *service) upsert(ctx context.Context, docs []Document, format chunker.Format) ([]string, error) {
	groups := make([]datastore.Group, 0, len(docs))
	texts := make([]string, 0, len(docs))

	for _, doc := range docs {
		parts, err := svc.chunker.Split(doc.Text, format)
		if err != nil {
			return nil, err
		}

		chunks := make([]datastore.Chunk, len(parts))
		for i, part := range parts {
			metadata := doc.Metadata.Clone()
			if metadata == nil {
				metadata = make(datastore.Metadata, 1)
			}

			metadata[DocumentIDKey] = doc.ID

			chunks[i] = datastore.Chunk{
				ID:       fmt.Sprintf("%s_%d", doc.ID, i),
				Text:     part,
				Metadata: metadata,
			}
		}

		texts = append(texts, parts...)
		groups = append(groups, datastore.Group{
			Key:    doc.ID,
			Chunks: chunks,
		})
	}

	vectors, err := svc.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	n := 0
	for _, group := range groups {
		for i := range group.Chunks {
			group.Chunks[i].Embedding = vectors[n]
			n++
		}
	}

	if _, err := svc.store.Replace(ctx, DocumentIDKey, groups); err != nil {
		return nil, err
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}

	return ids, nil
}

func (svc *service) Query(ctx context.Context, items []QueryItem) ([]datastore.QueryResult, error) {
	if len(items) == 0 {
		return []datastore.QueryResult{}, nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Query) == "" {
			return nil, &datastore.ValidationError{
				Field:  fmt.Sprintf("queries[%d].query", i),
				Reason: "must not be blank",
			}
		}

		if item.TopK < 0 {
			return nil, &datastore.ValidationError{
				Field:  fmt.Sprintf("queries[%d].top_k", i),
				Reason: "must not be negative",
			}
		}

		if err := item.Filter.Validate(); err != nil {
			return nil, err
		}

		texts[i] = item.Query
	}

	vectors, err := svc.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	queries := make([]datastore.Query, len(items))
	for i, item := range items {
		k := item.TopK
		if k == 0 {
			k = svc.cfg.DefaultTopK
		}

		queries[i] = datastore.Query{
			Query:     item.Query,
			Embedding: vectors[i],
			TopK:      k,
			Filter:    item.Filter,
		}
	}

	return svc.store.Query(ctx, queries)
}

func (svc *service) Delete(ctx context.Context, req DeleteRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	return svc.store.Delete(ctx, req)
}

func (svc *service) Close() error {
	return svc.store.Close()
}

func (svc *service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := svc.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	return vectors, nil
}

// prepareDocuments assigns missing ids, normalizes metadata and collapses
// repeated ids: the last payload wins and keeps the first position.
func prepareDocuments(docs []Document) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	pos := make(map[string]int, len(docs))

	for i, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			return nil, &datastore.ValidationError{
				Field:  fmt.Sprintf("documents[%d].text", i),
				Reason: "must not be blank",
			}
		}

		if _, ok := doc.Metadata[DocumentIDKey]; ok {
			return nil, &datastore.ValidationError{
				Field:  fmt.Sprintf("documents[%d].metadata.%s", i, DocumentIDKey),
				Reason: "reserved field",
			}
		}

		metadata, err := doc.Metadata.Normalize()
		if err != nil {
			return nil, err
		}

		doc.Metadata = metadata

		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}

		if j, ok := pos[doc.ID]; ok {
			out[j] = doc
			continue
		}

		pos[doc.ID] = len(out)
		out = append(out, doc)
	}

	return out, nil
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") || strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}

	return false
}
