// Package embedding turns texts into vectors through an OpenAI-compatible
// embeddings API.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	ErrEmptyInput    = errors.New("empty input texts")
	ErrInvalidConfig = errors.New("invalid embedding config")
	ErrCountMismatch = errors.New("embedding count mismatch")
)

type Embedder interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Config struct {
	BaseURL   string `yaml:"baseURL"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"apiKey"`
	BatchSize int    `yaml:"batchSize"`
}

func (cfg Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}

	if cfg.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	if cfg.BatchSize < 0 {
		return fmt.Errorf("%w: batch size must not be negative", ErrInvalidConfig)
	}

	return nil
}

func NewEmbedder(cfg Config) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Self-hosted servers ignore the token, but the client requires one.
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	var opts []embeddings.Option
	if cfg.BatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(cfg.BatchSize))
	}

	e, err := embeddings.NewEmbedder(llm, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &embedder{e}, nil
}

type embedder struct {
	embeddings.Embedder
}

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	vectors, err := e.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d for %d texts", ErrCountMismatch, len(vectors), len(texts))
	}

	return vectors, nil
}
