package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}

		calls.Add(1)

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}

		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{
				Object:    "embedding",
				Embedding: []float32{float32(len(text)), 1},
				Index:     i,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}))
}

func TestEmbed(t *testing.T) {
	assert := assert.New(t)

	var calls atomic.Int32
	srv := fakeServer(t, &calls)
	defer srv.Close()

	e, err := NewEmbedder(Config{
		BaseURL:   srv.URL,
		Model:     "test-embedding",
		BatchSize: 2,
	})
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	vectors, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal([][]float32{{1, 1}, {2, 1}, {3, 1}}, vectors)
	assert.Equal(int32(2), calls.Load())
}

func TestEmbedEmptyInput(t *testing.T) {
	e, err := NewEmbedder(Config{BaseURL: "http://localhost:1", Model: "m"})
	if err != nil {
		assert.Fail(t, err.Error())
		return
	}

	_, err = e.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestConfigValidate(t *testing.T) {
	assert := assert.New(t)

	assert.ErrorIs(Config{Model: "m"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(Config{BaseURL: "http://x"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(Config{BaseURL: "http://x", Model: "m", BatchSize: -1}.Validate(), ErrInvalidConfig)
	assert.NoError(Config{BaseURL: "http://x", Model: "m"}.Validate())
}
