package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/auth"
	"github.com/flarexio/retriever/datastore"

	mcpE "github.com/flarexio/retriever/mcp"
)

type stubService struct {
	err   error
	files []retriever.File
}

func (s *stubService) Upsert(ctx context.Context, docs []retriever.Document) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}

	return ids, nil
}

func (s *stubService) UpsertFile(ctx context.Context, file retriever.File) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}

	s.files = append(s.files, file)
	return []string{file.ID}, nil
}

func (s *stubService) Query(ctx context.Context, queries []retriever.QueryItem) ([]datastore.QueryResult, error) {
	if s.err != nil {
		return nil, s.err
	}

	results := make([]datastore.QueryResult, len(queries))
	for i, q := range queries {
		results[i] = datastore.QueryResult{
			Query:   q.Query,
			Matches: []datastore.Match{{ID: "a_0", Text: q.Query, Score: 1}},
		}
	}

	return results, nil
}

func (s *stubService) Delete(ctx context.Context, req retriever.DeleteRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	return s.err == nil, s.err
}

func (s *stubService) Close() error {
	return nil
}

func newRouter(svc retriever.Service, a *auth.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	AddRouters(r, retriever.NewEndpointSet(svc), a)
	AddStreamableRouters(r, mcpE.NewEndpoints(svc), a)
	AddMetricsRouter(r, prometheus.NewRegistry())

	return r
}

func do(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUpsertAndQuery(t *testing.T) {
	assert := assert.New(t)

	r := newRouter(new(stubService), auth.NewAuthenticator(auth.Config{}))

	w := do(r, http.MethodPost, "/upsert", `{"documents":[{"id":"a","text":"hello"}]}`, "")
	if assert.Equal(http.StatusOK, w.Code) {
		assert.JSONEq(`{"ids":["a"]}`, w.Body.String())
	}

	w = do(r, http.MethodPost, "/query", `{"queries":[{"query":"hello","top_k":1}]}`, "")
	if assert.Equal(http.StatusOK, w.Code) {
		var resp retriever.QueryResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			assert.Fail(err.Error())
			return
		}

		if assert.Len(resp.Results, 1) {
			assert.Equal("hello", resp.Results[0].Query)
			assert.Equal("a_0", resp.Results[0].Matches[0].ID)
		}
	}
}

func TestUpsertFile(t *testing.T) {
	assert := assert.New(t)

	svc := new(stubService)
	r := newRouter(svc, auth.NewAuthenticator(auth.Config{}))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("id", "notes")
	mw.WriteField("metadata", `{"author":"bob"}`)

	part, _ := mw.CreateFormFile("file", "notes.md")
	part.Write([]byte("# Notes\n\nSome text."))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upsert-file", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(http.StatusOK, w.Code)

	if assert.Len(svc.files, 1) {
		file := svc.files[0]
		assert.Equal("notes", file.ID)
		assert.Equal("notes.md", file.Name)
		assert.Equal("bob", file.Metadata["author"])
		assert.Equal("# Notes\n\nSome text.", string(file.Data))
	}
}

func TestErrorStatusCodes(t *testing.T) {
	assert := assert.New(t)

	cases := []struct {
		err  error
		code int
	}{
		{&datastore.ValidationError{Field: "text", Reason: "blank"}, http.StatusBadRequest},
		{&datastore.UnsupportedFilterError{Backend: "redis", Field: "x"}, http.StatusBadRequest},
		{fmt.Errorf("%w: timeout", retriever.ErrEmbedding), http.StatusBadGateway},
		{&datastore.BackendUnavailableError{Backend: "qdrant", Op: "query", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		r := newRouter(&stubService{err: tc.err}, auth.NewAuthenticator(auth.Config{}))

		w := do(r, http.MethodPost, "/query", `{"queries":[{"query":"x"}]}`, "")
		assert.Equal(tc.code, w.Code, tc.err.Error())
	}

	r := newRouter(new(stubService), auth.NewAuthenticator(auth.Config{}))

	w := do(r, http.MethodPost, "/delete", `{}`, "")
	assert.Equal(http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/query", `not json`, "")
	assert.Equal(http.StatusBadRequest, w.Code)
}

func TestAuthorize(t *testing.T) {
	assert := assert.New(t)

	a := auth.NewAuthenticator(auth.Config{Token: "s3cret"})
	r := newRouter(new(stubService), a)

	w := do(r, http.MethodPost, "/delete", `{"delete_all":true}`, "")
	assert.Equal(http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/delete", `{"delete_all":true}`, "wrong")
	assert.Equal(http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/delete", `{"delete_all":true}`, "s3cret")
	if assert.Equal(http.StatusOK, w.Code) {
		assert.JSONEq(`{"success":true}`, w.Body.String())
	}

	w = do(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(http.StatusOK, w.Code)
}

func TestMCPStreamable(t *testing.T) {
	assert := assert.New(t)

	r := newRouter(new(stubService), auth.NewAuthenticator(auth.Config{}))

	w := do(r, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")
	if assert.Equal(http.StatusOK, w.Code) {
		assert.Contains(w.Body.String(), "query_documents")
	}

	w = do(r, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "")
	assert.Equal(http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`, "")
	assert.Equal(http.StatusNotFound, w.Code)
}
