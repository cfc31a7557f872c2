package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/endpoint"

	"github.com/flarexio/retriever"
)

func abort(c *gin.Context, code int, err error) {
	c.String(code, err.Error())
	c.Error(err)
	c.Abort()
}

func UpsertHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retriever.UpsertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, retriever.StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

// UpsertFileHandler accepts a multipart form with a "file" part and
// optional "id" and "metadata" (a JSON object) fields.
func UpsertFileHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		f, err := header.Open()
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		req := retriever.UpsertFileRequest{
			ID:   c.PostForm("id"),
			Name: header.Filename,
			Data: data,
		}

		if raw := c.PostForm("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
				abort(c, http.StatusBadRequest, err)
				return
			}
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, retriever.StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func QueryHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retriever.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, retriever.StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func DeleteHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retriever.DeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, retriever.StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}
