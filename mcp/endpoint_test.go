package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/datastore"
)

type stubService struct {
	queries []retriever.QueryItem
	deletes []retriever.DeleteRequest
}

func (s *stubService) Upsert(ctx context.Context, docs []retriever.Document) ([]string, error) {
	return nil, nil
}

func (s *stubService) UpsertFile(ctx context.Context, file retriever.File) ([]string, error) {
	return nil, nil
}

func (s *stubService) Query(ctx context.Context, queries []retriever.QueryItem) ([]datastore.QueryResult, error) {
	s.queries = append(s.queries, queries...)

	return []datastore.QueryResult{{
		Query: queries[0].Query,
		Matches: []datastore.Match{
			{ID: "doc_0", Text: "hello", Score: 0.9},
		},
	}}, nil
}

func (s *stubService) Delete(ctx context.Context, req retriever.DeleteRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	s.deletes = append(s.deletes, req)
	return true, nil
}

func (s *stubService) Close() error {
	return nil
}

func decodeRequest(t *testing.T, input string) JSONRPCRequest {
	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		t.Fatal(err)
	}

	return req
}

func TestUnmarshalInitializeRequest(t *testing.T) {
	assert := assert.New(t)

	input := []byte(`{
	  "jsonrpc": "2.0",
	  "id": 1,
	  "method": "initialize",
	  "params": {
	    "protocolVersion": "2024-11-05",
	    "capabilities": {
	      "roots": {
	        "listChanged": true
	      },
	      "sampling": {}
	    },
	    "clientInfo": {
	      "name": "ExampleClient",
	      "version": "1.0.0"
	    }
	  }
	}`)

	var req JSONRPCRequest
	if err := json.Unmarshal(input, &req); err != nil {
		assert.Fail(err.Error())
		return
	}

	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(mcp.JSONRPC_VERSION, req.JSONRPC)
	assert.Equal(mcp.NewRequestId(int64(1)), req.ID)
	assert.Equal(mcp.MethodInitialize, req.Method)
	assert.Equal("2024-11-05", params.ProtocolVersion)
}

func TestInitializeEndpoint(t *testing.T) {
	assert := assert.New(t)

	req := decodeRequest(t, `{
	  "jsonrpc": "2.0",
	  "id": 1,
	  "method": "initialize",
	  "params": {"protocolVersion": "2024-11-05"}
	}`)

	resp, ok := InitializeEndpoint(new(stubService))(context.Background(), req).(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	result := resp.Result.(*mcp.InitializeResult)
	assert.Equal("2024-11-05", result.ProtocolVersion)
	assert.Equal("retriever", result.ServerInfo.Name)
}

func TestListToolsEndpoint(t *testing.T) {
	assert := assert.New(t)

	req := decodeRequest(t, `{"jsonrpc": "2.0", "id": "a", "method": "tools/list"}`)

	resp, ok := ListToolsEndpoint(new(stubService))(context.Background(), req).(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	result := resp.Result.(*mcp.ListToolsResult)
	if assert.Len(result.Tools, 2) {
		assert.Equal(ToolQueryDocuments, result.Tools[0].Name)
		assert.Equal(ToolDeleteDocuments, result.Tools[1].Name)
		assert.Contains(result.Tools[0].InputSchema.Required, "query")
	}
}

func TestCallQueryDocuments(t *testing.T) {
	assert := assert.New(t)

	req := decodeRequest(t, `{
	  "jsonrpc": "2.0",
	  "id": 2,
	  "method": "tools/call",
	  "params": {
	    "name": "query_documents",
	    "arguments": {
	      "query": "greeting",
	      "top_k": 2,
	      "filter": {"source": "email"}
	    }
	  }
	}`)

	svc := new(stubService)

	resp, ok := CallToolEndpoint(svc)(context.Background(), req).(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	if assert.Len(svc.queries, 1) {
		assert.Equal("greeting", svc.queries[0].Query)
		assert.Equal(2, svc.queries[0].TopK)
		assert.Equal(datastore.Filter{"source": "email"}, svc.queries[0].Filter)
	}

	result := resp.Result.(*mcp.CallToolResult)
	assert.False(result.IsError)

	if assert.Len(result.Content, 1) {
		text := result.Content[0].(mcp.TextContent).Text

		var matches []datastore.Match
		if err := json.Unmarshal([]byte(text), &matches); err != nil {
			assert.Fail(err.Error())
			return
		}

		assert.Equal("doc_0", matches[0].ID)
	}
}

func TestCallDeleteDocuments(t *testing.T) {
	assert := assert.New(t)

	svc := new(stubService)
	endpoint := CallToolEndpoint(svc)

	req := decodeRequest(t, `{
	  "jsonrpc": "2.0",
	  "id": 3,
	  "method": "tools/call",
	  "params": {"name": "delete_documents", "arguments": {"ids": ["doc_0"]}}
	}`)

	resp := endpoint(context.Background(), req).(mcp.JSONRPCResponse)
	assert.False(resp.Result.(*mcp.CallToolResult).IsError)

	if assert.Len(svc.deletes, 1) {
		assert.Equal([]string{"doc_0"}, svc.deletes[0].IDs)
	}

	req = decodeRequest(t, `{
	  "jsonrpc": "2.0",
	  "id": 4,
	  "method": "tools/call",
	  "params": {"name": "delete_documents", "arguments": {}}
	}`)

	resp = endpoint(context.Background(), req).(mcp.JSONRPCResponse)
	assert.True(resp.Result.(*mcp.CallToolResult).IsError)
}

func TestCallUnknownTool(t *testing.T) {
	assert := assert.New(t)

	req := decodeRequest(t, `{
	  "jsonrpc": "2.0",
	  "id": 5,
	  "method": "tools/call",
	  "params": {"name": "get_weather"}
	}`)

	resp, ok := CallToolEndpoint(new(stubService))(context.Background(), req).(mcp.JSONRPCError)
	if !assert.True(ok) {
		return
	}

	assert.Equal(mcp.INVALID_PARAMS, resp.Error.Code)
	assert.Equal(mcp.NewRequestId(int64(5)), resp.ID)
}
