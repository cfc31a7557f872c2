package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/datastore"
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Method  mcp.MCPMethod   `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func errorResponse(id mcp.RequestId, code int, message string) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data,omitempty"`
		}{
			Code:    code,
			Message: message,
		},
	}
}

type MCPEndpoint func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage

const MCPSERVER_INSTRUCTIONS string = `Retriever stores document chunks with their embeddings and finds the chunks closest to a natural language query.

Available tools:
- query_documents: Find the chunks most relevant to a query, optionally restricted by a metadata filter
- delete_documents: Remove chunks by id, by metadata filter, or all of them

Filters are exact matches on metadata fields such as source, source_id, author or document_id.`

const (
	ToolQueryDocuments  = "query_documents"
	ToolDeleteDocuments = "delete_documents"
)

var Tools = []mcp.Tool{
	mcp.NewTool(ToolQueryDocuments,
		mcp.WithDescription("Search stored documents for the chunks most relevant to a query."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language query"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum number of chunks to return"),
		),
		mcp.WithObject("filter",
			mcp.Description("Metadata fields that every returned chunk must equal"),
		),
	),
	mcp.NewTool(ToolDeleteDocuments,
		mcp.WithDescription("Delete stored chunks by id, by metadata filter, or all of them."),
		mcp.WithArray("ids",
			mcp.Description("Chunk ids to delete"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithObject("filter",
			mcp.Description("Delete every chunk whose metadata matches"),
		),
		mcp.WithBoolean("delete_all",
			mcp.Description("Delete every chunk in the store"),
		),
	),
}

// NewEndpoints maps the supported MCP methods to their handlers.
func NewEndpoints(svc retriever.Service) map[mcp.MCPMethod]MCPEndpoint {
	return map[mcp.MCPMethod]MCPEndpoint{
		mcp.MethodInitialize: InitializeEndpoint(svc),
		mcp.MethodPing:       PingEndpoint(svc),
		mcp.MethodToolsList:  ListToolsEndpoint(svc),
		mcp.MethodToolsCall:  CallToolEndpoint(svc),
	}
}

func InitializeEndpoint(svc retriever.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.InitializeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		protocolVersion := mcp.LATEST_PROTOCOL_VERSION
		if clientVersion := params.ProtocolVersion; clientVersion != "" {
			if slices.Contains(mcp.ValidProtocolVersions, clientVersion) {
				protocolVersion = clientVersion
			}
		}

		result := &mcp.InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools: &struct {
					ListChanged bool `json:"listChanged,omitempty"`
				}{},
			},
			ServerInfo: mcp.Implementation{
				Name:    "retriever",
				Version: "1.0.0",
			},
			Instructions: MCPSERVER_INSTRUCTIONS,
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

func PingEndpoint(svc retriever.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  struct{}{},
		}
	}
}

func ListToolsEndpoint(svc retriever.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		result := &mcp.ListToolsResult{
			Tools: Tools,
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

type QueryDocumentsArguments struct {
	Query  string           `json:"query"`
	TopK   int              `json:"top_k,omitempty"`
	Filter datastore.Filter `json:"filter,omitempty"`
}

type DeleteDocumentsArguments = retriever.DeleteRequest

// CallToolEndpoint runs a tool call. Service failures are reported as tool
// results with isError set; unknown tools and malformed arguments are
// protocol errors.
func CallToolEndpoint(svc retriever.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		callToolReq := mcp.CallToolRequest{
			Request: mcp.Request{
				Method: string(req.Method),
			},
			Params: params,
		}

		var (
			result *mcp.CallToolResult
			err    error
		)

		switch params.Name {
		case ToolQueryDocuments:
			var args QueryDocumentsArguments
			if err := callToolReq.BindArguments(&args); err != nil {
				return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
			}

			result, err = queryDocuments(ctx, svc, args)

		case ToolDeleteDocuments:
			var args DeleteDocumentsArguments
			if err := callToolReq.BindArguments(&args); err != nil {
				return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
			}

			result, err = deleteDocuments(ctx, svc, args)

		default:
			msg := fmt.Sprintf("unknown tool: %s", params.Name)
			return errorResponse(req.ID, mcp.INVALID_PARAMS, msg)
		}

		if err != nil {
			return errorResponse(req.ID, mcp.INTERNAL_ERROR, err.Error())
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

func queryDocuments(ctx context.Context, svc retriever.Service, args QueryDocumentsArguments) (*mcp.CallToolResult, error) {
	item := retriever.QueryItem{
		Query:  args.Query,
		TopK:   args.TopK,
		Filter: args.Filter,
	}

	results, err := svc.Query(ctx, []retriever.QueryItem{item})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var matches []datastore.Match
	if len(results) > 0 {
		matches = results[0].Matches
	}

	if matches == nil {
		matches = []datastore.Match{}
	}

	bs, err := json.Marshal(matches)
	if err != nil {
		return nil, err
	}

	return mcp.NewToolResultText(string(bs)), nil
}

func deleteDocuments(ctx context.Context, svc retriever.Service, args DeleteDocumentsArguments) (*mcp.CallToolResult, error) {
	success, err := svc.Delete(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	bs, err := json.Marshal(retriever.DeleteResponse{Success: success})
	if err != nil {
		return nil, err
	}

	return mcp.NewToolResultText(string(bs)), nil
}
