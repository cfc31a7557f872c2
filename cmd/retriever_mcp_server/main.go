package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/flarexio/retriever"

	mcpE "github.com/flarexio/retriever/mcp"
	natsT "github.com/flarexio/retriever/transport/nats"
)

type StdioMCPServer interface {
	AddEndpoint(method mcp.MCPMethod, endpoint mcpE.MCPEndpoint) error
	Listen(ctx context.Context) error
}

func NewStdioMCPServer(in io.Reader, out io.Writer) StdioMCPServer {
	return &stdioMCPServer{
		in:        in,
		out:       out,
		endpoints: make(map[mcp.MCPMethod]mcpE.MCPEndpoint),
	}
}

type stdioMCPServer struct {
	in        io.Reader
	out       io.Writer
	endpoints map[mcp.MCPMethod]mcpE.MCPEndpoint
}

func (s *stdioMCPServer) Listen(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lines := make(chan string)
	errs := make(chan error, 1)

	go func(ctx context.Context, lines chan<- string, errs chan<- error) {
		defer close(lines)

		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}(ctx, lines, errs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if line == "" {
				continue
			}

			var req mcpE.JSONRPCRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				continue
			}

			// notifications
			if req.ID.IsNil() {
				continue
			}

			var resp mcp.JSONRPCMessage

			endpoint, ok := s.endpoints[req.Method]
			if ok {
				resp = endpoint(ctx, req)
			} else {
				resp = mcp.JSONRPCError{
					JSONRPC: mcp.JSONRPC_VERSION,
					ID:      req.ID,
					Error: struct {
						Code    int    `json:"code"`
						Message string `json:"message"`
						Data    any    `json:"data,omitempty"`
					}{
						Code:    mcp.METHOD_NOT_FOUND,
						Message: "method not found",
					},
				}
			}

			bs, err := json.Marshal(resp)
			if err != nil {
				continue
			}

			fmt.Fprintf(s.out, "%s\n", bs)
		}
	}
}

func (s *stdioMCPServer) AddEndpoint(method mcp.MCPMethod, endpoint mcpE.MCPEndpoint) error {
	_, ok := s.endpoints[method]
	if ok {
		return errors.New("endpoint already exists")
	}

	s.endpoints[method] = endpoint
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "retriever_mcp_server",
		Usage: "Retriever MCP Server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats",
				Usage:   "NATS server URL",
				Value:   "wss://nats.flarex.io",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:     "nats-creds",
				Usage:    "NATS user credentials file",
				Sources:  cli.EnvVars("NATS_CREDS"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "edge-id",
				Usage:    "Edge ID of the retriever service",
				Sources:  cli.EnvVars("EDGE_ID"),
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 30 * time.Second,
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err.Error())
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	edgeID := cmd.String("edge-id")

	nc, err := nats.Connect(cmd.String("nats"),
		nats.Name("Retriever MCP Server - "+edgeID),
		nats.UserCredentials(cmd.String("nats-creds")),
	)

	if err != nil {
		return err
	}
	defer nc.Drain()

	topic := fmt.Sprintf("edges.%s.retriever", edgeID)

	endpoints := natsT.MakeEndpoints(nc, topic, cmd.Duration("timeout"))

	var svc retriever.Service
	svc = retriever.ProxyMiddleware(endpoints)(svc)

	s := NewStdioMCPServer(os.Stdin, os.Stdout)
	for method, endpoint := range mcpE.NewEndpoints(svc) {
		if err := s.AddEndpoint(method, endpoint); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Listen(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
		cancel()
		return nil

	case err := <-done:
		return err
	}
}
