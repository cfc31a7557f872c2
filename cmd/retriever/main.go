package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/auth"
	"github.com/flarexio/retriever/chunker"
	"github.com/flarexio/retriever/embedding"
	"github.com/flarexio/retriever/persistence"

	mcpE "github.com/flarexio/retriever/mcp"
	httpT "github.com/flarexio/retriever/transport/http"
	natsT "github.com/flarexio/retriever/transport/nats"
)

func main() {
	cmd := &cli.Command{
		Name:  "retriever",
		Usage: "Document retrieval service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "path",
				Usage: "Path to the retriever home (config.yaml, data files)",
			},
			&cli.StringFlag{
				Name:    "nats",
				Usage:   "NATS server URL, empty disables the NATS transport",
				Value:   "wss://nats.flarex.io",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:    "nats-creds",
				Usage:   "NATS user credentials file (default <path>/user.creds)",
				Sources: cli.EnvVars("NATS_CREDS"),
			},
			&cli.StringFlag{
				Name:    "edge-id",
				Usage:   "Edge ID of the retriever service (default read from <path>/id)",
				Sources: cli.EnvVars("EDGE_ID"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout for client commands",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the retriever service",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "http",
						Usage: "Enable HTTP transport",
						Value: false,
					},
					&cli.StringFlag{
						Name:  "http-addr",
						Usage: "HTTP server address",
						Value: ":8080",
					},
				},
				Action: serve,
			},
			{
				Name:      "index",
				Usage:     "Upsert text files as documents",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "Document ID, only valid with a single file",
					},
					&cli.StringSliceFlag{
						Name:  "metadata",
						Usage: "Metadata field as key=value, repeatable",
					},
				},
				Action: index,
			},
			{
				Name:      "query",
				Usage:     "Find the chunks most relevant to a query",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Maximum number of chunks to return",
					},
					&cli.StringSliceFlag{
						Name:  "filter",
						Usage: "Metadata filter as key=value, repeatable",
					},
				},
				Action: query,
			},
			{
				Name:  "delete",
				Usage: "Delete chunks by id, by filter or all of them",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "id",
						Usage: "Chunk ID, repeatable",
					},
					&cli.StringSliceFlag{
						Name:  "filter",
						Usage: "Metadata filter as key=value, repeatable",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Delete every chunk",
					},
				},
				Action: remove,
			},
			{
				Name:  "token",
				Usage: "Mint a bearer token for the HTTP transport",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Token subject",
						Value: "cli",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime, 0 never expires",
						Value: 24 * time.Hour,
					},
				},
				Action: token,
			},
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err.Error())
	}
}

func homePath(cmd *cli.Command) (string, error) {
	path := cmd.String("path")
	if path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".flarex", "retriever"), nil
}

func loadConfig(path string) (retriever.Config, error) {
	var cfg retriever.Config

	f, err := os.Open(filepath.Join(path, "config.yaml"))
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// edgeID reads the edge id from the flag or from <path>/id. The NATS
// transport is always scoped to an edge.
func edgeID(cmd *cli.Command, path string) (string, error) {
	if id := strings.TrimSpace(cmd.String("edge-id")); id != "" {
		return id, nil
	}

	bs, err := os.ReadFile(filepath.Join(path, "id"))
	if err != nil {
		return "", fmt.Errorf("edge id is required: %w", err)
	}

	id := strings.TrimSpace(string(bs))
	if id == "" {
		return "", errors.New("edge id is required")
	}

	return id, nil
}

// topic is the NATS subject prefix of the service on an edge.
func topic(edgeID string) string {
	return "edges." + edgeID + ".retriever"
}

// credentials locates the NATS user credentials, which are required.
func credentials(creds string, path string) (string, error) {
	if creds == "" {
		creds = filepath.Join(path, "user.creds")
	}

	if _, err := os.Stat(creds); err != nil {
		return "", fmt.Errorf("nats credentials are required: %w", err)
	}

	return creds, nil
}

func connect(cmd *cli.Command, path string, name string) (*nats.Conn, error) {
	creds, err := credentials(cmd.String("nats-creds"), path)
	if err != nil {
		return nil, err
	}

	return nats.Connect(cmd.String("nats"),
		nats.Name(name),
		nats.UserCredentials(creds),
	)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	path, err := homePath(cmd)
	if err != nil {
		return err
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	natsURL := cmd.String("nats")
	httpEnabled := cmd.Bool("http")

	if natsURL == "" && !httpEnabled {
		return errors.New("no transport enabled")
	}

	store, err := persistence.NewDataStore(ctx, cfg.DataStore, path)
	if err != nil {
		return err
	}

	embedder, err := embedding.NewEmbedder(cfg.Embedding)
	if err != nil {
		store.Close()
		return err
	}

	splitter, err := chunker.New(cfg.Chunking)
	if err != nil {
		store.Close()
		return err
	}

	svc := retriever.NewService(store, embedder, splitter, cfg)
	svc = retriever.LoggingMiddleware(log)(svc)
	svc = retriever.InstrumentingMiddleware(prometheus.DefaultRegisterer)(svc)
	defer svc.Close()

	endpoints := retriever.NewEndpointSet(svc)

	// Add NATS Transport
	if natsURL != "" {
		id, err := edgeID(cmd, path)
		if err != nil {
			return err
		}

		nc, err := connect(cmd, path, "Retriever Server - "+id)
		if err != nil {
			return err
		}
		defer nc.Drain()

		srv, err := micro.AddService(nc, micro.Config{
			Name:    "retriever",
			Version: "1.0.0",
		})

		if err != nil {
			return err
		}
		defer srv.Stop()

		root := srv.AddGroup(topic(id))
		if err := natsT.AddEndpoints(root, endpoints); err != nil {
			return err
		}

		log.Info("nats transport started", zap.String("topic", topic(id)))
	}

	if httpEnabled {
		a := auth.NewAuthenticator(cfg.Auth)
		if !a.Enabled() {
			log.Warn("http transport runs without authentication")
		}

		r := gin.Default()
		httpT.AddRouters(r, endpoints, a)
		httpT.AddStreamableRouters(r, mcpE.NewEndpoints(svc), a)
		httpT.AddMetricsRouter(r, prometheus.DefaultGatherer)

		httpAddr := cmd.String("http-addr")
		go r.Run(httpAddr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sign := <-quit

	log.Info("graceful shutdown", zap.String("signal", sign.String()))
	return nil
}
