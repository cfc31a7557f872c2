package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/auth"
	"github.com/flarexio/retriever/datastore"

	natsT "github.com/flarexio/retriever/transport/nats"
)

// proxy connects to a running service over NATS.
func proxy(cmd *cli.Command) (retriever.Service, *nats.Conn, error) {
	path, err := homePath(cmd)
	if err != nil {
		return nil, nil, err
	}

	if cmd.String("nats") == "" {
		return nil, nil, errors.New("nats url is required")
	}

	id, err := edgeID(cmd, path)
	if err != nil {
		return nil, nil, err
	}

	nc, err := connect(cmd, path, "Retriever Client - "+id)
	if err != nil {
		return nil, nil, err
	}

	endpoints := natsT.MakeEndpoints(nc, topic(id), cmd.Duration("timeout"))

	var svc retriever.Service
	svc = retriever.ProxyMiddleware(endpoints)(svc)

	return svc, nc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func index(ctx context.Context, cmd *cli.Command) error {
	files := cmd.Args().Slice()
	if len(files) == 0 {
		return errors.New("at least one file is required")
	}

	id := cmd.String("id")
	if id != "" && len(files) > 1 {
		return errors.New("--id requires a single file")
	}

	metadata, err := parsePairs(cmd.StringSlice("metadata"))
	if err != nil {
		return err
	}

	svc, nc, err := proxy(cmd)
	if err != nil {
		return err
	}
	defer nc.Drain()

	var ids []string
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}

		file := retriever.File{
			ID:       id,
			Name:     filepath.Base(name),
			Data:     data,
			Metadata: datastore.Metadata(metadata),
		}

		result, err := svc.UpsertFile(ctx, file)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		ids = append(ids, result...)
	}

	return printJSON(retriever.UpsertResponse{IDs: ids})
}

func query(ctx context.Context, cmd *cli.Command) error {
	text := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("query text is required")
	}

	filter, err := parsePairs(cmd.StringSlice("filter"))
	if err != nil {
		return err
	}

	svc, nc, err := proxy(cmd)
	if err != nil {
		return err
	}
	defer nc.Drain()

	item := retriever.QueryItem{
		Query:  text,
		TopK:   int(cmd.Int("top-k")),
		Filter: datastore.Filter(filter),
	}

	results, err := svc.Query(ctx, []retriever.QueryItem{item})
	if err != nil {
		return err
	}

	return printJSON(retriever.QueryResponse{Results: results})
}

func remove(ctx context.Context, cmd *cli.Command) error {
	filter, err := parsePairs(cmd.StringSlice("filter"))
	if err != nil {
		return err
	}

	req := retriever.DeleteRequest{
		IDs:       cmd.StringSlice("id"),
		Filter:    datastore.Filter(filter),
		DeleteAll: cmd.Bool("all"),
	}

	if err := req.Validate(); err != nil {
		return err
	}

	svc, nc, err := proxy(cmd)
	if err != nil {
		return err
	}
	defer nc.Drain()

	success, err := svc.Delete(ctx, req)
	if err != nil {
		return err
	}

	return printJSON(retriever.DeleteResponse{Success: success})
}

func token(ctx context.Context, cmd *cli.Command) error {
	path, err := homePath(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	a := auth.NewAuthenticator(cfg.Auth)

	t, err := a.Mint(cmd.String("subject"), cmd.Duration("ttl"))
	if err != nil {
		return err
	}

	fmt.Println(t)
	return nil
}

// parsePairs reads key=value flags. Values spelled true or false become
// booleans, numeric values become numbers and the rest stay strings.
func parsePairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=value", pair)
		}

		out[key] = parseValue(value)
	}

	return out, nil
}

func parseValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}

	f, err := strconv.ParseFloat(value, 64)
	if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}

	return value
}
