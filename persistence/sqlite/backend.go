// Package sqlite stores chunks in a single SQLite file and ranks them with
// the sqlite-vec distance functions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flarexio/retriever/datastore"
)

func init() {
	sqlite_vec.Auto()
}

const Name = "sqlite"

// deleteBatch stays below SQLite's default host parameter limit.
const deleteBatch = 500

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// Backend keeps one row per chunk. Scores are sqlite-vec distances, lower
// is better; ties fall back to insertion order through the seq column.
type Backend struct {
	db       *sql.DB
	table    string
	distance string
}

func NewBackend(cfg Config, dimension int, metric datastore.Metric) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: %s path is required", datastore.ErrInvalidConfig, Name)
	}

	if cfg.Table == "" {
		cfg.Table = "chunks"
	}

	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", datastore.ErrInvalidConfig, cfg.Table)
	}

	var distance string
	switch metric {
	case datastore.MetricCosine, "":
		distance = "vec_distance_cosine"
	case datastore.MetricEuclidean:
		distance = "vec_distance_l2"
	default:
		return nil, fmt.Errorf("%w: %s does not support metric %q", datastore.ErrInvalidConfig, Name, metric)
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	if cfg.Path == ":memory:" {
		dsn = cfg.Path
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, datastore.Unavailable(Name, "open", err)
	}

	if err := migrate(db, cfg.Table); err != nil {
		_ = db.Close()
		return nil, datastore.Unavailable(Name, "migrate", err)
	}

	return &Backend{
		db:       db,
		table:    cfg.Table,
		distance: distance,
	}, nil
}

func migrate(db *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	text      TEXT NOT NULL,
	metadata  TEXT NOT NULL DEFAULT '{}',
	embedding BLOB NOT NULL
)`, table)

	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating %s table: %w", table, err)
	}

	return nil
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Order() datastore.ScoreOrder {
	return datastore.LowerIsBetter
}

// Upsert deletes and re-inserts every chunk in one transaction, so a
// replaced chunk gets a fresh insertion sequence.
func (b *Backend) Upsert(ctx context.Context, chunks []datastore.Chunk) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return datastore.Unavailable(Name, "upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, b.table)
	ins := fmt.Sprintf(`INSERT INTO %s(id, text, metadata, embedding) VALUES (?, ?, ?, ?)`, b.table)

	for _, c := range chunks {
		blob, err := sqlite_vec.SerializeFloat32(c.Embedding)
		if err != nil {
			return fmt.Errorf("serializing embedding: %w", err)
		}

		metaJSON := []byte("{}")
		if len(c.Metadata) > 0 {
			metaJSON, err = json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("marshalling metadata: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, del, c.ID); err != nil {
			return datastore.Unavailable(Name, "upsert", err)
		}

		if _, err := tx.ExecContext(ctx, ins, c.ID, c.Text, string(metaJSON), blob); err != nil {
			return datastore.Unavailable(Name, "upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return datastore.Unavailable(Name, "upsert", err)
	}

	return nil
}

func (b *Backend) Query(ctx context.Context, embedding []float32, k int, filter datastore.Filter) ([]datastore.Match, error) {
	where, args, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serializing query vector: %w", err)
	}

	q := fmt.Sprintf(`SELECT id, text, metadata, %s(embedding, ?) AS distance
FROM %s
WHERE %s
ORDER BY distance, seq
LIMIT ?`, b.distance, b.table, where)

	params := make([]any, 0, len(args)+2)
	params = append(params, blob)
	params = append(params, args...)
	params = append(params, k)

	rows, err := b.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}
	defer func() { _ = rows.Close() }()

	matches := make([]datastore.Match, 0)
	for rows.Next() {
		var (
			m        datastore.Match
			metaStr  string
			distance float64
		)

		if err := rows.Scan(&m.ID, &m.Text, &metaStr, &distance); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}

		if metaStr != "" && metaStr != "{}" {
			if err := json.Unmarshal([]byte(metaStr), &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling metadata: %w", err)
			}
		}

		m.Score = float32(distance)
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, datastore.Unavailable(Name, "query", err)
	}

	return matches, nil
}

func (b *Backend) Resolve(ctx context.Context, filter datastore.Filter) ([]string, error) {
	where, args, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY seq`, b.table, where)

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, datastore.Unavailable(Name, "resolve", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, datastore.Unavailable(Name, "resolve", err)
	}

	return ids, nil
}

func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		batch := ids[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		q := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, b.table, placeholders)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return datastore.Unavailable(Name, "delete", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return datastore.Unavailable(Name, "delete", err)
	}

	return nil
}

func (b *Backend) DeleteAll(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table)); err != nil {
		return datastore.Unavailable(Name, "delete_all", err)
	}

	return nil
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	var n int
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.table))
	if err := row.Scan(&n); err != nil {
		return 0, datastore.Unavailable(Name, "count", err)
	}

	return n, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// translateFilter builds a WHERE clause with one JSON type check and one
// equality test per field. Checking the JSON type keeps true from matching
// the number 1, which SQLite would otherwise treat as equal.
func translateFilter(filter datastore.Filter) (string, []any, error) {
	if filter.Empty() {
		return "1 = 1", nil, nil
	}

	var (
		clauses []string
		args    []any
	)

	for _, cond := range filter.Conditions() {
		if strings.ContainsAny(cond.Field, "\"\\") {
			return "", nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  "field names with quotes or backslashes cannot be addressed as a JSON path",
			}
		}

		path := `$."` + cond.Field + `"`

		switch v := cond.Value.(type) {
		case string:
			clauses = append(clauses, "(json_type(metadata, ?) = 'text' AND json_extract(metadata, ?) = ?)")
			args = append(args, path, path, v)

		case bool:
			clauses = append(clauses, "json_type(metadata, ?) = ?")
			args = append(args, path, fmt.Sprintf("%t", v))

		case float64:
			clauses = append(clauses, "(json_type(metadata, ?) IN ('integer', 'real') AND json_extract(metadata, ?) = ?)")
			args = append(args, path, path, v)

		default:
			return "", nil, &datastore.UnsupportedFilterError{
				Backend: Name,
				Field:   cond.Field,
				Reason:  fmt.Sprintf("unsupported value type %T", v),
			}
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}
