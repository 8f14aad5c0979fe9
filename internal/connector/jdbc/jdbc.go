// Package jdbc loads collections from a relational database through
// database/sql. Two drivers are supported:
//
//	postgres - github.com/lib/pq
//	pgx      - github.com/jackc/pgx/v5/stdlib
//
// Each collection is read with either a configured query or a full scan of
// its table (by default the lower-cased collection name).
package jdbc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"
	"github.com/mitchellh/mapstructure"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/handler"
)

const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

// Settings configures a DATABASE source.
type Settings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
	// Queries maps a collection label to the SQL that produces it.
	Queries map[string]string `mapstructure:"queries"`
	// Tables maps a collection label to a table name; used when no query is set.
	Tables       map[string]string `mapstructure:"tables"`
	MaxOpenConns int               `mapstructure:"max_open_conns"`
}

// ParseSettings decodes and validates source settings.
func ParseSettings(raw map[string]any) (*Settings, error) {
	s := &Settings{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           s,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, collection.InvalidArgument(fmt.Errorf("decode database settings: %w", err))
	}
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = DriverPostgres
	}
	if s.Driver != DriverPostgres && s.Driver != DriverPGX {
		return nil, collection.InvalidArgument(fmt.Errorf("unsupported database driver %q", s.Driver))
	}
	if strings.TrimSpace(s.DSN) == "" {
		return nil, collection.InvalidArgument(fmt.Errorf("dsn is required"))
	}
	if s.MaxOpenConns <= 0 {
		s.MaxOpenConns = 5
	}
	for label := range s.Queries {
		if _, err := collection.Parse(label); err != nil {
			return nil, err
		}
	}
	for label := range s.Tables {
		if _, err := collection.Parse(label); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// QueryFor returns the SQL statement that produces c.
func (s *Settings) QueryFor(c collection.Collection) string {
	if q := lookup(s.Queries, c); q != "" {
		return q
	}
	table := lookup(s.Tables, c)
	if table == "" {
		table = c.StageRef()
	}
	return "SELECT * FROM " + s.quote(table)
}

func (s *Settings) quote(table string) string {
	parts := strings.Split(table, ".")
	if len(parts) == 1 && s.Schema != "" {
		parts = []string{s.Schema, table}
	}
	if s.Driver == DriverPGX {
		return pgx.Identifier(parts).Sanitize()
	}
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func lookup(m map[string]string, c collection.Collection) string {
	for label, v := range m {
		if strings.EqualFold(strings.TrimSpace(label), c.String()) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Handler reads collections from one database.
type Handler struct {
	src      config.Source
	env      handler.Env
	settings *Settings
	db       *sql.DB
}

// NewHandler opens a connection pool for the source. No connection is made
// until Read.
func NewHandler(src config.Source, env handler.Env) (handler.Handler, error) {
	settings, err := ParseSettings(src.Settings)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(settings.Driver, settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(settings.MaxOpenConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Handler{src: src, env: env, settings: settings, db: db}, nil
}

func (h *Handler) SourceType() collection.SourceType { return collection.SourceDatabase }

func (h *Handler) Read(ctx context.Context, cs []collection.Collection) (map[collection.Collection]*handler.Result, error) {
	if err := h.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database source %s unreachable: %w", h.src.Name, err)
	}
	out := make(map[collection.Collection]*handler.Result, len(cs))
	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[c] = h.load(ctx, c)
	}
	return out, nil
}

func (h *Handler) load(ctx context.Context, c collection.Collection) *handler.Result {
	query := h.settings.QueryFor(c)
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return handler.Failed(c, fmt.Errorf("query %s: %w", c, err))
	}
	records, err := scanRows(rows)
	if err != nil {
		return handler.Failed(c, fmt.Errorf("scan %s: %w", c, err))
	}
	n, err := h.env.Stage(ctx, h.src, collection.SourceDatabase, c, query, records)
	if err != nil {
		return handler.Failed(c, err)
	}
	return handler.Loaded(c, n)
}

func (h *Handler) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// normalizeValue converts driver values into JSON-friendly forms.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
