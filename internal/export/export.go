// Package export writes loaded collections out as Parquet files.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

// ErrNotLoaded is returned for collections the load state does not list.
var ErrNotLoaded = collection.ErrNotLoaded

const parallelism = 4

// Envelope columns written ahead of the payload fields.
const (
	ColumnCollection = "lap_collection"
	ColumnSource     = "lap_source"
	ColumnObservedAt = "lap_observed_at"
)

// Source hands out the staged records of loaded collections. It returns an
// error matching ErrNotLoaded for any other collection.
type Source interface {
	ReadLoaded(ctx context.Context, c collection.Collection) ([]staging.RecordEnvelope, error)
}

// Stats describes one export.
type Stats struct {
	Collection collection.Collection `json:"collection" yaml:"collection"`
	Rows       int64                 `json:"rows" yaml:"rows"`
	Columns    []string              `json:"columns" yaml:"columns"`
}

// Exporter reads staged records and encodes them as Snappy-compressed Parquet.
type Exporter struct {
	src Source
}

// New creates an exporter reading from src, normally the orchestrator.
func New(src Source) *Exporter {
	return &Exporter{src: src}
}

// Write encodes c into w.
func (e *Exporter) Write(ctx context.Context, c collection.Collection, w io.Writer) (*Stats, error) {
	pf := writerfile.NewWriterFile(w)
	stats, err := e.write(ctx, c, pf)
	if closeErr := pf.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return stats, err
}

// WriteFile encodes c into a local file at path.
func (e *Exporter) WriteFile(ctx context.Context, c collection.Collection, path string) (*Stats, error) {
	pf, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	stats, err := e.write(ctx, c, pf)
	if closeErr := pf.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	return stats, err
}

func (e *Exporter) write(ctx context.Context, c collection.Collection, pf source.ParquetFile) (*Stats, error) {
	if !c.Valid() {
		return nil, collection.InvalidArgument(fmt.Errorf("unknown collection %q", c))
	}
	records, err := e.src.ReadLoaded(ctx, c)
	switch {
	case errors.Is(err, ErrNotLoaded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", c, err)
	}

	plan := planColumns(records)
	columns := plan.columns
	pw, err := writer.NewJSONWriter(buildSchema(columns), pf, parallelism)
	if err != nil {
		return nil, fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	stats := &Stats{Collection: c, Columns: columns}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			_ = pw.WriteStop()
			return stats, err
		}
		row, err := projectRow(rec, plan)
		if err != nil {
			_ = pw.WriteStop()
			return stats, err
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return stats, fmt.Errorf("write row %d: %w", stats.Rows, err)
		}
		stats.Rows++
	}
	if err := pw.WriteStop(); err != nil {
		return stats, fmt.Errorf("finish parquet: %w", err)
	}
	return stats, nil
}

// Columns returns the export columns for records: the envelope columns, then
// every payload field in sorted order under its column name. Keys that map to
// a name already taken get a numeric suffix.
func Columns(records []staging.RecordEnvelope) []string {
	return planColumns(records).columns
}

type columnPlan struct {
	columns []string
	byKey   map[string]string
}

// planColumns assigns every payload key a distinct column. Keys already in
// column form claim their name first; the rest follow in key order.
func planColumns(records []staging.RecordEnvelope) columnPlan {
	keys := make(map[string]struct{})
	for _, rec := range records {
		for key := range rec.Payload {
			keys[key] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(keys))
	for key := range keys {
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ei, ej := ordered[i] == ColumnName(ordered[i]), ordered[j] == ColumnName(ordered[j])
		if ei != ej {
			return ei
		}
		return ordered[i] < ordered[j]
	})

	envelope := []string{ColumnCollection, ColumnSource, ColumnObservedAt}
	taken := make(map[string]struct{}, len(envelope)+len(ordered))
	for _, name := range envelope {
		taken[name] = struct{}{}
	}
	plan := columnPlan{byKey: make(map[string]string, len(ordered))}
	fields := make([]string, 0, len(ordered))
	for _, key := range ordered {
		base := ColumnName(key)
		name := base
		for n := 2; ; n++ {
			if _, ok := taken[name]; !ok {
				break
			}
			name = fmt.Sprintf("%s_%d", base, n)
		}
		taken[name] = struct{}{}
		plan.byKey[key] = name
		fields = append(fields, name)
	}
	sort.Strings(fields)
	plan.columns = append(envelope, fields...)
	return plan
}

// ColumnName maps a payload key to a Parquet-safe column name.
func ColumnName(key string) string {
	var b strings.Builder
	for i, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteString("f_")
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 || strings.HasPrefix(b.String(), "_") {
		return "f" + b.String()
	}
	return b.String()
}

func buildSchema(columns []string) string {
	fields := make([]map[string]string, 0, len(columns))
	for _, name := range columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// projectRow renders rec as the JSON object the writer expects. Every value
// is written as a string; missing fields stay null.
func projectRow(rec staging.RecordEnvelope, plan columnPlan) (string, error) {
	row := make(map[string]any, len(plan.columns))
	row[ColumnCollection] = rec.Collection
	row[ColumnSource] = rec.Source.Name
	row[ColumnObservedAt] = rec.ObservedAt
	for key, val := range rec.Payload {
		if val == nil {
			continue
		}
		name, ok := plan.byKey[key]
		if !ok {
			return "", fmt.Errorf("payload key %q has no column", key)
		}
		row[name] = stringify(val)
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
