package export

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
	"github.com/nucleus/lap-ingest/internal/state"
	"github.com/nucleus/lap-ingest/pkg/staging"
)

func stageGrades(t *testing.T, store staging.Store) {
	t.Helper()
	records := []staging.RecordEnvelope{
		{Collection: "GRADE", Source: staging.SourceRef{Name: "sample"}, Payload: map[string]any{"student_id": "s1", "score": 91.5}},
		{Collection: "GRADE", Source: staging.SourceRef{Name: "sample"}, Payload: map[string]any{"student_id": "s2", "score": nil, "Letter Grade": "B"}},
		{Collection: "GRADE", Source: staging.SourceRef{Name: "sample"}, Payload: map[string]any{"student_id": "s3", "score": 77}},
	}
	_, err := staging.WriteStage(context.Background(), store, collection.Grade.StageRef(), records, 2)
	require.NoError(t, err)
}

func newOrchestrator(t *testing.T, store staging.Store, st *state.LoadState) *orchestrator.Orchestrator {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Options{Store: store, State: st})
	require.NoError(t, err)
	return orch
}

func TestWriteFile(t *testing.T) {
	store := staging.NewMemoryStore(0)
	stageGrades(t, store)
	st := state.New()
	st.MarkLoaded(collection.Grade, state.Origin{Source: "sample", Type: collection.SourceSampleCSV, Records: 3})

	path := filepath.Join(t.TempDir(), "grade.parquet")
	stats, err := New(newOrchestrator(t, store, st)).WriteFile(context.Background(), collection.Grade, path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, []string{ColumnCollection, ColumnSource, ColumnObservedAt, "letter_grade", "score", "student_id"}, stats.Columns)

	pf, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer pf.Close()
	pr, err := reader.NewParquetReader(pf, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	assert.Equal(t, int64(3), pr.GetNumRows())
	var names []string
	for _, el := range pr.Footer.Schema[1:] {
		names = append(names, strings.ToLower(el.Name))
	}
	assert.ElementsMatch(t, stats.Columns, names)
}

func TestWrite_NotLoaded(t *testing.T) {
	store := staging.NewMemoryStore(0)
	stageGrades(t, store)

	var buf bytes.Buffer
	_, err := New(newOrchestrator(t, store, state.New())).Write(context.Background(), collection.Grade, &buf)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
	assert.Zero(t, buf.Len())
}

func TestWrite_ToWriter(t *testing.T) {
	store := staging.NewMemoryStore(0)
	stageGrades(t, store)
	st := state.New()
	st.MarkLoaded(collection.Grade, state.Origin{Source: "sample", Type: collection.SourceSampleCSV})

	var buf bytes.Buffer
	stats, err := New(newOrchestrator(t, store, st)).Write(context.Background(), collection.Grade, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)
	require.Greater(t, buf.Len(), 8)
	assert.Equal(t, "PAR1", buf.String()[:4])
	assert.Equal(t, "PAR1", buf.String()[buf.Len()-4:])
}

func TestColumnName(t *testing.T) {
	cases := map[string]string{
		"student_id":   "student_id",
		"Letter Grade": "letter_grade",
		"2024_term":    "f_2024_term",
		"_hidden":      "f_hidden",
		"":             "f",
		"e-mail":       "e_mail",
	}
	for in, want := range cases {
		assert.Equal(t, want, ColumnName(in), in)
	}
}

func TestProjectRow(t *testing.T) {
	rec := staging.RecordEnvelope{
		Collection: "COURSE",
		Source:     staging.SourceRef{Name: "lms"},
		ObservedAt: "2026-01-02T03:04:05Z",
		Payload:    map[string]any{"id": 7, "tags": []any{"a", "b"}, "title": nil},
	}
	row, err := projectRow(rec, planColumns([]staging.RecordEnvelope{rec}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lap_collection":"COURSE","lap_source":"lms","lap_observed_at":"2026-01-02T03:04:05Z","id":"7","tags":"[\"a\",\"b\"]"}`, row)
}

func TestColumns_CollidingKeysGetDistinctColumns(t *testing.T) {
	records := []staging.RecordEnvelope{
		{Collection: "PERSONAL", Source: staging.SourceRef{Name: "hr"}, Payload: map[string]any{
			"First Name": "Ada",
			"first_name": "Augusta",
			"lap_source": "import-7",
		}},
		{Collection: "PERSONAL", Source: staging.SourceRef{Name: "hr"}, Payload: map[string]any{"FIRST_NAME": "Grace"}},
	}

	plan := planColumns(records)
	assert.Equal(t, []string{
		ColumnCollection, ColumnSource, ColumnObservedAt,
		"first_name", "first_name_2", "first_name_3", "lap_source_2",
	}, plan.columns)
	assert.Equal(t, "first_name", plan.byKey["first_name"])
	assert.Equal(t, "first_name_2", plan.byKey["FIRST_NAME"])
	assert.Equal(t, "first_name_3", plan.byKey["First Name"])
	assert.Equal(t, "lap_source_2", plan.byKey["lap_source"])
	assert.Equal(t, plan.columns, Columns(records))

	row, err := projectRow(records[0], plan)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lap_collection":"PERSONAL","lap_source":"hr","lap_observed_at":"","first_name":"Augusta","first_name_3":"Ada","lap_source_2":"import-7"}`, row)
}

func TestWrite_CollidingKeysKeepEveryValue(t *testing.T) {
	store := staging.NewMemoryStore(0)
	records := []staging.RecordEnvelope{
		{Collection: "PERSONAL", Source: staging.SourceRef{Name: "hr"}, Payload: map[string]any{"First Name": "Ada", "first_name": "Augusta"}},
	}
	_, err := staging.WriteStage(context.Background(), store, collection.Personal.StageRef(), records, 0)
	require.NoError(t, err)
	st := state.New()
	st.MarkLoaded(collection.Personal, state.Origin{Source: "hr", Type: collection.SourceCSV, Records: 1})

	path := filepath.Join(t.TempDir(), "personal.parquet")
	stats, err := New(newOrchestrator(t, store, st)).WriteFile(context.Background(), collection.Personal, path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rows)
	assert.Contains(t, stats.Columns, "first_name")
	assert.Contains(t, stats.Columns, "first_name_2")

	pf, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer pf.Close()
	pr, err := reader.NewParquetReader(pf, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Len(t, pr.Footer.Schema[1:], len(stats.Columns))
}
