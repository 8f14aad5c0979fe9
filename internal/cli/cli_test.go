package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nucleus/lap-ingest/internal/app"
	"github.com/nucleus/lap-ingest/internal/collection"
	"github.com/nucleus/lap-ingest/internal/config"
	"github.com/nucleus/lap-ingest/internal/gateway"
	"github.com/nucleus/lap-ingest/internal/orchestrator"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoad_All(t *testing.T) {
	out, err := run(t, "load", "--all", "-o", "json")
	require.NoError(t, err)

	var report struct {
		Loaded  []string         `json:"loaded"`
		Records map[string]int64 `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"PERSONAL", "COURSE", "ENROLLMENT", "GRADE", "ACTIVITY"}, report.Loaded)
	assert.Equal(t, int64(6), report.Records["ENROLLMENT"])
}

func TestLoad_NothingWithoutArgs(t *testing.T) {
	out, err := run(t, "load")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Empty(t, report["loaded"])
}

func TestLoad_RejectsBadInput(t *testing.T) {
	_, err := run(t, "load", "transcript")
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)

	_, err = run(t, "load", "--all", "grade")
	assert.ErrorIs(t, err, collection.ErrInvalidArgument)
}

func TestLoad_PartialFailureStillPrints(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "lap.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
sources:
  - name: sample
    type: SAMPLE_CSV
    collections: [PERSONAL, COURSE, GRADE, ACTIVITY]
  - name: files
    type: CSV
    collections: [ENROLLMENT]
    settings:
      dir: `+filepath.Join(dir, "missing")+`
`), 0o644))

	out, err := run(t, "-c", cfgPath, "load", "--all")
	require.Error(t, err)
	assert.ErrorIs(t, err, collection.ErrPartialLoad)

	var report map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Len(t, report["loaded"], 4)
	assert.Contains(t, report["errors"], "ENROLLMENT")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "export", "course", "grade", "--dir", dir, "-o", "json")
	require.NoError(t, err)

	var stats []struct {
		Collection string `json:"collection"`
		Rows       int64  `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "COURSE", stats[0].Collection)
	assert.Positive(t, stats[1].Rows)

	for _, name := range []string{"course.parquet", "grade.parquet"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestRemoteCommands(t *testing.T) {
	a, err := app.New(context.Background(), config.Default(), zerolog.Nop())
	require.NoError(t, err)
	_, err = a.Orchestrator.LoadCollections(context.Background(), orchestrator.Request{Collections: collection.NewSet(collection.Grade)})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := gateway.NewServer(a.Orchestrator, zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	addr := lis.Addr().String()

	out, err := run(t, "status", "--addr", addr, "-o", "json")
	require.NoError(t, err)
	var status struct {
		Loaded []string `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, []string{"GRADE"}, status.Loaded)

	_, err = run(t, "load", "personal", "--addr", addr)
	require.NoError(t, err)
	assert.True(t, a.Orchestrator.State().IsLoaded(collection.Personal))

	_, err = run(t, "reset", "--addr", addr)
	require.NoError(t, err)
	assert.Empty(t, a.Orchestrator.Status().Loaded)
}

func TestResetLocal(t *testing.T) {
	out, err := run(t, "reset", "--local", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reset":true,"store":"memory"}`, out)
}

func TestOutputFlag_RejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "load", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yaml or json")

	var f outputFormat
	require.NoError(t, f.Set(" JSON "))
	assert.Equal(t, outputJSON, f)
	assert.Equal(t, "format", f.Type())
}
