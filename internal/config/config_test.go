package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/lap-ingest/internal/collection"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Staging.Provider)
	assert.Equal(t, 4, cfg.Orchestrator.MaxParallelSources)
	assert.Zero(t, cfg.Orchestrator.HandlerTimeout)
	assert.Equal(t, "lap-ingest", cfg.Temporal.TaskQueue)

	sources := cfg.EffectiveSources()
	require.Len(t, sources, 1)
	assert.Equal(t, "SAMPLE_CSV", sources[0].Type)
	assert.Equal(t, []string{"PERSONAL", "COURSE", "ENROLLMENT", "GRADE", "ACTIVITY"}, sources[0].Collections)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, "lap.yaml", `
log:
  level: debug
orchestrator:
  handler_timeout: 30s
sources:
  - name: warehouse
    type: database
    collections: [personal, enrollment]
    settings:
      driver: pgx
      dsn: postgres://localhost/lap
  - name: files
    type: CSV
    collections: [COURSE]
    settings:
      dir: /data/lap
`)
	t.Setenv("LAP_SERVER_HTTP_ADDR", ":9999")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.HandlerTimeout)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "pgx", cfg.Sources[0].Setting("driver"))
	assert.Equal(t, "/data/lap", cfg.Sources[1].Setting("dir"))
	assert.Equal(t, "", cfg.Sources[1].Setting("missing"))
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "LAP_LOG_LEVEL=warn\n")
	t.Setenv("LAP_LOG_LEVEL", "")
	os.Unsetenv("LAP_LOG_LEVEL")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"missing name":   {Sources: []Source{{Type: "CSV", Collections: []string{"GRADE"}}}},
		"duplicate name": {Sources: []Source{{Name: "a", Type: "CSV"}, {Name: "a", Type: "HTTP"}}},
		"bad type":       {Sources: []Source{{Name: "a", Type: "FTP"}}},
		"bad collection": {Sources: []Source{{Name: "a", Type: "CSV", Collections: []string{"ALUMNI"}}}},
		"bound twice": {Sources: []Source{
			{Name: "a", Type: "CSV", Collections: []string{"GRADE"}},
			{Name: "b", Type: "HTTP", Collections: []string{"grade"}},
		}},
		"negative parallelism": {Orchestrator: OrchestratorConfig{MaxParallelSources: -1}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, collection.ErrInvalidArgument)
		})
	}
}
