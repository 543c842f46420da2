package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, []string{"/convert", "/text-input"}, cfg.Server.ConvertPaths)
	assert.Equal(t, time.Hour, cfg.Cleanup.Retention)
	assert.Equal(t, 30*time.Second, cfg.RenderTimeout())
	assert.True(t, cfg.Delivery.URLMode)
}

func TestLoadConfigFromOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
  public_base_url: "https://pdf.example.org/"
  convert_paths: ["/text-input"]
pdf:
  engine: native
  default_paper: letter
cleanup:
  retention: 30m
delivery:
  url_mode: false
`)
	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "https://pdf.example.org", cfg.Server.PublicBaseURL)
	assert.Equal(t, []string{"/text-input"}, cfg.Server.ConvertPaths)
	assert.Equal(t, "native", cfg.PDF.Engine)
	assert.Equal(t, "LETTER", cfg.PDF.DefaultPaper)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
	assert.False(t, cfg.Delivery.URLMode)
}

func TestLoadConfigFromRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
pdf:
  engine: wkhtmltopdf
  timeout_secs: 0
storage:
  backend: s3
cleanup:
  retention: 0s
server:
  convert_paths: ["convert"]
`)
	_, err := LoadConfigFrom(path)
	require.Error(t, err)
	for _, want := range []string{"pdf.engine", "pdf.timeout_secs", "storage.backend", "cleanup.retention", "server.convert_paths"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromMalformedYAML(t *testing.T) {
	_, err := LoadConfigFrom(writeConfig(t, "server: [\n"))
	assert.Error(t, err)
}

func TestLoadConfigUsesConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "server:\n  port: \":8123\"\n"))
	cfg := LoadConfig()
	assert.Equal(t, ":8123", cfg.Server.Port)
}

func TestLoadConfigPanicsOnBadPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Panics(t, func() { LoadConfig() })
}

func TestMinIOBackendRequiresEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "minio"
	assert.Error(t, cfg.Validate())

	cfg.Storage.MinIO.Endpoint = "localhost:9000"
	cfg.Storage.MinIO.Bucket = "pdfs"
	assert.NoError(t, cfg.Validate())
}

func TestPostgresRequiresRefreshInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Postgres.Host = "db"
	cfg.Auth.RefreshInterval = 0
	assert.Error(t, cfg.Validate())
}
