package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19090", cfg.Server.MetricsAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  metrics_address: ":9100"
telemetry:
  otlp_endpoint: "collector:4317"
  insecure: true
  environment: staging
pipeline:
  file: /etc/procflow/pipeline.yaml
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.MetricsAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.Equal(t, "/etc/procflow/pipeline.yaml", cfg.Pipeline.File)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: warn
`)
	t.Setenv("PROCFLOW_LOG_LEVEL", "error")
	t.Setenv("PROCFLOW_METRICS_ADDR", ":7000")
	t.Setenv("PROCFLOW_OTLP_ENDPOINT", "otel:4317")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, ":7000", cfg.Server.MetricsAddress)
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: shouting
`)
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
