package config

import (
	"encoding/json"
	"fmt"
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

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLAYBOOK_STORE_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Store.Dir)
	assert.Equal(t, filepath.Join(dir, "playbook.json"), cfg.Store.Path(cfg.Store.Playbook))
	assert.Equal(t, 10*time.Second, cfg.Store.LockTimeout.Duration())
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, 0.85, cfg.Similarity.Threshold)
	assert.Equal(t, 90.0, cfg.Curation.Scoring.DecayHalfLifeDays)
	assert.Equal(t, filepath.Join(dir, "history"), cfg.History.Path)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
store:
  dir: %s
  lock_timeout: 3s
server:
  port: 9000
curation:
  stale_days: 30
  scoring:
    harmful_multiplier: 2
similarity:
  threshold: 0.9
evidence:
  min_failures: 4
  search_timeout: 2s
reflection:
  max_iterations: 5
embeddings:
  provider: none
llm:
  model: claude-sonnet-4-5
  timeout: 45s
`, dir))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Store.LockTimeout.Duration())
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Curation.StaleDays)
	assert.Equal(t, 2.0, cfg.Curation.Scoring.HarmfulMultiplier)
	// Untouched siblings keep their defaults.
	assert.Equal(t, 90.0, cfg.Curation.Scoring.DecayHalfLifeDays)
	assert.Equal(t, 0.9, cfg.Similarity.Threshold)
	assert.Equal(t, 4, cfg.Evidence.MinFailures)
	assert.Equal(t, 2*time.Second, cfg.Evidence.SearchTimeout)
	assert.Equal(t, 5, cfg.Reflection.MaxIterations)
	assert.True(t, cfg.Embeddings.Disabled())
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Client().Model)
	assert.Equal(t, 45*time.Second, cfg.LLM.Client().Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("store:\n  dir: %s\nserver:\n  port: 9000\n", dir))
	t.Setenv("PLAYBOOK_SERVER_PORT", "9100")
	t.Setenv("PLAYBOOK_LLM_API_KEY", "sk-test-value")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "sk-test-value", cfg.LLM.APIKey.Value())
	assert.Equal(t, "sk-test-value", cfg.LLM.Client().APIKey)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("store:\n  dir: %s\nsimilarity:\n  threshold: 1.5\n", dir))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity.threshold")
}

func TestLoad_Telemetry(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
store:
  dir: %s
telemetry:
  enabled: true
  endpoint: 127.0.0.1:4318
  protocol: http/protobuf
  export_interval: 30s
`, dir))
	t.Setenv("PLAYBOOK_TELEMETRY_SERVICE_VERSION", "1.2.3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Telemetry.Protocol)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.ExportInterval)
	assert.Equal(t, "1.2.3", cfg.Telemetry.ServiceVersion)
	assert.Equal(t, "playbookd", cfg.Telemetry.ServiceName)
}

func TestLoad_RejectsInsecureRemoteTelemetry(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("store:\n  dir: %s\ntelemetry:\n  enabled: true\n  endpoint: otel.example.com:4317\n", dir))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry")
}

func TestLoad_RejectsWorldWritable(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestLoad_RejectsOversized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(path, make([]byte, maxConfigFileSize+1), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("PLAYBOOK_SERVER_PORT"))
	assert.Equal(t, "llm.api_key", envKey("PLAYBOOK_LLM_API_KEY"))
	assert.Equal(t, "store.lock_timeout", envKey("PLAYBOOK_STORE_LOCK_TIMEOUT"))
	assert.Equal(t, "debug", envKey("PLAYBOOK_DEBUG"))
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	data, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.Empty(t, Secret("").String())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}

func TestStorePath(t *testing.T) {
	s := StoreConfig{Dir: "/data"}
	assert.Equal(t, "/data/playbook.json", s.Path("playbook.json"))
	assert.Equal(t, "/abs/x.json", s.Path("/abs/x.json"))
}
