// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/retry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 20, cfg.Limits.GlobalLimit)
	assert.Equal(t, 5, cfg.Limits.HostLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.Limits.HostDelay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, retry.BackoffExponential, cfg.Retry.Backoff)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.True(t, cfg.Monitor.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Limits.GlobalLimit)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
limits:
  global_concurrency: 8
  per_host_concurrency: 2
  per_host_delay: 250ms
retry:
  max_attempts: 5
  backoff: fixed
  base_delay: 2s
  max_delay: 10s
monitor:
  tick_interval: 5s
  concurrency: 2
storage:
  backend: sqlite
  path: /var/lib/sentinel/sentinel.db
plugins:
  dir: ./plugins
  watch: true
templates:
  dir: ./templates
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Limits.GlobalLimit)
	assert.Equal(t, 2, cfg.Limits.HostLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits.HostDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, retry.BackoffFixed, cfg.Retry.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.NotEmpty(t, cfg.Retry.RetryableErrors, "omitted patterns keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.Monitor.TickInterval)
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/sentinel/sentinel.db", cfg.SQLite().Path)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, "./templates", cfg.Templates.Dir)

	lc := cfg.LoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "text", string(lc.Format))
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
	}{
		{"unknown field", "limitz:\n  global_concurrency: 1\n", "config_file"},
		{"bad yaml", "log: [\n", "config_file"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative host limit", "limits:\n  per_host_concurrency: -1\n", "limits.per_host_concurrency"},
		{"negative delay", "limits:\n  per_host_delay: -1s\n", "limits.per_host_delay"},
		{"bad backoff", "retry:\n  backoff: linear\n", "retry"},
		{"bad backend", "storage:\n  backend: postgres\n", "storage.backend"},
		{"bad exporter", "tracing:\n  exporter: jaeger\n", "tracing.exporter"},
		{"bad sample rate", "tracing:\n  sample_rate: 2\n", "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			var cfgErr *sentinelerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *sentinelerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_DEBUG", "")
	t.Setenv("SENTINEL_LOG_LEVEL", "WARN")
	t.Setenv("SENTINEL_GLOBAL_CONCURRENCY", "3")
	t.Setenv("SENTINEL_PER_HOST_DELAY", "1s")
	t.Setenv("SENTINEL_STORAGE", "sqlite")
	t.Setenv("SENTINEL_DB_PATH", "/tmp/s.db")
	t.Setenv("SENTINEL_METRICS_ADDR", ":9999")
	t.Setenv("SENTINEL_MONITOR_ENABLED", "false")

	path := writeConfig(t, "limits:\n  global_concurrency: 10\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Limits.GlobalLimit, "environment wins over the file")
	assert.Equal(t, time.Second, cfg.Limits.HostDelay)
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/s.db", cfg.Storage.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestLoad_DebugEnv(t *testing.T) {
	t.Setenv("SENTINEL_DEBUG", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.AddSource)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("SENTINEL_CONFIG", "")

	assert.Equal(t, "explicit.yaml", ResolvePath("explicit.yaml"))
	assert.Equal(t, "", ResolvePath(""), "missing default file resolves to nothing")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sentinel"), 0o700))
	path := filepath.Join(dir, "sentinel", "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	assert.Equal(t, path, ResolvePath(""))

	t.Setenv("SENTINEL_CONFIG", "/etc/sentinel.yaml")
	assert.Equal(t, "/etc/sentinel.yaml", ResolvePath(""))
}
