package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/config"
)

func TestConfig_NestedLookup(t *testing.T) {
	cfg := config.New(map[string]any{
		"retry": map[string]any{
			"max_attempts": 7,
			"max_age":      "30m",
		},
		"flat.key": "flat wins",
	})

	assert.Equal(t, 7, cfg.Int("retry.max_attempts", 1))
	assert.Equal(t, 30*time.Minute, cfg.Duration("retry.max_age", 0))
	assert.Equal(t, 7, cfg.Sub("retry").Int("max_attempts", 1))
	assert.Equal(t, "flat wins", cfg.String("flat.key", ""))
	assert.True(t, cfg.Has("retry.max_age"))
	assert.False(t, cfg.Has("retry.missing"))
	assert.False(t, cfg.Has("retry.max_age.deeper"))
	assert.Empty(t, cfg.Sub("missing").Raw())
	assert.Empty(t, cfg.Sub("retry.max_attempts").Raw(), "a scalar is not a section")
}

func TestConfig_With(t *testing.T) {
	base := config.New(map[string]any{
		"log": map[string]any{"level": "info", "format": "json"},
	})
	next := base.With("log.level", "debug").With("storage.redis_addr", "redis:6379")

	assert.Equal(t, "debug", next.String("log.level", ""))
	assert.Equal(t, "json", next.String("log.format", ""), "siblings survive")
	assert.Equal(t, "redis:6379", next.String("storage.redis_addr", ""))
	assert.Equal(t, "info", base.String("log.level", ""), "original is not modified")
}

func TestConfig_Accessors(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		get  func(config.Config) any
		want any
	}{
		{"int from string", map[string]any{"k": " 42 "}, func(c config.Config) any { return c.Int("k", 0) }, 42},
		{"int from float", map[string]any{"k": 3.0}, func(c config.Config) any { return c.Int("k", 0) }, 3},
		{"int from fractional float", map[string]any{"k": 3.5}, func(c config.Config) any { return c.Int("k", 9) }, 9},
		{"int from garbage", map[string]any{"k": "x"}, func(c config.Config) any { return c.Int("k", 9) }, 9},
		{"bool from string", map[string]any{"k": "true"}, func(c config.Config) any { return c.Bool("k", false) }, true},
		{"bool from garbage", map[string]any{"k": "maybe"}, func(c config.Config) any { return c.Bool("k", true) }, true},
		{"float from string", map[string]any{"k": "2.5"}, func(c config.Config) any { return c.Float("k", 0) }, 2.5},
		{"float from int", map[string]any{"k": 2}, func(c config.Config) any { return c.Float("k", 0) }, 2.0},
		{"duration seconds", map[string]any{"k": 90}, func(c config.Config) any { return c.Duration("k", 0) }, 90 * time.Second},
		{"duration string", map[string]any{"k": "1h"}, func(c config.Config) any { return c.Duration("k", 0) }, time.Hour},
		{"duration invalid", map[string]any{"k": "soon"}, func(c config.Config) any { return c.Duration("k", time.Second) }, time.Second},
		{"string wrong type", map[string]any{"k": 1}, func(c config.Config) any { return c.String("k", "d") }, "d"},
		{"slice from csv", map[string]any{"k": "a, b,,c"}, func(c config.Config) any { return c.StringSlice("k", nil) }, []string{"a", "b", "c"}},
		{"slice from any", map[string]any{"k": []any{"a", "b"}}, func(c config.Config) any { return c.StringSlice("k", nil) }, []string{"a", "b"}},
		{"slice mixed", map[string]any{"k": []any{"a", 1}}, func(c config.Config) any { return c.StringSlice("k", []string{"d"}) }, []string{"d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.get(config.New(tt.data)))
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tradeflow.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("routing:\n  modes: [trade, paper]\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"trade", "paper"}, cfg.StringSlice("routing.modes", nil))

	jsonPath := filepath.Join(dir, "tradeflow.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"retry":{"max_attempts":3}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Int("retry.max_attempts", 0))

	_, err = config.FromFile(filepath.Join(dir, "tradeflow.toml"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "tradeflow.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	_, err = config.FromFile(txt)
	assert.ErrorContains(t, err, "unsupported")

	_, err = config.FromYAML([]byte("routing: [unclosed"))
	assert.Error(t, err)
	_, err = config.FromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestFromConfig_Defaults(t *testing.T) {
	s, err := config.FromConfig(config.New(nil))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), s)
	assert.Equal(t, "alchemiser.", s.Routing.DomainSourcePrefix)
	assert.Equal(t, config.BackendMemory, s.Storage.Idempotency)
	assert.Equal(t, 5, s.Retry.MaxAttempts)
}

func TestFromConfig_Overrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
routing:
  modes: [trade, paper]
  default_mode: paper
  handler_timeout: 30s
idempotency:
  failed_ttl: 10m
workflow:
  retention: 72h
retry:
  max_attempts: 3
  max_age: 5m
storage:
  idempotency: postgres
  postgres_dsn: postgres://localhost/tradeflow
  workflow: etcd
  etcd_endpoints: [etcd-0:2379, etcd-1:2379]
log:
  level: debug
  format: text
`))
	require.NoError(t, err)

	s, err := config.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "paper", s.Routing.DefaultMode)
	assert.Equal(t, 30*time.Second, s.Routing.HandlerTimeout)
	assert.Equal(t, 10*time.Minute, s.IdempotencyTTLs.Failed)
	assert.Equal(t, 72*time.Hour, s.WorkflowRetention)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, s.Retry.MaxAge)
	assert.Equal(t, config.BackendPostgres, s.Storage.Idempotency)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, s.Storage.EtcdEndpoints)
	assert.Equal(t, "debug", s.Log.Level)

	norm := s.Normalizer()
	assert.Equal(t, []string{"trade", "paper"}, norm.Modes)
	assert.Equal(t, "paper", norm.DefaultMode)
}

func TestFromConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{"unknown default mode", "routing.default_mode", "yolo", "default_mode"},
		{"failed ttl too long", "idempotency.failed_ttl", "400h", "failed TTL"},
		{"failed ttl within max age", "idempotency.failed_ttl", "45m", "must exceed retry.max_age"},
		{"max age outlives failed ttl", "retry.max_age", "30h", "must exceed retry.max_age"},
		{"zero attempts", "retry.max_attempts", 0, "max attempts"},
		{"bad backend", "storage.workflow", "postgres", "storage.workflow"},
		{"postgres without dsn", "storage.idempotency", "postgres", "postgres_dsn"},
		{"etcd without endpoints", "storage.workflow", "etcd", "etcd_endpoints"},
		{"bad log level", "log.level", "loud", "log.level"},
		{"bad log format", "log.format", "xml", "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromConfig(config.New(nil).With(tt.key, tt.value))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWithEnv(t *testing.T) {
	env := map[string]string{
		"TRADEFLOW_RETRY_MAX_ATTEMPTS": "9",
		"TRADEFLOW_ETCD_ENDPOINTS":     "a:2379,b:2379",
		"TRADEFLOW_LOG_LEVEL":          "warn",
		"UNRELATED":                    "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	base := config.New(nil).With("log.level", "debug")
	s, err := config.FromConfig(config.WithEnv(base, lookup))
	require.NoError(t, err)
	assert.Equal(t, 9, s.Retry.MaxAttempts)
	assert.Equal(t, []string{"a:2379", "b:2379"}, s.Storage.EtcdEndpoints)
	assert.Equal(t, "warn", s.Log.Level, "environment beats file")
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 4\nlog:\n  level: info\n"), 0o600))
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("TRADEFLOW_LOG_LEVEL=error\n"), 0o600))
	t.Setenv("TRADEFLOW_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("TRADEFLOW_LOG_LEVEL"))
	t.Setenv("TRADEFLOW_REDIS_ADDR", "cache:6379")

	s, err := config.LoadSettings(path, dotenv, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Retry.MaxAttempts)
	assert.Equal(t, "error", s.Log.Level)
	assert.Equal(t, "cache:6379", s.Storage.RedisAddr)

	_, err = config.LoadSettings(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := config.NewLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	logger, err = config.NewLogger(config.Log{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = config.NewLogger(config.Log{Level: "verbose"}, nil)
	assert.Error(t, err)
}
