package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADEFLOW_"

// envKeys maps environment variables (without EnvPrefix) to config keys.
var envKeys = map[string]string{
	"DOMAIN_SOURCE_PREFIX":        "routing.domain_source_prefix",
	"SCHEDULER_SOURCES":           "routing.scheduler_sources",
	"SCHEDULE_DETAIL_TYPES":       "routing.schedule_detail_types",
	"MODES":                       "routing.modes",
	"DEFAULT_MODE":                "routing.default_mode",
	"ORCHESTRATOR_SOURCE":         "routing.orchestrator_source",
	"HANDLER_TIMEOUT":             "routing.handler_timeout",
	"IDEMPOTENCY_IN_PROGRESS_TTL": "idempotency.in_progress_ttl",
	"IDEMPOTENCY_DONE_TTL":        "idempotency.done_ttl",
	"IDEMPOTENCY_FAILED_TTL":      "idempotency.failed_ttl",
	"WORKFLOW_RETENTION":          "workflow.retention",
	"RETRY_MAX_ATTEMPTS":          "retry.max_attempts",
	"RETRY_MAX_AGE":               "retry.max_age",
	"IDEMPOTENCY_BACKEND":         "storage.idempotency",
	"WORKFLOW_BACKEND":            "storage.workflow",
	"DEADLETTER_BACKEND":          "storage.deadletter",
	"SQLITE_PATH":                 "storage.sqlite_path",
	"REDIS_ADDR":                  "storage.redis_addr",
	"REDIS_PASSWORD":              "storage.redis_password",
	"REDIS_DB":                    "storage.redis_db",
	"REDIS_PREFIX":                "storage.redis_prefix",
	"POSTGRES_DSN":                "storage.postgres_dsn",
	"ETCD_ENDPOINTS":              "storage.etcd_endpoints",
	"ETCD_PREFIX":                 "storage.etcd_prefix",
	"LOG_LEVEL":                   "log.level",
	"LOG_FORMAT":                  "log.format",
}

// WithEnv overlays TRADEFLOW_* variables found by lookup onto cfg.
// A nil lookup reads the process environment.
func WithEnv(cfg Config, lookup func(string) (string, bool)) Config {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for name, key := range envKeys {
		if v, ok := lookup(EnvPrefix + name); ok {
			cfg = cfg.With(key, v)
		}
	}
	return cfg
}

// LoadSettings resolves settings in order of increasing precedence:
// defaults, the optional file at path, then the environment. Variables
// from the optional dotenv files are loaded into the environment first;
// variables already set are not overridden.
func LoadSettings(path string, dotenv ...string) (Settings, error) {
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := New(nil)
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}
	return FromConfig(WithEnv(cfg, nil))
}
