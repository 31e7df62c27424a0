package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/deadletter"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/envelope"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/idempotency"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/workflow"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendEtcd     Backend = "etcd"
)

// Routing holds classification and dispatch settings.
type Routing struct {
	DomainSourcePrefix  string
	SchedulerSources    []string
	ScheduleDetailTypes []string
	Modes               []string
	DefaultMode         string

	// OrchestratorSource is the source of events the kernel itself emits.
	OrchestratorSource string

	// HandlerTimeout bounds one handler attempt. Zero disables the bound.
	HandlerTimeout time.Duration
}

// Storage selects and locates the durable stores.
type Storage struct {
	// Idempotency is one of memory, sqlite, redis, postgres.
	Idempotency Backend

	// Workflow is one of memory, sqlite, redis, etcd.
	Workflow Backend

	// DeadLetter is one of memory, sqlite, redis.
	DeadLetter Backend

	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PostgresDSN   string
	EtcdEndpoints []string
	EtcdPrefix    string
	DialTimeout   time.Duration
}

// Log configures the process logger.
type Log struct {
	Level  string
	Format string
}

// Settings is the resolved kernel configuration.
type Settings struct {
	Routing           Routing
	IdempotencyTTLs   idempotency.TTLs
	WorkflowRetention time.Duration
	Retry             deadletter.Policy
	Storage           Storage
	Log               Log
}

// Defaults returns the production settings with in-memory stores.
func Defaults() Settings {
	env := envelope.DefaultConfig()
	return Settings{
		Routing: Routing{
			DomainSourcePrefix:  env.DomainSourcePrefix,
			SchedulerSources:    env.SchedulerSources,
			ScheduleDetailTypes: env.ScheduleDetailTypes,
			Modes:               env.Modes,
			DefaultMode:         env.DefaultMode,
			OrchestratorSource:  "alchemiser.orchestrator",
			HandlerTimeout:      5 * time.Minute,
		},
		IdempotencyTTLs:   idempotency.DefaultTTLs(),
		WorkflowRetention: workflow.DefaultRetention,
		Retry:             deadletter.DefaultPolicy(),
		Storage: Storage{
			Idempotency: BackendMemory,
			Workflow:    BackendMemory,
			DeadLetter:  BackendMemory,
			SQLitePath:  "tradeflow.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "tradeflow:",
			EtcdPrefix:  workflow.DefaultEtcdPrefix,
			DialTimeout: 5 * time.Second,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// FromConfig resolves settings from cfg, falling back to Defaults for
// anything cfg does not set.
func FromConfig(cfg Config) (Settings, error) {
	d := Defaults()

	routing := cfg.Sub("routing")
	ttl := cfg.Sub("idempotency")
	retry := cfg.Sub("retry")
	storage := cfg.Sub("storage")
	logCfg := cfg.Sub("log")

	s := Settings{
		Routing: Routing{
			DomainSourcePrefix:  routing.String("domain_source_prefix", d.Routing.DomainSourcePrefix),
			SchedulerSources:    routing.StringSlice("scheduler_sources", d.Routing.SchedulerSources),
			ScheduleDetailTypes: routing.StringSlice("schedule_detail_types", d.Routing.ScheduleDetailTypes),
			Modes:               routing.StringSlice("modes", d.Routing.Modes),
			DefaultMode:         routing.String("default_mode", d.Routing.DefaultMode),
			OrchestratorSource:  routing.String("orchestrator_source", d.Routing.OrchestratorSource),
			HandlerTimeout:      routing.Duration("handler_timeout", d.Routing.HandlerTimeout),
		},
		IdempotencyTTLs: idempotency.TTLs{
			InProgress: ttl.Duration("in_progress_ttl", d.IdempotencyTTLs.InProgress),
			Done:       ttl.Duration("done_ttl", d.IdempotencyTTLs.Done),
			Failed:     ttl.Duration("failed_ttl", d.IdempotencyTTLs.Failed),
		},
		WorkflowRetention: cfg.Duration("workflow.retention", d.WorkflowRetention),
		Retry: deadletter.Policy{
			MaxAttempts: retry.Int("max_attempts", d.Retry.MaxAttempts),
			MaxAge:      retry.Duration("max_age", d.Retry.MaxAge),
		},
		Storage: Storage{
			Idempotency:   Backend(storage.String("idempotency", string(d.Storage.Idempotency))),
			Workflow:      Backend(storage.String("workflow", string(d.Storage.Workflow))),
			DeadLetter:    Backend(storage.String("deadletter", string(d.Storage.DeadLetter))),
			SQLitePath:    storage.String("sqlite_path", d.Storage.SQLitePath),
			RedisAddr:     storage.String("redis_addr", d.Storage.RedisAddr),
			RedisPassword: storage.String("redis_password", d.Storage.RedisPassword),
			RedisDB:       storage.Int("redis_db", d.Storage.RedisDB),
			RedisPrefix:   storage.String("redis_prefix", d.Storage.RedisPrefix),
			PostgresDSN:   storage.String("postgres_dsn", d.Storage.PostgresDSN),
			EtcdEndpoints: storage.StringSlice("etcd_endpoints", d.Storage.EtcdEndpoints),
			EtcdPrefix:    storage.String("etcd_prefix", d.Storage.EtcdPrefix),
			DialTimeout:   storage.Duration("dial_timeout", d.Storage.DialTimeout),
		},
		Log: Log{
			Level:  logCfg.String("level", d.Log.Level),
			Format: logCfg.String("format", d.Log.Format),
		},
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the settings are usable together.
func (s Settings) Validate() error {
	var errs []error

	if s.Routing.DomainSourcePrefix == "" {
		errs = append(errs, errors.New("routing.domain_source_prefix is required"))
	}
	if len(s.Routing.Modes) == 0 {
		errs = append(errs, errors.New("routing.modes must not be empty"))
	}
	if !slices.Contains(s.Routing.Modes, s.Routing.DefaultMode) {
		errs = append(errs, fmt.Errorf("routing.default_mode %q is not one of %v", s.Routing.DefaultMode, s.Routing.Modes))
	}
	if s.Routing.OrchestratorSource == "" {
		errs = append(errs, errors.New("routing.orchestrator_source is required"))
	}
	if s.Routing.HandlerTimeout < 0 {
		errs = append(errs, errors.New("routing.handler_timeout must not be negative"))
	}
	if err := s.IdempotencyTTLs.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.WorkflowRetention <= 0 {
		errs = append(errs, errors.New("workflow.retention must be positive"))
	}
	if err := s.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.Retry.MaxAge > 0 && s.IdempotencyTTLs.Failed <= s.Retry.MaxAge {
		errs = append(errs, fmt.Errorf("idempotency.failed_ttl %s must exceed retry.max_age %s",
			s.IdempotencyTTLs.Failed, s.Retry.MaxAge))
	}

	errs = append(errs, checkBackend("storage.idempotency", s.Storage.Idempotency,
		BackendMemory, BackendSQLite, BackendRedis, BackendPostgres))
	errs = append(errs, checkBackend("storage.workflow", s.Storage.Workflow,
		BackendMemory, BackendSQLite, BackendRedis, BackendEtcd))
	errs = append(errs, checkBackend("storage.deadletter", s.Storage.DeadLetter,
		BackendMemory, BackendSQLite, BackendRedis))

	if s.Storage.Idempotency == BackendPostgres && s.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
	}
	if s.Storage.Workflow == BackendEtcd && len(s.Storage.EtcdEndpoints) == 0 {
		errs = append(errs, errors.New("storage.etcd_endpoints is required for the etcd backend"))
	}
	if _, err := parseLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(s.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", s.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func checkBackend(field string, b Backend, allowed ...Backend) error {
	if slices.Contains(allowed, b) {
		return nil
	}
	return fmt.Errorf("%s %q must be one of %v", field, b, allowed)
}

// Normalizer returns the envelope classification settings.
func (s Settings) Normalizer() envelope.Config {
	return envelope.Config{
		DomainSourcePrefix:  s.Routing.DomainSourcePrefix,
		SchedulerSources:    slices.Clone(s.Routing.SchedulerSources),
		ScheduleDetailTypes: slices.Clone(s.Routing.ScheduleDetailTypes),
		Modes:               slices.Clone(s.Routing.Modes),
		DefaultMode:         s.Routing.DefaultMode,
	}
}

// NewLogger builds a slog logger for the configured level and format.
func NewLogger(s Log, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	var handler slog.Handler
	if strings.EqualFold(s.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
}
