// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker controls the evaluation worker pool: queue claim behaviour,
// heartbeats and retry/dead-letter thresholds.
type Worker struct {
	Count                 int               `mapstructure:"count"`
	HeartbeatTTL          time.Duration     `mapstructure:"heartbeat_ttl"`
	MaxRetries            int               `mapstructure:"max_retries"`
	Backoff               Backoff           `mapstructure:"backoff"`
	Priorities            []string          `mapstructure:"priorities"`
	Queues                map[string]string `mapstructure:"queues"`
	ProcessingListPattern string            `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern   string            `mapstructure:"heartbeat_key_pattern"`
	CompletedList         string            `mapstructure:"completed_list"`
	DeadLetterList        string            `mapstructure:"dead_letter_list"`
	BRPopLPushTimeout     time.Duration     `mapstructure:"brpoplpush_timeout"`
	BreakerPause          time.Duration     `mapstructure:"breaker_pause"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// DirRuleConfig is a YAML-declarable filesystem binding rule, converted
// into sandbox.DirRule at Sandbox construction. Options are strings from
// sandbox's DirOption set ("rw", "dev", "noexec", "maybe", "tmp", "fs",
// "norec").
type DirRuleConfig struct {
	InsidePath  string   `mapstructure:"inside_path"`
	OutsidePath string   `mapstructure:"outside_path"`
	Options     []string `mapstructure:"options"`
}

// EnvRuleConfig is a YAML-declarable environment rule. Kind is one of
// "inherit", "set", "full_inherit".
type EnvRuleConfig struct {
	Kind  string `mapstructure:"kind"`
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Sandbox controls the per-testcase isolation backend. Zero values fall
// back to isolate's own defaults (extra time, cgroup memory, stack,
// file-size, and quota limits are omitted from the command line entirely
// when zero). MaxProcesses is the exception: 0 means unlimited
// (`--processes` with no argument), not "unset".
type Sandbox struct {
	Backend               string          `mapstructure:"backend"` // "isolate" or "native"
	IsolateBinary         string          `mapstructure:"isolate_binary"`
	BoxIDBase             int             `mapstructure:"box_id_base"`
	DefaultTimeLimit      time.Duration   `mapstructure:"default_time_limit"`
	DefaultWallTimeLimit  time.Duration   `mapstructure:"default_wall_time_limit"`
	DefaultExtraTime      time.Duration   `mapstructure:"default_extra_time"`
	DefaultMemoryKB       int             `mapstructure:"default_memory_kb"`
	DefaultCgroupMemoryKB int             `mapstructure:"default_cgroup_memory_kb"`
	DefaultStackKB        int             `mapstructure:"default_stack_kb"`
	MaxOpenFiles          int             `mapstructure:"max_open_files"`
	DefaultFileSizeKB     int             `mapstructure:"default_file_size_kb"`
	DefaultMaxProcesses   int             `mapstructure:"default_max_processes"` // 0 = unlimited
	DefaultQuotaBlocks    int             `mapstructure:"default_quota_blocks"`
	DefaultQuotaInodes    int             `mapstructure:"default_quota_inodes"`
	ShareNetwork          bool            `mapstructure:"share_network"`
	InheritFDs            bool            `mapstructure:"inherit_fds"`
	UseCgroups            bool            `mapstructure:"use_cgroups"` // default true, must be explicitly disabled
	NoDefaultDirs         bool            `mapstructure:"no_default_dirs"`
	RunAsUID              int             `mapstructure:"run_as_uid"` // 0 = not set, isolate picks
	RunAsGID              int             `mapstructure:"run_as_gid"`
	ExtraDirRules         []DirRuleConfig `mapstructure:"extra_dir_rules"`
	ExtraEnvRules         []EnvRuleConfig `mapstructure:"extra_env_rules"`
	TempDir               string          `mapstructure:"temp_dir"`
}

// Executor controls compile/run/compare behaviour (C2).
type Executor struct {
	CompileTimeLimit    time.Duration `mapstructure:"compile_time_limit"`
	FloatTolerance      float64       `mapstructure:"float_tolerance"`
	CheckerTimeLimit    time.Duration `mapstructure:"checker_time_limit"`
	MaxOutputSizeKB     int           `mapstructure:"max_output_size_kb"`
}

// Policy controls the ABAC policy engine (C4) defaults.
type Policy struct {
	DefaultEffectDeny bool   `mapstructure:"default_effect_deny"`
	PoliciesFile      string `mapstructure:"policies_file"`
	// AuditFile, when set, tees every decision to a size-rotated
	// JSON-lines file in addition to the in-memory ring buffer.
	AuditFile       string `mapstructure:"audit_file"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
	AuditCompress   bool   `mapstructure:"audit_compress"`
}

// Plugins controls the plugin runtime (C5) and capability provider (C6).
type Plugins struct {
	Dir                 string        `mapstructure:"dir"`
	WASMMemoryLimitPages int          `mapstructure:"wasm_memory_limit_pages"`
	LoadTimeout         time.Duration `mapstructure:"load_timeout"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	RateLimit           RateLimit     `mapstructure:"rate_limit"`
}

// RateLimit configures the token-bucket limiter gating host-function calls,
// keyed per (plugin_id, capability).
type RateLimit struct {
	DefaultRatePerSecond float64       `mapstructure:"default_rate_per_second"`
	DefaultBurstSize     int           `mapstructure:"default_burst_size"`
	RefillInterval       time.Duration `mapstructure:"refill_interval"`
	KeyTTL               time.Duration `mapstructure:"key_ttl"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// EventBus selects and configures the event-delivery backend used by the
// capability provider to publish plugin.* and evaluation.* events.
type EventBus struct {
	Backend string `mapstructure:"backend"` // "memory" or "nats"
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// Database configures the Postgres pool used for plugin-scoped private SQL.
type Database struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Sandbox        Sandbox        `mapstructure:"sandbox"`
	Executor       Executor       `mapstructure:"executor"`
	Policy         Policy         `mapstructure:"policy"`
	Plugins        Plugins        `mapstructure:"plugins"`
	EventBus       EventBus       `mapstructure:"event_bus"`
	Database       Database       `mapstructure:"database"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			Count:                 2,
			HeartbeatTTL:          30 * time.Second,
			MaxRetries:            3,
			Backoff:               Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			Priorities:            []string{"high", "normal", "low"},
			Queues:                map[string]string{"high": "judge:queue:high", "normal": "judge:queue:normal", "low": "judge:queue:low"},
			ProcessingListPattern: "judge:worker:%s:processing",
			HeartbeatKeyPattern:   "judge:heartbeat:worker:%s",
			CompletedList:         "judge:completed",
			DeadLetterList:        "judge:dead_letter",
			BRPopLPushTimeout:     1 * time.Second,
			BreakerPause:          100 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Sandbox: Sandbox{
			Backend:               "isolate",
			IsolateBinary:         "/usr/bin/isolate",
			BoxIDBase:             0,
			DefaultTimeLimit:      2 * time.Second,
			DefaultWallTimeLimit:  0, // 0 = derive from time limit + grace, see sandbox.Run
			DefaultExtraTime:      0,
			DefaultMemoryKB:       262144,
			DefaultCgroupMemoryKB: 262144,
			DefaultStackKB:        65536,
			MaxOpenFiles:          64,
			DefaultFileSizeKB:     65536,
			DefaultMaxProcesses:   64,
			DefaultQuotaBlocks:    0,
			DefaultQuotaInodes:    0,
			ShareNetwork:          false,
			InheritFDs:            false,
			UseCgroups:            true,
			NoDefaultDirs:         false,
			RunAsUID:              0,
			RunAsGID:              0,
			TempDir:               "/tmp/judge-sandbox",
		},
		Executor: Executor{
			CompileTimeLimit: 10 * time.Second,
			FloatTolerance:   1e-6,
			CheckerTimeLimit: 5 * time.Second,
			MaxOutputSizeKB:  4096,
		},
		Policy: Policy{
			DefaultEffectDeny: true,
			PoliciesFile:      "",
			AuditMaxSizeMB:    100,
			AuditMaxBackups:   5,
		},
		Plugins: Plugins{
			Dir:                  "./plugins",
			WASMMemoryLimitPages: 256,
			LoadTimeout:          5 * time.Second,
			CallTimeout:          2 * time.Second,
			RateLimit: RateLimit{
				DefaultRatePerSecond: 50,
				DefaultBurstSize:     100,
				RefillInterval:       1 * time.Second,
				KeyTTL:               10 * time.Minute,
			},
		},
		EventBus: EventBus{
			Backend: "memory",
			Subject: "judge.events",
		},
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Deployment env names; the replacer-derived forms (REDIS_ADDR,
	// DATABASE_DSN, PLUGINS_DIR, ...) keep working alongside them.
	_ = v.BindEnv("redis.addr", "JOB_QUEUE_URL", "REDIS_ADDR")
	_ = v.BindEnv("event_bus.nats_url", "EVENT_BUS_URL", "EVENT_BUS_NATS_URL")
	_ = v.BindEnv("database.dsn", "DATABASE_URL", "DATABASE_DSN")
	_ = v.BindEnv("sandbox.isolate_binary", "SANDBOX_BACKEND", "SANDBOX_ISOLATE_BINARY")
	_ = v.BindEnv("plugins.dir", "PLUGIN_DIR", "PLUGINS_DIR")

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.priorities", def.Worker.Priorities)
	v.SetDefault("worker.queues", def.Worker.Queues)
	v.SetDefault("worker.processing_list_pattern", def.Worker.ProcessingListPattern)
	v.SetDefault("worker.heartbeat_key_pattern", def.Worker.HeartbeatKeyPattern)
	v.SetDefault("worker.completed_list", def.Worker.CompletedList)
	v.SetDefault("worker.dead_letter_list", def.Worker.DeadLetterList)
	v.SetDefault("worker.brpoplpush_timeout", def.Worker.BRPopLPushTimeout)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("sandbox.backend", def.Sandbox.Backend)
	v.SetDefault("sandbox.isolate_binary", def.Sandbox.IsolateBinary)
	v.SetDefault("sandbox.box_id_base", def.Sandbox.BoxIDBase)
	v.SetDefault("sandbox.default_time_limit", def.Sandbox.DefaultTimeLimit)
	v.SetDefault("sandbox.default_wall_time_limit", def.Sandbox.DefaultWallTimeLimit)
	v.SetDefault("sandbox.default_extra_time", def.Sandbox.DefaultExtraTime)
	v.SetDefault("sandbox.default_memory_kb", def.Sandbox.DefaultMemoryKB)
	v.SetDefault("sandbox.default_cgroup_memory_kb", def.Sandbox.DefaultCgroupMemoryKB)
	v.SetDefault("sandbox.default_stack_kb", def.Sandbox.DefaultStackKB)
	v.SetDefault("sandbox.max_open_files", def.Sandbox.MaxOpenFiles)
	v.SetDefault("sandbox.default_file_size_kb", def.Sandbox.DefaultFileSizeKB)
	v.SetDefault("sandbox.default_max_processes", def.Sandbox.DefaultMaxProcesses)
	v.SetDefault("sandbox.default_quota_blocks", def.Sandbox.DefaultQuotaBlocks)
	v.SetDefault("sandbox.default_quota_inodes", def.Sandbox.DefaultQuotaInodes)
	v.SetDefault("sandbox.share_network", def.Sandbox.ShareNetwork)
	v.SetDefault("sandbox.inherit_fds", def.Sandbox.InheritFDs)
	v.SetDefault("sandbox.use_cgroups", def.Sandbox.UseCgroups)
	v.SetDefault("sandbox.no_default_dirs", def.Sandbox.NoDefaultDirs)
	v.SetDefault("sandbox.run_as_uid", def.Sandbox.RunAsUID)
	v.SetDefault("sandbox.run_as_gid", def.Sandbox.RunAsGID)
	v.SetDefault("sandbox.temp_dir", def.Sandbox.TempDir)

	v.SetDefault("executor.compile_time_limit", def.Executor.CompileTimeLimit)
	v.SetDefault("executor.float_tolerance", def.Executor.FloatTolerance)
	v.SetDefault("executor.checker_time_limit", def.Executor.CheckerTimeLimit)
	v.SetDefault("executor.max_output_size_kb", def.Executor.MaxOutputSizeKB)

	v.SetDefault("policy.default_effect_deny", def.Policy.DefaultEffectDeny)
	v.SetDefault("policy.policies_file", def.Policy.PoliciesFile)
	v.SetDefault("policy.audit_file", def.Policy.AuditFile)
	v.SetDefault("policy.audit_max_size_mb", def.Policy.AuditMaxSizeMB)
	v.SetDefault("policy.audit_max_backups", def.Policy.AuditMaxBackups)
	v.SetDefault("policy.audit_compress", def.Policy.AuditCompress)

	v.SetDefault("plugins.dir", def.Plugins.Dir)
	v.SetDefault("plugins.wasm_memory_limit_pages", def.Plugins.WASMMemoryLimitPages)
	v.SetDefault("plugins.load_timeout", def.Plugins.LoadTimeout)
	v.SetDefault("plugins.call_timeout", def.Plugins.CallTimeout)
	v.SetDefault("plugins.rate_limit.default_rate_per_second", def.Plugins.RateLimit.DefaultRatePerSecond)
	v.SetDefault("plugins.rate_limit.default_burst_size", def.Plugins.RateLimit.DefaultBurstSize)
	v.SetDefault("plugins.rate_limit.refill_interval", def.Plugins.RateLimit.RefillInterval)
	v.SetDefault("plugins.rate_limit.key_ttl", def.Plugins.RateLimit.KeyTTL)

	v.SetDefault("event_bus.backend", def.EventBus.Backend)
	v.SetDefault("event_bus.subject", def.EventBus.Subject)

	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if len(cfg.Worker.Priorities) == 0 {
		return fmt.Errorf("worker.priorities must be non-empty")
	}
	for _, p := range cfg.Worker.Priorities {
		if _, ok := cfg.Worker.Queues[p]; !ok {
			return fmt.Errorf("worker.queues missing entry for priority %q", p)
		}
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.BRPopLPushTimeout <= 0 || cfg.Worker.BRPopLPushTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Sandbox.DefaultMemoryKB <= 0 {
		return fmt.Errorf("sandbox.default_memory_kb must be > 0")
	}
	if cfg.Executor.FloatTolerance < 0 {
		return fmt.Errorf("executor.float_tolerance must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
