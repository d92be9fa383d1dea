package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/nodepilot/internal/otel"
)

// EngineConfig holds pipeline engine tuning.
type EngineConfig struct {
	// WorkerCount is the number of goroutines pulling runnable nodes.
	WorkerCount int `yaml:"worker_count"`

	// JobTaskFanOut bounds concurrently running instance sub-graphs per job.
	JobTaskFanOut int `yaml:"job_task_fan_out"`

	// RevokeGraceSeconds is how long a revoked activity may keep running
	// before the engine considers it revoked regardless.
	RevokeGraceSeconds int `yaml:"revoke_grace_seconds"`

	// NodeLeaseSeconds is the dispatch lease on a RUNNING node; expired
	// leases revert the node to READY on recovery.
	NodeLeaseSeconds int `yaml:"node_lease_seconds"`

	// DefaultStepTimeoutSeconds applies when a step declares no timeout.
	DefaultStepTimeoutSeconds int `yaml:"default_step_timeout_seconds"`
}

// ReconcileConfig holds the periodic loop cadences as cron expressions
// (5-field, minute resolution) plus loop-specific knobs.
type ReconcileConfig struct {
	CollectorSchedule string `yaml:"collector_schedule"`
	WatchPollSeconds  int    `yaml:"watch_poll_seconds"`
	StateSyncSchedule string `yaml:"state_sync_schedule"`
	GCSchedule        string `yaml:"gc_schedule"`
	GCRetentionDays   int    `yaml:"gc_retention_days"`
	GCBatchSize       int    `yaml:"gc_batch_size"`
	LeaseSeconds      int    `yaml:"lease_seconds"`
}

// ServiceConfig points at one external collaborator.
type ServiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	AuthTokenEnv   string `yaml:"auth_token_env"`
}

// ExternalConfig groups all external service endpoints.
type ExternalConfig struct {
	CMDB            ServiceConfig `yaml:"cmdb"`
	JobService      ServiceConfig `yaml:"job_service"`
	AgentControl    ServiceConfig `yaml:"agent_control"`
	PluginRegistry  ServiceConfig `yaml:"plugin_registry"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Engine    EngineConfig    `yaml:"engine"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	External  ExternalConfig  `yaml:"external"`
	OTel      otelPkg.Config  `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:7780",
		LogLevel: "info",
		Engine: EngineConfig{
			WorkerCount:               16,
			JobTaskFanOut:             500,
			RevokeGraceSeconds:        30,
			NodeLeaseSeconds:          60,
			DefaultStepTimeoutSeconds: 600,
		},
		Reconcile: ReconcileConfig{
			CollectorSchedule: "* * * * *",
			WatchPollSeconds:  5,
			StateSyncSchedule: "*/10 * * * *",
			GCSchedule:        "0 * * * *",
			GCRetentionDays:   30,
			GCBatchSize:       500,
			LeaseSeconds:      60,
		},
		External: ExternalConfig{
			CMDB:            ServiceConfig{TimeoutSeconds: 30},
			JobService:      ServiceConfig{TimeoutSeconds: 30},
			AgentControl:    ServiceConfig{TimeoutSeconds: 30},
			PluginRegistry:  ServiceConfig{TimeoutSeconds: 30},
			CacheTTLSeconds: 60,
		},
		OTel: otelPkg.Config{Exporter: "none"},
	}
}

// HomeDir resolves the nodepilot data directory: $NODEPILOT_HOME or ~/.nodepilot.
func HomeDir() string {
	if override := os.Getenv("NODEPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nodepilot")
}

// Load reads config.yaml from the home dir, applying defaults and env overrides.
// A missing config file is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads config rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nodepilot home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODEPILOT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("NODEPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEPILOT_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.WorkerCount = n
		}
	}
	if v := os.Getenv("NODEPILOT_CMDB_URL"); v != "" {
		cfg.External.CMDB.BaseURL = v
	}
	if v := os.Getenv("NODEPILOT_JOB_URL"); v != "" {
		cfg.External.JobService.BaseURL = v
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "nodepilot.db")
	}
	if cfg.Engine.WorkerCount <= 0 {
		cfg.Engine.WorkerCount = def.Engine.WorkerCount
	}
	if cfg.Engine.JobTaskFanOut <= 0 {
		cfg.Engine.JobTaskFanOut = def.Engine.JobTaskFanOut
	}
	if cfg.Engine.RevokeGraceSeconds <= 0 {
		cfg.Engine.RevokeGraceSeconds = def.Engine.RevokeGraceSeconds
	}
	if cfg.Engine.NodeLeaseSeconds <= 0 {
		cfg.Engine.NodeLeaseSeconds = def.Engine.NodeLeaseSeconds
	}
	if cfg.Engine.DefaultStepTimeoutSeconds <= 0 {
		cfg.Engine.DefaultStepTimeoutSeconds = def.Engine.DefaultStepTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Reconcile.CollectorSchedule) == "" {
		cfg.Reconcile.CollectorSchedule = def.Reconcile.CollectorSchedule
	}
	if cfg.Reconcile.WatchPollSeconds <= 0 {
		cfg.Reconcile.WatchPollSeconds = def.Reconcile.WatchPollSeconds
	}
	if strings.TrimSpace(cfg.Reconcile.StateSyncSchedule) == "" {
		cfg.Reconcile.StateSyncSchedule = def.Reconcile.StateSyncSchedule
	}
	if strings.TrimSpace(cfg.Reconcile.GCSchedule) == "" {
		cfg.Reconcile.GCSchedule = def.Reconcile.GCSchedule
	}
	if cfg.Reconcile.GCRetentionDays <= 0 {
		cfg.Reconcile.GCRetentionDays = def.Reconcile.GCRetentionDays
	}
	if cfg.Reconcile.GCBatchSize <= 0 {
		cfg.Reconcile.GCBatchSize = def.Reconcile.GCBatchSize
	}
	if cfg.Reconcile.LeaseSeconds <= 0 {
		cfg.Reconcile.LeaseSeconds = def.Reconcile.LeaseSeconds
	}
	if cfg.External.CacheTTLSeconds <= 0 {
		cfg.External.CacheTTLSeconds = def.External.CacheTTLSeconds
	}
	for _, svc := range []*ServiceConfig{
		&cfg.External.CMDB, &cfg.External.JobService,
		&cfg.External.AgentControl, &cfg.External.PluginRegistry,
	} {
		if svc.TimeoutSeconds <= 0 {
			svc.TimeoutSeconds = 30
		}
	}
}
