package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"actiongate/internal/policy"
	"actiongate/internal/risk"
)

type Config struct {
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Risk         risk.Config        `json:"risk" yaml:"risk"`
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Approvals    ApprovalsConfig    `json:"approvals" yaml:"approvals"`
	Plans        PlansConfig        `json:"plans" yaml:"plans"`
	Execution    ExecutionConfig    `json:"execution" yaml:"execution"`
	Targets      TargetsConfig      `json:"targets" yaml:"targets"`
	Janitor      JanitorConfig      `json:"janitor" yaml:"janitor"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

type GatewayConfig struct {
	HTTPAddr           string `json:"http_addr" yaml:"http_addr"`
	AuthToken          string `json:"auth_token" yaml:"auth_token"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	// StorageMemory keeps all state in process memory for local
	// development. Nothing survives a restart.
	StorageMemory = "memory"
)

type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	PostgresDSN  string `json:"postgres_dsn" yaml:"postgres_dsn"`
	SQLitePath   string `json:"sqlite_path" yaml:"sqlite_path"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

// DriverName resolves the storage backend; a DSN alone selects Postgres.
func (s StorageConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d != "" {
		return d
	}
	if strings.TrimSpace(s.PostgresDSN) != "" {
		return StoragePostgres
	}
	return StorageSQLite
}

type PolicyConfig struct {
	AllowMax           int    `json:"allow_max" yaml:"allow_max"`
	RequireApprovalMax int    `json:"require_approval_max" yaml:"require_approval_max"`
	OPAURL             string `json:"opa_url" yaml:"opa_url"`
	PolicyPackage      string `json:"policy_package" yaml:"policy_package"`
}

// Bands returns the configured score bands, or the defaults when unset.
func (p PolicyConfig) Bands() policy.Bands {
	if p.AllowMax == 0 && p.RequireApprovalMax == 0 {
		return policy.DefaultBands()
	}
	return policy.Bands{AllowMax: p.AllowMax, RequireApprovalMax: p.RequireApprovalMax}
}

type ApprovalsConfig struct {
	TTLSecs   int    `json:"ttl_secs" yaml:"ttl_secs"`
	MaxActive int    `json:"max_active" yaml:"max_active"`
	CLI       string `json:"cli" yaml:"cli"`
}

func (a ApprovalsConfig) TTL() time.Duration {
	return secs(a.TTLSecs, 15*time.Minute)
}

type PlansConfig struct {
	TTLSecs  int `json:"ttl_secs" yaml:"ttl_secs"`
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

func (p PlansConfig) TTL() time.Duration {
	return secs(p.TTLSecs, time.Hour)
}

type ExecutionConfig struct {
	StepTimeoutSecs      int `json:"step_timeout_secs" yaml:"step_timeout_secs"`
	PollIntervalMS       int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	PreconditionWaitSecs int `json:"precondition_wait_secs" yaml:"precondition_wait_secs"`
	LockTTLSecs          int `json:"lock_ttl_secs" yaml:"lock_ttl_secs"`
}

func (e ExecutionConfig) StepTimeout() time.Duration {
	return secs(e.StepTimeoutSecs, 30*time.Second)
}

func (e ExecutionConfig) PollInterval() time.Duration {
	if e.PollIntervalMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

func (e ExecutionConfig) PreconditionWait() time.Duration {
	return secs(e.PreconditionWaitSecs, 0)
}

func (e ExecutionConfig) LockTTL() time.Duration {
	return secs(e.LockTTLSecs, 5*time.Minute)
}

type TargetsConfig struct {
	CaptureURL string `json:"capture_url" yaml:"capture_url"`
	Token      string `json:"token" yaml:"token"`
	TimeoutMS  int    `json:"timeout_ms" yaml:"timeout_ms"`
}

type JanitorConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Cron             string `json:"cron" yaml:"cron"`
	PollIntervalSecs int    `json:"poll_interval_secs" yaml:"poll_interval_secs"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr" yaml:"temporal_addr"`
	Namespace    string `json:"namespace" yaml:"namespace"`
	TaskQueue    string `json:"task_queue" yaml:"task_queue"`
	HealthAddr   string `json:"health_addr" yaml:"health_addr"`
}

func secs(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// LoadConfig reads JSON, or YAML when the file ends in .yaml or .yml.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Gateway.HTTPAddr == "" {
		return errors.New("gateway.http_addr required")
	}
	if c.Gateway.RateLimitPerMinute < 0 {
		return errors.New("gateway.rate_limit_per_minute must not be negative")
	}
	switch c.Storage.DriverName() {
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn required")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver)
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Bands().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Policy.OPAURL) != "" && strings.TrimSpace(c.Policy.PolicyPackage) == "" {
		return errors.New("policy.policy_package required when policy.opa_url is set")
	}
	if c.Approvals.TTLSecs < 0 || c.Approvals.MaxActive < 0 {
		return errors.New("approvals: ttl_secs and max_active must not be negative")
	}
	if c.Plans.MaxDepth < 0 {
		return errors.New("plans.max_depth must not be negative")
	}
	if c.Janitor.Enabled {
		if _, err := ParseCron(c.Janitor.Cron); err != nil {
			return fmt.Errorf("janitor.cron: %w", err)
		}
	}
	if c.Orchestrator.TemporalAddr != "" && strings.TrimSpace(c.Orchestrator.TaskQueue) == "" {
		return errors.New("orchestrator.task_queue required when orchestrator.temporal_addr is set")
	}
	return nil
}

// ParseCron parses a five-field cron spec; an empty spec means every minute.
func ParseCron(spec string) (cron.Schedule, error) {
	if strings.TrimSpace(spec) == "" {
		spec = "* * * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(spec)
}
