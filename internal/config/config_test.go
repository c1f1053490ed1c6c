package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Config{}
	cfg.Gateway.HTTPAddr = ":8080"
	cfg.Storage.PostgresDSN = "dsn"
	return cfg
}

func TestValidateMissing(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateMissingStorage(t *testing.T) {
	cfg := Config{}
	cfg.Gateway.HTTPAddr = ":8080"
	cfg.Storage.Driver = StoragePostgres
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing storage")
	}
}

func TestValidateSQLiteDefault(t *testing.T) {
	cfg := Config{}
	cfg.Gateway.HTTPAddr = ":8080"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected sqlite_path to be required")
	}
	cfg.Storage.SQLitePath = "state.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateMemoryDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Storage = StorageConfig{Driver: StorageMemory}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory driver: %v", err)
	}
}

func TestValidateBands(t *testing.T) {
	cfg := validConfig()
	cfg.Policy.AllowMax = 50
	cfg.Policy.RequireApprovalMax = 40
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected band error")
	}
	if b := validConfig().Policy.Bands(); b.AllowMax != 30 || b.RequireApprovalMax != 70 {
		t.Fatalf("default bands: %+v", b)
	}
}

func TestValidateRiskWeights(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.Weights = map[string]int{"no_such_factor": 5}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown factor error")
	}
}

func TestValidateOPARequiresPackage(t *testing.T) {
	cfg := validConfig()
	cfg.Policy.OPAURL = "http://opa"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
	cfg.Policy.PolicyPackage = "actiongate"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateJanitorCron(t *testing.T) {
	cfg := validConfig()
	cfg.Janitor.Enabled = true
	cfg.Janitor.Cron = "not a cron"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cron error")
	}
	cfg.Janitor.Cron = "*/5 * * * *"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateTemporalQueue(t *testing.T) {
	cfg := validConfig()
	cfg.Orchestrator.TemporalAddr = "temporal:7233"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected task_queue error")
	}
}

func TestDurationDefaults(t *testing.T) {
	cfg := validConfig()
	if cfg.Approvals.TTL() != 15*time.Minute {
		t.Fatalf("approval ttl: %v", cfg.Approvals.TTL())
	}
	if cfg.Plans.TTL() != time.Hour {
		t.Fatalf("plan ttl: %v", cfg.Plans.TTL())
	}
	if cfg.Execution.PollInterval() != 250*time.Millisecond || cfg.Execution.StepTimeout() != 30*time.Second {
		t.Fatalf("execution: %v %v", cfg.Execution.PollInterval(), cfg.Execution.StepTimeout())
	}
	if cfg.Execution.PreconditionWait() != 0 || cfg.Execution.LockTTL() != 5*time.Minute {
		t.Fatalf("execution waits: %v %v", cfg.Execution.PreconditionWait(), cfg.Execution.LockTTL())
	}
}
