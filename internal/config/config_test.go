package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Env != "development" {
		t.Fatalf("Env = %s", cfg.Env)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %s", cfg.Port)
	}
	if cfg.SchedulerSyncInterval != 10*time.Second {
		t.Fatalf("SchedulerSyncInterval = %v", cfg.SchedulerSyncInterval)
	}
	if !cfg.EnableCatchup {
		t.Fatal("EnableCatchup default must be true")
	}
	if cfg.IsProduction() {
		t.Fatal("development config reports production")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app?sslmode=require")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("SCHEDULER_SYNC_INTERVAL", "1m")
	t.Setenv("SCHEDULER_CATCHUP", "false")
	t.Setenv("SCHEDULER_MAX_CATCHUP_RUNS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsProduction() {
		t.Fatal("production config not detected")
	}
	if cfg.Port != "9000" {
		t.Fatalf("Port = %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/app?sslmode=require" {
		t.Fatalf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Fatalf("NATSURL = %s", cfg.NATSURL)
	}
	if cfg.SchedulerSyncInterval != time.Minute {
		t.Fatalf("SchedulerSyncInterval = %v", cfg.SchedulerSyncInterval)
	}
	if cfg.EnableCatchup {
		t.Fatal("EnableCatchup = true, want false")
	}
	if cfg.MaxCatchupRuns != 7 {
		t.Fatalf("MaxCatchupRuns = %d", cfg.MaxCatchupRuns)
	}
}

func TestLoadRejectsBadInterval(t *testing.T) {
	t.Setenv("SCHEDULER_SYNC_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid interval")
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("TIDALFLOW_TEST_INT", "abc")
	if got := getEnvInt("TIDALFLOW_TEST_INT", 42); got != 42 {
		t.Fatalf("getEnvInt = %d, want fallback", got)
	}
	t.Setenv("TIDALFLOW_TEST_BOOL", "maybe")
	if got := getEnvBool("TIDALFLOW_TEST_BOOL", true); got != true {
		t.Fatal("getEnvBool must fall back on parse error")
	}
}
