package config

import "testing"

type sampleConfig struct {
	Addr   string `env:"TALKBACK_TEST_ADDR" envDefault:":9000"`
	DBPath string `env:"TALKBACK_TEST_DB_PATH"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg sampleConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "" {
		t.Fatalf("expected empty db path, got %q", cfg.DBPath)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("TALKBACK_TEST_ADDR", "env-addr")
	t.Setenv("TALKBACK_TEST_DB_PATH", "env-db")

	var cfg sampleConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "env-addr" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "env-db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
}

func TestParseEnvNilTarget(t *testing.T) {
	if err := ParseEnv(nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}
