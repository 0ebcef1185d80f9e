package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port %d, want 8080", cfg.Port)
	}
	if cfg.PingPeriod != 54*time.Second {
		t.Fatalf("ping period %s, want 54s", cfg.PingPeriod)
	}
	if len(cfg.ICEServers) == 0 {
		t.Fatal("no default ICE servers")
	}
}

func TestLoadGeneratesSecret(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg1, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg1.Secret == "" {
		t.Fatal("empty signing secret")
	}

	cfg2, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg2.Secret == cfg1.Secret {
		t.Fatal("generated secret should be random per boot")
	}
}
