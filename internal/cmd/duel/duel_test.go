package duel

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("duel", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default http port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.GRPCPort != 8089 {
		t.Fatalf("expected default grpc port 8089, got %d", cfg.GRPCPort)
	}
	if cfg.DBPath != "data/duel.db" {
		t.Fatalf("expected default db path data/duel.db, got %q", cfg.DBPath)
	}
	if cfg.ResponseWindow != time.Minute {
		t.Fatalf("expected default response window 60s, got %v", cfg.ResponseWindow)
	}
	if cfg.SessionDuration != 10*time.Minute {
		t.Fatalf("expected default session duration 600s, got %v", cfg.SessionDuration)
	}
	if cfg.PresenceTTL != 90*time.Second {
		t.Fatalf("expected default presence ttl 90s, got %v", cfg.PresenceTTL)
	}
	if cfg.AbortOnDisconnect {
		t.Fatal("expected abort on disconnect to default off")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("DUELGROUND_DUEL_HTTP_PORT", "9080")
	t.Setenv("DUELGROUND_DUEL_RESPONSE_WINDOW", "30s")

	fs := flag.NewFlagSet("duel", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-port", "9081", "-abort-on-disconnect"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 9081 {
		t.Fatalf("expected http port override 9081, got %d", cfg.HTTPPort)
	}
	if cfg.ResponseWindow != 30*time.Second {
		t.Fatalf("expected response window 30s, got %v", cfg.ResponseWindow)
	}
	if !cfg.AbortOnDisconnect {
		t.Fatal("expected abort on disconnect flag to enable the policy")
	}
}
