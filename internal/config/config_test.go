package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveHome_override(t *testing.T) {
	got, err := ResolveHome("/tmp/custom-home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != "/tmp/custom-home" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("AGENTBUS_HOME", "/tmp/env-home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != "/tmp/env-home" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("AGENTBUS_HOME", "")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if filepath.Base(got) != ".agentbus" {
		t.Fatalf("got %q", got)
	}
}

func TestWithHome_HomeFrom(t *testing.T) {
	ctx := WithHome(context.Background(), "/tmp/x")
	h, ok := HomeFrom(ctx)
	if !ok || h != "/tmp/x" {
		t.Fatalf("HomeFrom: got %q, %v", h, ok)
	}
	if _, ok := HomeFrom(context.Background()); ok {
		t.Fatal("expected no home in bare context")
	}
}

func TestMustHomeFrom_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestEnsureLayout(t *testing.T) {
	home := t.TempDir()
	if err := EnsureLayout(home); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	if _, err := os.Stat(ArtifactsDir(home)); err != nil {
		t.Fatalf("artifacts dir: %v", err)
	}
	b, err := os.ReadFile(ProtocolVersionPath(home))
	if err != nil {
		t.Fatalf("protocol version file: %v", err)
	}
	if string(b) != ProtocolVersion {
		t.Fatalf("got %q", b)
	}
}

func TestLoadThresholds_defaults(t *testing.T) {
	home := t.TempDir()
	th, err := LoadThresholds(home)
	if err != nil {
		t.Fatalf("LoadThresholds: %v", err)
	}
	if th.RateLimitCapacity != 100 || th.RateLimitRefillRate != 10 {
		t.Fatalf("unexpected defaults: %+v", th)
	}
}

func TestLoadThresholds_override(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(ProtectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "rate_limit_capacity: 50\nbreaker_failure_threshold: 3\n"
	if err := os.WriteFile(ThresholdsPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	th, err := LoadThresholds(home)
	if err != nil {
		t.Fatalf("LoadThresholds: %v", err)
	}
	if th.RateLimitCapacity != 50 {
		t.Fatalf("want 50, got %d", th.RateLimitCapacity)
	}
	if th.BreakerThreshold != 3 {
		t.Fatalf("want 3, got %d", th.BreakerThreshold)
	}
	// Untouched fields keep their defaults.
	if th.RateLimitRefillRate != 10 {
		t.Fatalf("want default 10, got %v", th.RateLimitRefillRate)
	}
}
