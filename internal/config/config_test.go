package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New(), "")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.AppPort != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.AppPort)
	}
	if cfg.Pricing.Standard != 10 || cfg.Pricing.HD != 20 || cfg.Pricing.Ultra != 30 || cfg.Pricing.UpgradeSurcharge != 5 {
		t.Fatalf("unexpected default pricing: %+v", cfg.Pricing)
	}
	if cfg.Session.ConfirmationWindow != 30*time.Second || cfg.Session.TimeoutPolicy != "auto_approve" {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if !cfg.Session.RequireConfirmation || cfg.Session.StageTimeout != 600*time.Second {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GARMAX_PORT", "9090")
	t.Setenv("GARMAX_SESSION_TIMEOUT_POLICY", "AUTO_REJECT")
	t.Setenv("GARMAX_SESSION_CONFIRMATION_WINDOW", "45s")
	t.Setenv("GARMAX_PRICING_HD", "25")
	t.Setenv("GARMAX_S3_BUCKET", "renders")

	cfg, err := LoadFrom(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AppPort != 9090 {
		t.Fatalf("expected port from env, got %d", cfg.AppPort)
	}
	if cfg.Session.TimeoutPolicy != "auto_reject" {
		t.Fatalf("expected policy to be normalised, got %q", cfg.Session.TimeoutPolicy)
	}
	if cfg.Session.ConfirmationWindow != 45*time.Second {
		t.Fatalf("expected window from env, got %s", cfg.Session.ConfirmationWindow)
	}
	if cfg.Pricing.HD != 25 || cfg.ObjectStore.Bucket != "renders" {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.Pricing, cfg.ObjectStore)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garmax.yaml")
	contents := "port: 7070\nbatch:\n  enabled: true\n  max_size: 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(viper.New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppPort != 7070 || !cfg.Batch.Enabled || cfg.Batch.MaxSize != 5 {
		t.Fatalf("expected file values, got port=%d batch=%+v", cfg.AppPort, cfg.Batch)
	}
}

func TestLoadFromRejectsInvalidSettings(t *testing.T) {
	t.Setenv("GARMAX_SESSION_TIMEOUT_POLICY", "shrug")
	t.Setenv("GARMAX_PRICING_ULTRA", "-1")

	_, err := LoadFrom(viper.New(), "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"timeout_policy", "pricing"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %q, got %v", want, err)
		}
	}
}
