package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
cache:
  backend: memory
  early_refresh_window: 0.2
tiers:
  weekly:
    ttl: 2h
    representation: hash
  first_page:
    max_members: 30
score:
  decay_factor: 0.8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cache.Backend != "memory" || cfg.Cache.EarlyRefreshWindow != 0.2 {
		t.Errorf("Expected cache overrides, got %+v", cfg.Cache)
	}
	if cfg.Cache.Timeout != 500*time.Millisecond {
		t.Errorf("Expected default cache timeout 500ms, got %v", cfg.Cache.Timeout)
	}

	specs := cfg.TierSpecs()
	weekly := specs[feed.TierWeekly]
	if weekly.TTL != 2*time.Hour || weekly.Representation != feed.RepresentationHash {
		t.Errorf("Expected weekly override, got %+v", weekly)
	}
	if weekly.MaxMembers != feed.DefaultTierSpecs()[feed.TierWeekly].MaxMembers {
		t.Errorf("Expected weekly max members to keep its default, got %d", weekly.MaxMembers)
	}
	if specs[feed.TierFirstPage].MaxMembers != 30 {
		t.Errorf("Expected first page max 30, got %d", specs[feed.TierFirstPage].MaxMembers)
	}
	if specs[feed.TierRealtime].Representation != feed.RepresentationHash {
		t.Errorf("Expected realtime default representation hash, got %s", specs[feed.TierRealtime].Representation)
	}
	if cfg.Score.DecayFactor != 0.8 {
		t.Errorf("Expected decay factor 0.8, got %v", cfg.Score.DecayFactor)
	}

	t.Log("✓ Config merges tier overrides onto defaults")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FEED_CACHE_BACKEND", "memory")
	t.Setenv("FEED_SCORE_DECAY_FACTOR", "0.5")

	cfg, err := Load(writeConfig(t, "http:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.Backend != "memory" || cfg.Score.DecayFactor != 0.5 || cfg.HTTP.Port != 9000 {
		t.Errorf("Expected env overrides, got backend=%s decay=%v port=%d",
			cfg.Cache.Backend, cfg.Score.DecayFactor, cfg.HTTP.Port)
	}

	t.Log("✓ Environment variables override file values")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad backend", "cache:\n  backend: etcd\n", "invalid cache backend"},
		{"bad window", "cache:\n  backend: memory\n  early_refresh_window: 1.5\n", "early refresh window"},
		{"bad decay", "cache:\n  backend: memory\nscore:\n  decay_factor: 1.5\n", "decay factor"},
		{"unknown tier", "cache:\n  backend: memory\ntiers:\n  monthly:\n    ttl: 1h\n", "unknown tier"},
		{"bad representation", "cache:\n  backend: memory\ntiers:\n  legend:\n    representation: list\n", "invalid representation"},
		{"sns without topic", "cache:\n  backend: memory\naws:\n  enabled: true\n  sns_topic_arn: \"\"\n", "SNS topic ARN"},
		{"bad log level", "cache:\n  backend: memory\nobservability:\n  logging:\n    level: trace\n", "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	t.Log("✓ Validation rejects bad configuration")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}

	t.Log("✓ Missing explicit config file is an error")
}
