package pulse

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate(): %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk duration", func(c *Config) { c.Storage.ChunkDuration = 0 }},
		{"negative cold horizon", func(c *Config) { c.Storage.ColdAfter = -1 }},
		{"negative retention", func(c *Config) { c.Retention.MaxAge = -1 }},
		{"durable without path", func(c *Config) { c.InMemory = false; c.Snapshot.Path = "" }},
		{"zero seasonal period", func(c *Config) { c.Detection.Seasonal.Period = 0 }},
		{"zero window step", func(c *Config) { c.Detection.MovingWindow.Step = 0 }},
		{"step wider than window", func(c *Config) {
			c.Detection.MovingWindow.Width = 100
			c.Detection.MovingWindow.Step = 200
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	raw := `
storage:
  chunk_duration: 1800
  codec: zstd
retention:
  max_age: 604800
detection:
  seasonal:
    model: multiplicative
  changepoint:
    method: pelt
    penalty: 2.5
  moving_window:
    statistic: trend_slope
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.ChunkDuration != 1800 {
		t.Errorf("chunk_duration = %d", cfg.Storage.ChunkDuration)
	}
	if cfg.Storage.Codec != CodecZstd {
		t.Errorf("codec = %v", cfg.Storage.Codec)
	}
	if cfg.Detection.Seasonal.Model != Multiplicative {
		t.Errorf("seasonal model = %v", cfg.Detection.Seasonal.Model)
	}
	if cfg.Detection.Changepoint.Method != PELT || cfg.Detection.Changepoint.Penalty != 2.5 {
		t.Errorf("changepoint = %+v", cfg.Detection.Changepoint)
	}
	if cfg.Detection.MovingWindow.Statistic != TrendSlope {
		t.Errorf("window statistic = %v", cfg.Detection.MovingWindow.Statistic)
	}

	// Unset fields keep their defaults.
	if cfg.Storage.ColdAfter != 86400 {
		t.Errorf("cold_after = %d, want default", cfg.Storage.ColdAfter)
	}
	if cfg.Detection.Multivariate.CorrelationThreshold != 0.7 {
		t.Errorf("correlation_threshold = %v, want default", cfg.Detection.Multivariate.CorrelationThreshold)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  chunk_duration: -10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
