package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration invalid: %v", err)
	}
	if cfg.Workers < 1 {
		t.Errorf("Expected at least one worker by default, got %d", cfg.Workers)
	}
	if cfg.Iterations != 100 {
		t.Errorf("Expected default iteration budget 100, got %d", cfg.Iterations)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Expected default timeout 60s, got %s", cfg.Timeout)
	}
	if cfg.BasePort != 12300 {
		t.Errorf("Expected default base port 12300, got %d", cfg.BasePort)
	}
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("workers", 4)
	v.Set("timeout", "250ms")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("Override not applied: workers = %d", cfg.Workers)
	}
	if cfg.Timeout != 250*time.Millisecond {
		t.Errorf("Duration override not parsed: %s", cfg.Timeout)
	}
	if cfg.Iterations != 100 {
		t.Errorf("Untouched default changed: iterations = %d", cfg.Iterations)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative iterations", func(c *Config) { c.Iterations = -1 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"empty channel address", func(c *Config) { c.ChannelAddr = "" }},
		{"base port out of range", func(c *Config) { c.BasePort = 70000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("workers", 0)

	if _, err := Load(v); err == nil {
		t.Fatal("Expected Load to reject zero workers")
	}
}
