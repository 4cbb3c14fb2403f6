package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
)

// Config holds every tunable of the farm. All fields are optional on
// the wire; Defaults() fills the stated defaults.
type Config struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`             // worker process count
	Iterations   int           `mapstructure:"iterations" yaml:"iterations"`       // items per worker instance
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`             // per-item deadline
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"` // drain check interval
	ChannelAddr  string        `mapstructure:"channel_addr" yaml:"channel_addr"`   // queue channel endpoint
	EngineBinary string        `mapstructure:"engine_binary" yaml:"engine_binary"` // task engine launch path
	EngineArgs   []string      `mapstructure:"engine_args" yaml:"engine_args"`     // extra engine arguments
	BasePort     int           `mapstructure:"base_port" yaml:"base_port"`         // engine port = base + ordinal
	LogLevel     string        `mapstructure:"log_level" yaml:"log_level"`
	LogJSON      bool          `mapstructure:"log_json" yaml:"log_json"`
}

// Defaults returns the default configuration. The worker count
// defaults to the host's logical core count.
func Defaults() Config {
	return Config{
		Workers:      DetectWorkerCount(),
		Iterations:   100,
		Timeout:      60 * time.Second,
		PollInterval: 10 * time.Millisecond,
		ChannelAddr:  "127.0.0.1:7180",
		BasePort:     12300,
		LogLevel:     "info",
	}
}

// DetectWorkerCount returns the host logical core count, falling back
// to the Go runtime's view when the probe fails.
func DetectWorkerCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// SetDefaults seeds a viper instance with the default configuration
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("workers", d.Workers)
	v.SetDefault("iterations", d.Iterations)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("channel_addr", d.ChannelAddr)
	v.SetDefault("engine_binary", d.EngineBinary)
	v.SetDefault("engine_args", d.EngineArgs)
	v.SetDefault("base_port", d.BasePort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
}

// Load unmarshals and validates the effective configuration
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the farm cannot run with
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.ChannelAddr == "" {
		return fmt.Errorf("channel_addr must not be empty")
	}
	if c.BasePort < 1 || c.BasePort > 65000 {
		return fmt.Errorf("base_port out of range: %d", c.BasePort)
	}
	return nil
}
