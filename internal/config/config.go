// SPDX-License-Identifier: MIT

// Package config loads, validates and hot-reloads the daemon configuration:
// a YAML file with PISOND_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLine is one price table entry in the config file.
type RateLine struct {
	Amount   int `yaml:"amount"`
	Minutes  int `yaml:"minutes"`
	DownKbps int `yaml:"down_kbps"`
	UpKbps   int `yaml:"up_kbps"`
}

// Log configures the zerolog output.
type Log struct {
	Level  string `yaml:"level"`  // trace..panic
	Format string `yaml:"format"` // json or console
}

// Coin configures the insert window and the pulse-flood ban.
type Coin struct {
	IdleTimeoutSeconds     int `yaml:"idle_timeout_seconds"`
	AbsoluteTimeoutSeconds int `yaml:"absolute_timeout_seconds"`
	BanLimitPulses         int `yaml:"ban_limit_pulses_per_window"`
	BanWindowSeconds       int `yaml:"ban_window_seconds"`
	BanMinutes             int `yaml:"ban_minutes"`
}

// Gate configures the failed-attempt lockout.
type Gate struct {
	BanLimit   int `yaml:"ban_limit"`
	BanMinutes int `yaml:"ban_minutes"`
}

// Idle configures the idle monitor.
type Idle struct {
	StallSeconds int `yaml:"stall_seconds"`
}

// Ingest configures the sub-vendo listener.
type Ingest struct {
	Addr              string `yaml:"addr"`
	SubVendoKey       string `yaml:"sub_vendo_key"`
	RateLimit         int    `yaml:"rate_limit"`
	RateWindowSeconds int    `yaml:"rate_window_seconds"`
}

// Redis configures the optional event bus backend. An empty Addr selects
// the in-process bus.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FreeTime configures the periodic free grant.
type FreeTime struct {
	Enabled      bool `yaml:"enabled"`
	Minutes      int  `yaml:"minutes"`
	ReclaimHours int  `yaml:"reclaim_hours"`
}

// Telemetry configures OTLP tracing.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"` // grpc or http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Config is the frozen daemon configuration. Holder hands out copies;
// nothing mutates a Config after Load.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	Iface       string `yaml:"iface"`
	MetricsAddr string `yaml:"metrics_addr"`
	TimeZone    string `yaml:"time_zone"`

	Log       Log        `yaml:"log"`
	Coin      Coin       `yaml:"coin"`
	Gate      Gate       `yaml:"gate"`
	Idle      Idle       `yaml:"idle"`
	Ingest    Ingest     `yaml:"ingest"`
	Redis     Redis      `yaml:"redis"`
	FreeTime  FreeTime   `yaml:"free_time"`
	Telemetry Telemetry  `yaml:"telemetry"`
	Rates     []RateLine `yaml:"rates"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir:     "/var/lib/pisond",
		Iface:       "br-lan",
		MetricsAddr: ":9814",
		TimeZone:    "Asia/Manila",
		Log:         Log{Level: "info", Format: "json"},
		Coin: Coin{
			IdleTimeoutSeconds:     30,
			AbsoluteTimeoutSeconds: 60,
			BanLimitPulses:         30,
			BanWindowSeconds:       10,
			BanMinutes:             5,
		},
		Gate: Gate{BanLimit: 5, BanMinutes: 10},
		Idle: Idle{StallSeconds: 120},
		Ingest: Ingest{
			Addr:              ":8814",
			RateLimit:         60,
			RateWindowSeconds: 60,
		},
		FreeTime: FreeTime{Enabled: false, Minutes: 5, ReclaimHours: 24},
		Rates: []RateLine{
			{Amount: 1, Minutes: 1},
			{Amount: 5, Minutes: 7},
			{Amount: 10, Minutes: 15},
		},
	}
}

// Load reads path (optional), applies PISOND_* overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("PISOND_DATA_DIR", &cfg.DataDir)
	setString("PISOND_IFACE", &cfg.Iface)
	setString("PISOND_METRICS_ADDR", &cfg.MetricsAddr)
	setString("PISOND_TZ", &cfg.TimeZone)
	setString("PISOND_LOG_LEVEL", &cfg.Log.Level)
	setString("PISOND_INGEST_ADDR", &cfg.Ingest.Addr)
	setString("PISOND_SUB_VENDO_KEY", &cfg.Ingest.SubVendoKey)
	setString("PISOND_REDIS_ADDR", &cfg.Redis.Addr)
	setString("PISOND_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("PISOND_REDIS_DB", &cfg.Redis.DB)
}

// Validate rejects configurations the daemon cannot run with. A failed
// validation during reload keeps the previous configuration.
func Validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if cfg.Iface == "" {
		return fmt.Errorf("config: iface is required")
	}
	if len(cfg.Rates) == 0 {
		return fmt.Errorf("config: at least one rate line is required")
	}
	for i, r := range cfg.Rates {
		if r.Amount <= 0 || r.Minutes <= 0 {
			return fmt.Errorf("config: rate %d: amount and minutes must be positive", i)
		}
	}
	if cfg.Coin.IdleTimeoutSeconds <= 0 || cfg.Coin.AbsoluteTimeoutSeconds <= 0 {
		return fmt.Errorf("config: coin timeouts must be positive")
	}
	if cfg.Coin.AbsoluteTimeoutSeconds < cfg.Coin.IdleTimeoutSeconds {
		return fmt.Errorf("config: coin absolute timeout must be >= idle timeout")
	}
	if cfg.FreeTime.Enabled && cfg.FreeTime.Minutes <= 0 {
		return fmt.Errorf("config: free_time.minutes must be positive when enabled")
	}
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		return fmt.Errorf("config: invalid time_zone %q: %w", cfg.TimeZone, err)
	}
	return nil
}
