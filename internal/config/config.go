// Package config loads the root YAML configuration for sensorhub,
// mirroring the teacher's internal/collector.LoadYAML: a single
// RootConfig struct with yaml tags, defaults applied after unmarshal,
// then validated before any component is built.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sensorhub/internal/decoder"
	"sensorhub/internal/model"
)

// RootConfig is the top-level shape of a sensorhub YAML file
// (spec.md §6 "Configuration").
type RootConfig struct {
	Modules       []ModuleYAML      `yaml:"modules"`
	Cache         CacheConfig       `yaml:"cache"`
	DocumentStore DocStoreConfig    `yaml:"document_store"`
	SessionPrefix string            `yaml:"session_prefix"`
	Acquisition   AcquisitionConfig `yaml:"acquisition"`
	Sync          SyncConfig        `yaml:"sync"`
}

// ModuleYAML is the on-disk shape of one ModuleConfig.
type ModuleYAML struct {
	ModuleID string `yaml:"module_id"`

	Transport string `yaml:"transport"` // "tcp" (default) or "serial"
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Serial    struct {
		Address  string `yaml:"address"`
		BaudRate int    `yaml:"baud_rate"`
		DataBits int    `yaml:"data_bits"`
		StopBits int    `yaml:"stop_bits"`
		Parity   string `yaml:"parity"`
	} `yaml:"serial"`

	SlaveAddr     int `yaml:"slave_addr"`
	FunctionCode  int `yaml:"function_code"`
	StartRegister int `yaml:"start_register"`
	RegisterCount int `yaml:"register_count"`

	PollIntervalMs int `yaml:"poll_interval_ms"`

	SensorType   string `yaml:"sensor_type"`
	ChannelCount int    `yaml:"channel_count"`
	IsRTC        bool   `yaml:"is_rtc"`

	Conversion *ConversionYAML `yaml:"conversion"`
}

// ConversionYAML is the on-disk shape of a custom ConversionSpec
// (spec.md §4.3: "{kind, scale, offset, signed, clamp}").
type ConversionYAML struct {
	Kind   string      `yaml:"kind"`
	Scale  float64     `yaml:"scale"`
	Offset float64     `yaml:"offset"`
	Signed bool        `yaml:"signed"`
	Clamp  *[2]float64 `yaml:"clamp"`
}

// CacheConfig wires the Redis-shaped cache tier.
type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

// Addr formats Host:Port for a redis.Options.Addr.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DocStoreConfig wires the durable document tier. URI is a filesystem
// path to a pure-Go SQLite database file (spec.md's document_store.uri,
// generalized from a network URI to a local path since the teacher's
// document tier is embedded, not a separate server).
type DocStoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// AcquisitionConfig carries the process-wide acquisition defaults every
// ModuleConfig falls back to when a per-module value is unset.
type AcquisitionConfig struct {
	DefaultPollIntervalMs int         `yaml:"default_poll_interval_ms"`
	DefaultReadTimeoutMs  int         `yaml:"default_read_timeout_ms"`
	ReconnectBackoff      BackoffYAML `yaml:"reconnect_backoff"`
	FailureThreshold      int         `yaml:"failure_threshold"`
}

// BackoffYAML is the on-disk shape of model.BackoffConfig.
type BackoffYAML struct {
	InitialMs  int     `yaml:"initial_ms"`
	MaxMs      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	JitterPct  float64 `yaml:"jitter_pct"`
}

// SyncConfig configures internal/sync's four workers (spec.md §4.8).
type SyncConfig struct {
	RealtimePeriodMs   int `yaml:"realtime_period_ms"`
	HistoricalPeriodMs int `yaml:"historical_period_ms"`
	TimeseriesPeriodMs int `yaml:"timeseries_period_ms"`
	StatisticsPeriodMs int `yaml:"statistics_period_ms"`
	PageSize           int `yaml:"page_size"`
}

// Load reads and validates a sensorhub configuration file, applying
// every documented default (spec.md §4.2, §4.4, §4.8) the way the
// teacher's LoadYAML applies its own system defaults.
func Load(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = time.Now().Format("20060102_150405")
	}
	if cfg.Cache.PoolSize <= 0 {
		cfg.Cache.PoolSize = 2 + 1
	}
	if cfg.Acquisition.DefaultPollIntervalMs <= 0 {
		cfg.Acquisition.DefaultPollIntervalMs = 1000
	}
	if cfg.Acquisition.DefaultReadTimeoutMs <= 0 {
		cfg.Acquisition.DefaultReadTimeoutMs = 1000
	}
	if cfg.Acquisition.FailureThreshold <= 0 {
		cfg.Acquisition.FailureThreshold = 3
	}
	if cfg.Acquisition.ReconnectBackoff.InitialMs <= 0 {
		cfg.Acquisition.ReconnectBackoff.InitialMs = 1000
	}
	if cfg.Acquisition.ReconnectBackoff.MaxMs <= 0 {
		cfg.Acquisition.ReconnectBackoff.MaxMs = 30000
	}
	if cfg.Acquisition.ReconnectBackoff.Multiplier <= 0 {
		cfg.Acquisition.ReconnectBackoff.Multiplier = 2
	}
	if cfg.Acquisition.ReconnectBackoff.JitterPct <= 0 {
		cfg.Acquisition.ReconnectBackoff.JitterPct = 0.2
	}
	if cfg.Sync.RealtimePeriodMs <= 0 {
		cfg.Sync.RealtimePeriodMs = 1000
	}
	if cfg.Sync.HistoricalPeriodMs <= 0 {
		cfg.Sync.HistoricalPeriodMs = 5000
	}
	if cfg.Sync.TimeseriesPeriodMs <= 0 {
		cfg.Sync.TimeseriesPeriodMs = 2000
	}
	if cfg.Sync.StatisticsPeriodMs <= 0 {
		cfg.Sync.StatisticsPeriodMs = 10000
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = 200
	}

	if len(cfg.Modules) == 0 {
		return RootConfig{}, fmt.Errorf("config: no modules configured")
	}
	seen := make(map[string]bool, len(cfg.Modules))
	for _, m := range cfg.Modules {
		if seen[m.ModuleID] {
			return RootConfig{}, fmt.Errorf("config: duplicate module_id %q", m.ModuleID)
		}
		seen[m.ModuleID] = true
	}
	return cfg, nil
}

// ModuleConfigs converts every ModuleYAML into a validated
// model.ModuleConfig, applying the acquisition-wide defaults and
// rejecting unknown conversions at load time (spec.md §4.3: "Unknown
// names cause ConfigError at load time, never at runtime").
func (c RootConfig) ModuleConfigs() ([]model.ModuleConfig, error) {
	out := make([]model.ModuleConfig, 0, len(c.Modules))
	for _, my := range c.Modules {
		sensorType, err := model.ParseSensorType(my.SensorType)
		if err != nil {
			return nil, fmt.Errorf("config: module %s: %w", my.ModuleID, err)
		}

		mc := model.ModuleConfig{
			ModuleID:         my.ModuleID,
			SessionPrefix:    c.SessionPrefix,
			Transport:        model.TransportKind(my.Transport),
			Host:             my.Host,
			Port:             my.Port,
			SlaveAddr:        byte(my.SlaveAddr),
			FunctionCode:     byte(my.FunctionCode),
			StartRegister:    uint16(my.StartRegister),
			RegisterCount:    uint16(my.RegisterCount),
			PollInterval:     msOrDefault(my.PollIntervalMs, c.Acquisition.DefaultPollIntervalMs),
			SensorType:       sensorType,
			ChannelCount:     my.ChannelCount,
			IsRTC:            my.IsRTC,
			ReadTimeout:      time.Duration(c.Acquisition.DefaultReadTimeoutMs) * time.Millisecond,
			FailureThreshold: c.Acquisition.FailureThreshold,
			Backoff: model.BackoffConfig{
				Initial:    time.Duration(c.Acquisition.ReconnectBackoff.InitialMs) * time.Millisecond,
				Max:        time.Duration(c.Acquisition.ReconnectBackoff.MaxMs) * time.Millisecond,
				Multiplier: c.Acquisition.ReconnectBackoff.Multiplier,
				JitterPct:  c.Acquisition.ReconnectBackoff.JitterPct,
			},
		}
		mc.Serial = model.SerialParams{
			Address:  my.Serial.Address,
			BaudRate: my.Serial.BaudRate,
			DataBits: my.Serial.DataBits,
			StopBits: my.Serial.StopBits,
			Parity:   my.Serial.Parity,
		}
		if my.Conversion != nil {
			spec := model.ConversionSpec{
				Kind:   model.ConversionKind(my.Conversion.Kind),
				Scale:  my.Conversion.Scale,
				Offset: my.Conversion.Offset,
				Signed: my.Conversion.Signed,
				Clamp:  my.Conversion.Clamp,
			}
			if err := decoder.ValidateConversion(&spec); err != nil {
				return nil, fmt.Errorf("config: module %s: %w", my.ModuleID, err)
			}
			mc.Conversion = &spec
		}
		if err := mc.Validate(); err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, nil
}

func msOrDefault(ms, fallbackMs int) time.Duration {
	if ms <= 0 {
		ms = fallbackMs
	}
	return time.Duration(ms) * time.Millisecond
}
