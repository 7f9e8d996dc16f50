package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
session_prefix: "20260101_120000"
cache:
  host: localhost
  port: 6379
document_store:
  uri: sensorhub.db
modules:
  - module_id: m1
    host: 10.0.0.1
    port: 502
    slave_addr: 1
    function_code: 4
    start_register: 0
    register_count: 2
    sensor_type: temperature
    channel_count: 2
    is_rtc: true
  - module_id: m2
    host: 10.0.0.2
    port: 8234
    slave_addr: 2
    function_code: 3
    start_register: 0
    register_count: 1
    sensor_type: wind_speed
    channel_count: 1
    conversion:
      kind: linear
      scale: 0.01
      offset: 0
      signed: false
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sensorhub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionPrefix != "20260101_120000" {
		t.Fatalf("expected explicit session prefix to be preserved, got %q", cfg.SessionPrefix)
	}
	if cfg.Acquisition.FailureThreshold != 3 {
		t.Fatalf("expected default failure threshold 3, got %d", cfg.Acquisition.FailureThreshold)
	}
	if cfg.Acquisition.ReconnectBackoff.MaxMs != 30000 {
		t.Fatalf("expected default backoff max 30000ms, got %d", cfg.Acquisition.ReconnectBackoff.MaxMs)
	}
	if cfg.Sync.PageSize != 200 {
		t.Fatalf("expected default sync page size 200, got %d", cfg.Sync.PageSize)
	}
	if cfg.Cache.PoolSize != 3 {
		t.Fatalf("expected default cache pool size 3 (2 + 1 writer), got %d", cfg.Cache.PoolSize)
	}
}

func TestLoadRejectsEmptyModuleList(t *testing.T) {
	path := writeTempConfig(t, `
cache: {host: localhost, port: 6379}
document_store: {uri: x.db}
modules: []
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an empty module list")
	}
}

func TestLoadRejectsDuplicateModuleID(t *testing.T) {
	path := writeTempConfig(t, `
cache: {host: localhost, port: 6379}
document_store: {uri: x.db}
modules:
  - {module_id: m1, host: h, port: 502, slave_addr: 1, function_code: 4, start_register: 0, register_count: 1, sensor_type: temperature, channel_count: 1}
  - {module_id: m1, host: h, port: 503, slave_addr: 1, function_code: 4, start_register: 0, register_count: 1, sensor_type: temperature, channel_count: 1}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a duplicate module_id")
	}
}

func TestModuleConfigsBuildsValidatedConfigs(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	modules, err := cfg.ModuleConfigs()
	if err != nil {
		t.Fatalf("module configs: %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("expected 2 module configs, got %d", len(modules))
	}
	if modules[1].Conversion == nil || modules[1].Conversion.Scale != 0.01 {
		t.Fatalf("expected m2's custom conversion to carry through, got %+v", modules[1].Conversion)
	}
}

func TestModuleConfigsRejectsUnknownConversionAtLoadTime(t *testing.T) {
	path := writeTempConfig(t, `
cache: {host: localhost, port: 6379}
document_store: {uri: x.db}
modules:
  - module_id: m1
    host: h
    port: 502
    slave_addr: 1
    function_code: 4
    start_register: 0
    register_count: 1
    sensor_type: temperature
    channel_count: 1
    conversion:
      kind: nonsense
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.ModuleConfigs(); err == nil {
		t.Fatalf("expected ConfigError for an unknown conversion kind")
	}
}
