// Package model holds the shared sensor data model used across the
// acquisition, cache, and document-store layers: sensor types, readings,
// and the static configuration each I/O module is wired up from.
package model

import (
	"fmt"
	"time"
)

// SensorType tags the kind of measurement a channel produces and, with
// it, the decoding and unit conventions in package decoder.
type SensorType int

const (
	Temperature SensorType = iota
	WindSpeed
	Pressure
	Humidity
)

func (t SensorType) String() string {
	switch t {
	case Temperature:
		return "temperature"
	case WindSpeed:
		return "wind_speed"
	case Pressure:
		return "pressure"
	case Humidity:
		return "humidity"
	default:
		return "unknown"
	}
}

// Unit returns the engineering unit for the sensor type.
func (t SensorType) Unit() string {
	switch t {
	case Temperature:
		return "°C"
	case WindSpeed:
		return "m/s"
	case Pressure:
		return "kPa"
	case Humidity:
		return "%RH"
	default:
		return ""
	}
}

// ParseSensorType accepts both the canonical string form and the legacy
// bare "temperature" spelling used by the flat (pre-session-prefix) key
// schema.
func ParseSensorType(s string) (SensorType, error) {
	switch s {
	case "temperature":
		return Temperature, nil
	case "wind_speed":
		return WindSpeed, nil
	case "pressure":
		return Pressure, nil
	case "humidity":
		return Humidity, nil
	default:
		return 0, fmt.Errorf("unknown sensor type %q", s)
	}
}

// SensorReading is one decoded sample from one channel at one instant.
// It is produced once by a Module Reader and never mutated afterward.
type SensorReading struct {
	ModuleID      string
	SensorType    SensorType
	SensorID      string // convention: {type}_{module}_{channel:02}
	Channel       int
	Timestamp     time.Time
	Raw           uint16
	Value         float64 // NaN iff decoding failed but the sample is still accounted for
	Unit          string
	SessionPrefix string // groups all samples from one acquisition run (spec.md §3)
}

// SensorID builds the globally unique id for a channel per the
// "{type}_{module}_{channel:02}" convention.
func SensorID(t SensorType, moduleID string, channel int) string {
	return fmt.Sprintf("%s_%s_%02d", t.String(), moduleID, channel)
}

// ConversionKind names a custom, data-driven decoder entry (spec.md §4.3).
type ConversionKind string

const ConversionLinear ConversionKind = "linear"

// ConversionSpec is a named, parameterized override of a sensor type's
// built-in decoder. It is data, not code, so it can be validated and
// rejected at config-load time instead of at runtime.
type ConversionSpec struct {
	Kind   ConversionKind
	Scale  float64
	Offset float64
	Signed bool
	Clamp  *[2]float64 // optional [min, max]
}

// TransportKind selects how a Module Reader dials its I/O module.
type TransportKind string

const (
	TransportTCP    TransportKind = "tcp"
	TransportSerial TransportKind = "serial"
)

// SerialParams configures a direct serial-line transport, mirroring the
// parameters a real RTU line needs (baud, parity, stop bits).
type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// ModuleConfig is the static, immutable-once-started wiring for one I/O
// module.
type ModuleConfig struct {
	ModuleID string

	// SessionPrefix groups every reading this module produces under the
	// process's acquisition run (spec.md §3); set once by config.Load,
	// shared by every ModuleConfig in the same process.
	SessionPrefix string

	// Transport defaults to TCP; Host/Port are used for TransportTCP,
	// Serial for TransportSerial.
	Transport TransportKind
	Host      string
	Port      int
	Serial    SerialParams

	SlaveAddr     byte
	FunctionCode  byte // 3 or 4
	StartRegister uint16
	RegisterCount uint16 // 1..125

	PollInterval time.Duration

	SensorType   SensorType
	ChannelCount int
	Conversion   *ConversionSpec
	IsRTC        bool // affects temperature conversion

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	FailureThreshold int
	Backoff          BackoffConfig
}

// BackoffConfig bounds the Reconnecting-state backoff delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	JitterPct  float64
}

// DefaultBackoff matches spec.md §4.2's defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		JitterPct:  0.2,
	}
}

// Validate checks the invariants from spec.md §3 and fills in documented
// defaults. It is the only place ConfigError-class problems are raised;
// everything downstream assumes a validated config.
func (c *ModuleConfig) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("module config: module_id is required")
	}
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	switch c.Transport {
	case TransportTCP:
		if c.Host == "" || c.Port <= 0 {
			return fmt.Errorf("module %s: host and port are required for tcp transport", c.ModuleID)
		}
	case TransportSerial:
		if c.Serial.Address == "" {
			return fmt.Errorf("module %s: serial.address is required for serial transport", c.ModuleID)
		}
	default:
		return fmt.Errorf("module %s: unknown transport %q", c.ModuleID, c.Transport)
	}
	if c.SlaveAddr < 1 || c.SlaveAddr > 247 {
		return fmt.Errorf("module %s: slave_addr must be 1..247, got %d", c.ModuleID, c.SlaveAddr)
	}
	if c.FunctionCode != 3 && c.FunctionCode != 4 {
		return fmt.Errorf("module %s: function_code must be 3 or 4, got %d", c.ModuleID, c.FunctionCode)
	}
	if c.RegisterCount < 1 || c.RegisterCount > 125 {
		return fmt.Errorf("module %s: register_count must be 1..125, got %d", c.ModuleID, c.RegisterCount)
	}
	if c.ChannelCount <= 0 {
		return fmt.Errorf("module %s: channel_count must be positive", c.ModuleID)
	}
	if uint16(c.ChannelCount) > c.RegisterCount {
		return fmt.Errorf("module %s: channel_count (%d) exceeds register_count (%d)", c.ModuleID, c.ChannelCount, c.RegisterCount)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 1 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return nil
}
