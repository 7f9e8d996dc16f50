// Package decoder maps a raw Modbus register word to an engineering-unit
// float, per spec.md §4.3. Each sensor type's conversion is a pure
// function; custom conversions are data ({kind, scale, offset, signed,
// clamp}), never code, so they can be validated once at config load time
// instead of failing at runtime.
package decoder

import (
	"fmt"
	"math"

	"sensorhub/internal/model"
)

// ErrDecodeOutOfRange is returned when a plain-temperature conversion, or
// a custom conversion with a clamp range, clamps the result, signaling
// the caller to drop the sample per
// spec.md §7 (DecodeError).
var ErrDecodeOutOfRange = fmt.Errorf("decoder: value outside allowed range")

// Convert turns one raw register into an engineering-unit value for the
// given sensor type, honoring IsRTC and an optional custom conversion.
// It never returns NaN for a value that decoded successfully; spec.md's
// NaN case is reserved for the caller to construct when it chooses to
// emit an accounting-only sample instead of dropping one.
func Convert(t model.SensorType, raw uint16, isRTC bool, conversion *model.ConversionSpec) (float64, error) {
	if conversion != nil {
		return convertCustom(raw, *conversion)
	}

	switch t {
	case model.Temperature:
		if isRTC {
			return float64(int16(raw)) / 10.0, nil
		}
		v := float64(raw) / 10.0
		return clamp(v, -50, 200)
	case model.WindSpeed:
		return float64(raw) / 100.0, nil
	case model.Pressure:
		return float64(raw) / 1000.0, nil
	case model.Humidity:
		return float64(raw) / 100.0, nil
	default:
		return 0, fmt.Errorf("decoder: unknown sensor type %v", t)
	}
}

// PairedTemperatureType reports whether a sensor type decodes a
// companion channel as RTC temperature, per spec.md §4.3 (pressure and
// humidity modules carry a paired temperature register).
func PairedTemperatureType(t model.SensorType) bool {
	return t == model.Pressure || t == model.Humidity
}

func convertCustom(raw uint16, spec model.ConversionSpec) (float64, error) {
	if spec.Kind != model.ConversionLinear {
		return 0, fmt.Errorf("decoder: unsupported conversion kind %q", spec.Kind)
	}
	var base float64
	if spec.Signed {
		base = float64(int16(raw))
	} else {
		base = float64(raw)
	}
	v := base*spec.Scale + spec.Offset
	if spec.Clamp != nil {
		return clamp(v, spec.Clamp[0], spec.Clamp[1])
	}
	return v, nil
}

func clamp(v, min, max float64) (float64, error) {
	if v < min || v > max {
		clamped := math.Max(min, math.Min(max, v))
		return clamped, ErrDecodeOutOfRange
	}
	return v, nil
}

// ValidateConversion is called at config-load time (spec.md §4.3: "unknown
// names cause ConfigError at load time, never at runtime").
func ValidateConversion(spec *model.ConversionSpec) error {
	if spec == nil {
		return nil
	}
	if spec.Kind != model.ConversionLinear {
		return fmt.Errorf("decoder: unknown conversion kind %q", spec.Kind)
	}
	if spec.Clamp != nil && spec.Clamp[0] > spec.Clamp[1] {
		return fmt.Errorf("decoder: clamp range inverted: [%v, %v]", spec.Clamp[0], spec.Clamp[1])
	}
	return nil
}
