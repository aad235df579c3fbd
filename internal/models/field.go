package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Field names one mergeable attribute of DeviceState.
type Field string

const (
	FieldPower              Field = "power"
	FieldPreset             Field = "preset"
	FieldTargetTemperature  Field = "target_temperature"
	FieldCurrentTemperature Field = "current_temperature"
	FieldComfortTemperature Field = "comfort_temperature"
	FieldEcoTemperature     Field = "eco_temperature"
	FieldIceTemperature     Field = "ice_temperature"
	FieldPowerRating        Field = "power_rating"
	FieldSerialNumber       Field = "serial_number"
	FieldMAC                Field = "mac"
	FieldFirmware           Field = "firmware"
	FieldLatestFirmware     Field = "latest_firmware"
	FieldPowerConsumption   Field = "power_consumption"
	FieldEnergyConsumption  Field = "energy_consumption"
	FieldOnline             Field = "online"
	FieldScheduleMode       Field = "schedule_mode"
)

// Patch is a set of field values stamped with one server timestamp (unix ms).
// Timestamp 0 means the source carried no usable server time.
type Patch struct {
	Fields    map[Field]any
	Timestamp int64
}

// Empty reports whether the patch carries nothing.
func (p Patch) Empty() bool { return len(p.Fields) == 0 }

// SortedFields returns the patch keys in stable order.
func (p Patch) SortedFields() []Field {
	return SortFields(keysOf(p.Fields))
}

// ChangeSource tells subscribers why a device changed.
type ChangeSource string

const (
	SourceSnapshot   ChangeSource = "snapshot"
	SourceDelta      ChangeSource = "delta"
	SourceOptimistic ChangeSource = "optimistic"
	SourceRevert     ChangeSource = "revert"
)

// DeviceChanged is emitted once per affected device per store apply call.
type DeviceChanged struct {
	DeviceID string       `json:"device_id"`
	Device   Device       `json:"device"`
	Fields   []Field      `json:"fields,omitempty"`
	Source   ChangeSource `json:"source"`
	Removed  bool         `json:"removed,omitempty"`
}

// Value reads a field back out of the state.
func (s *DeviceState) Value(f Field) any {
	switch f {
	case FieldPower:
		return s.PowerOn
	case FieldPreset:
		return s.Preset
	case FieldTargetTemperature:
		return s.TargetTemperature
	case FieldCurrentTemperature:
		return s.CurrentTemperature
	case FieldComfortTemperature:
		return s.ComfortTemperature
	case FieldEcoTemperature:
		return s.EcoTemperature
	case FieldIceTemperature:
		return s.IceTemperature
	case FieldPowerRating:
		return s.PowerRating
	case FieldSerialNumber:
		return s.SerialNumber
	case FieldMAC:
		return s.MAC
	case FieldFirmware:
		return s.Firmware
	case FieldLatestFirmware:
		return s.LatestFirmware
	case FieldPowerConsumption:
		return s.PowerConsumption
	case FieldEnergyConsumption:
		return s.EnergyConsumption
	case FieldOnline:
		return s.Online
	case FieldScheduleMode:
		return s.ScheduleMode
	}
	return nil
}

// Set writes one field, coercing loosely typed JSON values. Mode is re-derived afterwards.
func (s *DeviceState) Set(f Field, v any) error {
	var err error
	switch f {
	case FieldPower:
		s.PowerOn, err = toBool(v)
	case FieldPreset:
		var str string
		if str, err = toString(v); err == nil {
			m := Mode(str)
			if m != "" && !m.IsPreset() {
				return fmt.Errorf("field %s: %q is not a preset", f, str)
			}
			s.Preset = m
		}
	case FieldTargetTemperature:
		s.TargetTemperature, err = toFloat(v)
	case FieldCurrentTemperature:
		s.CurrentTemperature, err = toFloat(v)
	case FieldComfortTemperature:
		s.ComfortTemperature, err = toFloat(v)
	case FieldEcoTemperature:
		s.EcoTemperature, err = toFloat(v)
	case FieldIceTemperature:
		s.IceTemperature, err = toFloat(v)
	case FieldPowerRating:
		var n float64
		if n, err = toFloat(v); err == nil {
			s.PowerRating = int(math.Round(n))
		}
	case FieldSerialNumber:
		s.SerialNumber, err = toString(v)
	case FieldMAC:
		s.MAC, err = toString(v)
	case FieldFirmware:
		s.Firmware, err = toString(v)
	case FieldLatestFirmware:
		s.LatestFirmware, err = toString(v)
	case FieldPowerConsumption:
		s.PowerConsumption, err = toFloat(v)
	case FieldEnergyConsumption:
		s.EnergyConsumption, err = toFloat(v)
	case FieldOnline:
		s.Online, err = toBool(v)
	case FieldScheduleMode:
		s.ScheduleMode, err = toBool(v)
	default:
		return fmt.Errorf("unknown field %q", f)
	}
	if err != nil {
		return fmt.Errorf("field %s: %w", f, err)
	}
	s.Mode = deriveMode(s.PowerOn, s.Preset)
	return nil
}

// MarkPending records the fields awaiting server confirmation.
func (s *DeviceState) MarkPending(fields []Field) {
	s.Pending = SortFields(fields)
}

// UnixMilli converts a server timestamp into time.Time, zero for 0.
func UnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SortFields sorts in place and returns the slice.
func SortFields(fs []Field) []Field {
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	return fs
}

func keysOf(m map[Field]any) []Field {
	out := make([]Field, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("not a bool: %T", v)
	}
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case Mode:
		return string(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	default:
		return "", fmt.Errorf("not a string: %T", v)
	}
}
