package models

import (
	"fmt"
	"strings"
)

// Mode is the vendor operating mode of a heater.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeComfort Mode = "comfort"
	ModeEco     Mode = "eco"
	ModeIce     Mode = "ice"
)

// HVACMode is the coarse host-side mode.
type HVACMode string

const (
	HVACOff  HVACMode = "off"
	HVACHeat HVACMode = "heat"
)

// TempRange is an inclusive target-temperature window in °C.
type TempRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies inside the range.
func (r TempRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

var modeRanges = map[Mode]TempRange{
	ModeComfort: {Min: 15, Max: 35},
	ModeEco:     {Min: 7, Max: 25},
	ModeIce:     {Min: 5, Max: 15},
}

var modeDefaults = map[Mode]float64{
	ModeComfort: 21,
	ModeEco:     18,
	ModeIce:     7,
}

// StandbyTemperature is what the vendor writes as target when a unit is switched off.
const StandbyTemperature = 7.0

// RangeFor returns the valid target range for a mode. Off has none.
func RangeFor(m Mode) (TempRange, bool) {
	r, ok := modeRanges[m]
	return r, ok
}

// DefaultTemperature is the target a mode falls back to when the device reports no preset.
func DefaultTemperature(m Mode) float64 {
	return modeDefaults[m]
}

// Presets lists the modes a powered-on unit can run in.
func Presets() []Mode {
	return []Mode{ModeComfort, ModeEco, ModeIce}
}

// IsPreset reports whether m is one of comfort, eco or ice.
func (m Mode) IsPreset() bool {
	_, ok := modeRanges[m]
	return ok
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeOff || m.IsPreset()
}

// ParseMode normalizes user input into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// ParseHVACMode normalizes user input into an HVACMode.
func ParseHVACMode(s string) (HVACMode, error) {
	switch h := HVACMode(strings.ToLower(strings.TrimSpace(s))); h {
	case HVACOff, HVACHeat:
		return h, nil
	default:
		return "", fmt.Errorf("unknown hvac mode %q", s)
	}
}

// ModeForHVAC maps a host HVAC mode onto a vendor mode. Heat resumes the
// device's last preset, comfort when it has none.
func ModeForHVAC(h HVACMode, current DeviceState) Mode {
	if h == HVACOff {
		return ModeOff
	}
	if current.Preset.IsPreset() {
		return current.Preset
	}
	return ModeComfort
}

// HVAC maps a vendor mode back onto the host HVAC concept.
func (m Mode) HVAC() HVACMode {
	if m == ModeOff || m == "" {
		return HVACOff
	}
	return HVACHeat
}

// PresetTemperature returns the device's stored preset for m, or the mode default.
func (s DeviceState) PresetTemperature(m Mode) float64 {
	var v float64
	switch m {
	case ModeComfort:
		v = s.ComfortTemperature
	case ModeEco:
		v = s.EcoTemperature
	case ModeIce:
		v = s.IceTemperature
	}
	if r, ok := RangeFor(m); ok && r.Contains(v) {
		return v
	}
	return DefaultTemperature(m)
}

func deriveMode(powerOn bool, preset Mode) Mode {
	if !powerOn {
		return ModeOff
	}
	if preset.IsPreset() {
		return preset
	}
	return ModeComfort
}
