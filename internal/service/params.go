package service

import "time"

// ModeParams is a mode change request. Exactly one of Mode or HVACMode is set.
type ModeParams struct {
	Mode     string // "off" | "comfort" | "eco" | "ice"
	HVACMode string // "off" | "heat"
}

// LogFilter selects command history entries. Zero fields match everything.
type LogFilter struct {
	From     time.Time // inclusive
	To       time.Time // inclusive
	DeviceID string
	Type     string // SET_MODE, SET_TEMPERATURE or SET_SCHEDULE, any case
	Outcome  string // SENT, FAILED or REJECTED, any case
	Limit    int    // 0 means the default page size
}
