package models

import "time"

// Command outcomes recorded in the audit log.
const (
	CommandSent     = "SENT"
	CommandFailed   = "FAILED"
	CommandRejected = "REJECTED"
)

// Command kinds.
const (
	CommandSetMode        = "SET_MODE"
	CommandSetTemperature = "SET_TEMPERATURE"
	CommandSetSchedule    = "SET_SCHEDULE"
)

// ValidCommandType reports whether t names a command kind.
func ValidCommandType(t string) bool {
	switch t {
	case CommandSetMode, CommandSetTemperature, CommandSetSchedule:
		return true
	}
	return false
}

// ValidCommandOutcome reports whether o names a recorded outcome.
func ValidCommandOutcome(o string) bool {
	switch o {
	case CommandSent, CommandFailed, CommandRejected:
		return true
	}
	return false
}

// CommandRecord is one entry of the command audit log.
type CommandRecord struct {
	CommandID  string         `json:"command_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	DeviceID   string         `json:"device_id"`
	Type       string         `json:"type"`
	Outcome    string         `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
