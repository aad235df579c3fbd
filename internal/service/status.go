package service

import (
	"time"

	"rointe_sync/internal/realtime"
)

// SyncStatus is the health view of the engine.
type SyncStatus struct {
	LoggedIn       bool            `json:"logged_in"`
	UserID         string          `json:"user_id,omitempty"`
	Connection     realtime.Status `json:"connection"`
	Degraded       bool            `json:"degraded"`
	Devices        int             `json:"devices"`
	DroppedDeltas  int64           `json:"dropped_deltas"`
	LostEvents     int64           `json:"lost_events"`
	LastDelta      time.Time       `json:"last_delta"`
	LastDiscovery  time.Time       `json:"last_discovery"`
	DiscoveryError string          `json:"discovery_error,omitempty"`
	StreamError    string          `json:"stream_error,omitempty"`
}

// Status reports connectivity and store counters. The engine is degraded when
// the last discovery failed, the stream stopped for good, or a started stream
// is not currently subscribed.
func (e *Engine) Status() SyncStatus {
	conn := e.stream.Status()

	e.mu.Lock()
	st := SyncStatus{
		Connection:    conn,
		Degraded:      e.degraded || e.streamErr != nil,
		LastDiscovery: toUTC(e.lastDiscovery),
	}
	if e.discoveryErr != nil {
		st.DiscoveryError = e.discoveryErr.Error()
	}
	if e.streamErr != nil {
		st.StreamError = e.streamErr.Error()
	}
	if e.started && !e.closed && conn.State != realtime.Subscribed {
		st.Degraded = true
	}
	e.mu.Unlock()

	st.LoggedIn = e.identity.HasSession()
	st.UserID = e.identity.UserID()
	st.Devices = e.store.Len()
	st.DroppedDeltas = e.store.Dropped()
	st.LostEvents = e.store.LostEvents()
	st.LastDelta = toUTC(e.store.LastApplied())
	return st
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
