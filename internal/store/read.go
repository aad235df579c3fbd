package store

import (
	"sort"
	"time"

	"rointe_sync/internal/models"
)

// Get returns a copy of the device.
func (s *Store) Get(deviceID string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return e.dev.Clone(), true
}

// Tree returns a deep copy of the installation graph.
func (s *Store) Tree() []models.Installation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Installation, 0, len(s.installations))
	for _, in := range s.installations {
		out = append(out, in.Clone())
	}
	return out
}

// Devices returns copies of all devices ordered by id.
func (s *Store) Devices() []models.Device {
	s.mu.RLock()
	out := make([]models.Device, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e.dev.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupBySerial resolves the realtime key of a device to its id.
func (s *Store) LookupBySerial(serial string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySerial[serial]
	return id, ok
}

// Serials lists the serial numbers of all known devices.
func (s *Store) Serials() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.bySerial))
	for serial := range s.bySerial {
		out = append(out, serial)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ZoneIDs lists all known zone ids.
func (s *Store) ZoneIDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.zones))
	for id := range s.zones {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// DevicesInZone returns the ids of the devices in a zone.
func (s *Store) DevicesInZone(zoneID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(z.Devices))
	for _, d := range z.Devices {
		out = append(out, d.ID)
	}
	return out
}

// Len is the number of devices held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Dropped is the number of deltas that carried at least one stale field.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// LostEvents counts notifications discarded because a subscriber was full.
func (s *Store) LostEvents() int64 { return s.lostEvents.Load() }

// LastApplied is the wall-clock time of the last snapshot or delta, zero if none.
func (s *Store) LastApplied() time.Time {
	ms := s.lastApplied.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
