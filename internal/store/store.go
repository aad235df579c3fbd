package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
)

// ErrUnknownDevice is returned for operations on a device the store does not hold.
var ErrUnknownDevice = errors.New("unknown device")

// DefaultSubscriberBuffer is the channel capacity handed to subscribers.
const DefaultSubscriberBuffer = 64

// pending is an optimistic field awaiting server confirmation.
type pending struct {
	confirmed any
}

// entry is the store-side record of a device. dev is mutated in place and never replaced.
type entry struct {
	dev     *models.Device
	stamps  map[models.Field]int64
	pending map[models.Field]pending
}

// Store is the canonical in-memory device graph. All mutation happens under mu;
// readers get copies.
type Store struct {
	mu            sync.RWMutex
	installations []*models.Installation
	devices       map[string]*entry
	bySerial      map[string]string
	zones         map[string]*models.Zone

	pubMu   sync.Mutex
	subs    map[int]chan models.DeviceChanged
	nextSub int

	dropped     atomic.Int64
	lostEvents  atomic.Int64
	lastApplied atomic.Int64

	log *logger.Logger
	now func() time.Time
}

func New(log *logger.Logger) *Store {
	return &Store{
		devices:  make(map[string]*entry),
		bySerial: make(map[string]string),
		zones:    make(map[string]*models.Zone),
		subs:     make(map[int]chan models.DeviceChanged),
		log:      log.Named("store"),
		now:      time.Now,
	}
}

// ApplySnapshot merges a discovery result. Known devices keep their identity
// and take snapshot fields under the timestamp rule; devices absent from the
// snapshot are removed.
func (s *Store) ApplySnapshot(snap models.FleetSnapshot) {
	s.mu.Lock()

	var events []models.DeviceChanged
	seen := make(map[string]bool)
	installations := make([]*models.Installation, 0, len(snap.Installations))
	zones := make(map[string]*models.Zone)
	bySerial := make(map[string]string)

	for _, in := range snap.Installations {
		nin := &models.Installation{ID: in.ID, Name: in.Name}
		for _, z := range in.Zones {
			nz := &models.Zone{ID: z.ID, Name: z.Name, InstallationID: in.ID}
			for _, d := range z.Devices {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				patch := snap.Patches[d.ID]

				e, ok := s.devices[d.ID]
				if !ok {
					e = s.insert(d, patch)
					events = append(events, s.event(e, patch.SortedFields(), models.SourceSnapshot))
				} else {
					metaChanged := e.updateMeta(d, z.ID)
					changed := s.merge(e, patch, true)
					if metaChanged || len(changed) > 0 {
						events = append(events, s.event(e, changed, models.SourceSnapshot))
					}
				}
				nz.Devices = append(nz.Devices, e.dev)
				if e.dev.State.SerialNumber != "" {
					bySerial[e.dev.State.SerialNumber] = e.dev.ID
				}
			}
			nin.Zones = append(nin.Zones, nz)
			zones[nz.ID] = nz
		}
		installations = append(installations, nin)
	}

	for id, e := range s.devices {
		if seen[id] {
			continue
		}
		delete(s.devices, id)
		events = append(events, models.DeviceChanged{DeviceID: id, Device: e.dev.Clone(), Source: models.SourceSnapshot, Removed: true})
	}

	s.installations = installations
	s.zones = zones
	s.bySerial = bySerial
	s.lastApplied.Store(s.now().UnixMilli())
	count := len(s.devices)

	s.publishAndUnlock(events)
	s.log.Debugw("snapshot_applied", "devices", count, "events", len(events))
}

// ApplyPatch merges a streaming delta into one device. Fields older than the
// last applied stamp are dropped and counted. It reports whether anything changed.
func (s *Store) ApplyPatch(deviceID string, patch models.Patch) (bool, error) {
	s.mu.Lock()
	e, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return false, ErrUnknownDevice
	}
	changed := s.merge(e, patch, false)
	if e.dev.State.SerialNumber != "" {
		s.bySerial[e.dev.State.SerialNumber] = deviceID
	}
	var events []models.DeviceChanged
	if len(changed) > 0 {
		events = append(events, s.event(e, changed, models.SourceDelta))
	}
	s.lastApplied.Store(s.now().UnixMilli())
	s.publishAndUnlock(events)
	return len(changed) > 0, nil
}

// ApplyDelta is the single-field form of ApplyPatch.
func (s *Store) ApplyDelta(deviceID string, field models.Field, value any, serverTimestamp int64) (bool, error) {
	return s.ApplyPatch(deviceID, models.Patch{Fields: map[models.Field]any{field: value}, Timestamp: serverTimestamp})
}

// ApplyOptimistic writes fields ahead of server confirmation and marks them pending.
// The confirmed value of a field is kept until it is superseded by the server or reverted.
func (s *Store) ApplyOptimistic(deviceID string, fields map[models.Field]any) error {
	s.mu.Lock()
	e, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}

	var changed []models.Field
	for _, f := range models.SortFields(keys(fields)) {
		before := e.dev.State.Value(f)
		if err := e.dev.State.Set(f, fields[f]); err != nil {
			s.log.Warnw("optimistic_field_rejected", "device_id", deviceID, "field", f, "err", err)
			continue
		}
		if _, isPending := e.pending[f]; !isPending {
			e.pending[f] = pending{confirmed: before}
		}
		if before != e.dev.State.Value(f) {
			changed = append(changed, f)
		}
	}
	e.syncPending()

	events := []models.DeviceChanged{s.event(e, changed, models.SourceOptimistic)}
	s.publishAndUnlock(events)
	return nil
}

// Revert restores the confirmed value of every still-pending field in fields.
// Fields already confirmed by the server are left alone.
func (s *Store) Revert(deviceID string, fields []models.Field) error {
	s.mu.Lock()
	e, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDevice
	}

	var changed []models.Field
	for _, f := range fields {
		p, isPending := e.pending[f]
		if !isPending {
			continue
		}
		delete(e.pending, f)
		before := e.dev.State.Value(f)
		if err := e.dev.State.Set(f, p.confirmed); err != nil {
			s.log.Errorw("revert_failed", "device_id", deviceID, "field", f, "err", err)
			continue
		}
		if before != e.dev.State.Value(f) {
			changed = append(changed, f)
		}
	}
	e.syncPending()

	var events []models.DeviceChanged
	if len(changed) > 0 {
		events = append(events, s.event(e, models.SortFields(changed), models.SourceRevert))
	}
	s.publishAndUnlock(events)
	return nil
}

// merge applies patch fields to e under the timestamp rule and returns the
// fields whose value or pending flag changed. Callers hold mu.
//
// A stamped field is applied when its timestamp is >= the last applied stamp.
// Unstamped deltas replace the record unconditionally; an unstamped snapshot
// only fills fields that were never stamped.
func (s *Store) merge(e *entry, patch models.Patch, fromSnapshot bool) []models.Field {
	var changed []models.Field
	stale := false

	for _, f := range patch.SortedFields() {
		ts := patch.Timestamp
		last := e.stamps[f]
		switch {
		case ts == 0 && fromSnapshot && last > 0:
			continue
		case ts > 0 && ts < last:
			stale = true
			continue
		}

		before := e.dev.State.Value(f)
		if err := e.dev.State.Set(f, patch.Fields[f]); err != nil {
			s.log.Debugw("field_ignored", "device_id", e.dev.ID, "field", f, "err", err)
			continue
		}
		if ts > 0 {
			e.stamps[f] = ts
		}
		_, wasPending := e.pending[f]
		delete(e.pending, f)
		if wasPending || before != e.dev.State.Value(f) {
			changed = append(changed, f)
		}
	}

	switch {
	case stale && fromSnapshot:
		s.log.Debugw("stale_snapshot_fields_skipped", "device_id", e.dev.ID, "ts", patch.Timestamp)
	case stale:
		n := s.dropped.Add(1)
		s.log.Debugw("stale_delta_dropped", "device_id", e.dev.ID, "ts", patch.Timestamp, "dropped_total", n)
	}
	if len(changed) > 0 {
		e.syncPending()
		if patch.Timestamp > 0 {
			e.dev.State.LastUpdate = models.UnixMilli(patch.Timestamp)
		} else {
			e.dev.State.LastUpdate = s.now().UTC()
		}
	}
	return changed
}

func (s *Store) insert(d *models.Device, patch models.Patch) *entry {
	dev := d.Clone()
	dev.State.Pending = nil
	e := &entry{
		dev:     &dev,
		stamps:  make(map[models.Field]int64),
		pending: make(map[models.Field]pending),
	}
	for _, f := range patch.SortedFields() {
		if err := dev.State.Set(f, patch.Fields[f]); err != nil {
			s.log.Debugw("field_ignored", "device_id", dev.ID, "field", f, "err", err)
			continue
		}
		if patch.Timestamp > 0 {
			e.stamps[f] = patch.Timestamp
		}
	}
	if patch.Timestamp > 0 {
		dev.State.LastUpdate = models.UnixMilli(patch.Timestamp)
	}
	s.devices[dev.ID] = e
	return e
}

// updateMeta replaces structural metadata and reports whether it changed.
func (e *entry) updateMeta(d *models.Device, zoneID string) bool {
	dev := e.dev
	if dev.Name == d.Name && dev.Model == d.Model && dev.Category == d.Category && dev.ZoneID == zoneID {
		return false
	}
	dev.Name, dev.Model, dev.Category, dev.ZoneID = d.Name, d.Model, d.Category, zoneID
	return true
}

func (e *entry) syncPending() {
	if len(e.pending) == 0 {
		e.dev.State.Pending = nil
		return
	}
	e.dev.State.MarkPending(keys(e.pending))
}

func (s *Store) event(e *entry, fields []models.Field, src models.ChangeSource) models.DeviceChanged {
	return models.DeviceChanged{DeviceID: e.dev.ID, Device: e.dev.Clone(), Fields: fields, Source: src}
}

func keys[V any](m map[models.Field]V) []models.Field {
	out := make([]models.Field, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
