package rest

import (
	"encoding/json"
	"strconv"
	"strings"

	"rointe_sync/internal/logger"
	"rointe_sync/internal/models"
)

type installationsEnvelope struct {
	Data []installationDTO `json:"data"`
}

type installationDTO struct {
	ID    json.RawMessage `json:"id"`
	Name  string          `json:"name"`
	Zones []zoneDTO       `json:"zones"`
}

type zoneDTO struct {
	ID      json.RawMessage  `json:"id"`
	Name    string           `json:"name"`
	Devices []map[string]any `json:"devices"`
}

// REST device keys that differ from the realtime payload.
const (
	restID                = "id"
	restName              = "name"
	restModel             = "model"
	restType              = "type"
	restRating            = "power"
	restVersion           = "version"
	restLatestVersion     = "latestVersion"
	restSerial            = "serialNumber"
	restMAC               = "mac"
	restDeviceStatus      = "deviceStatus"
	restTemperature       = "temperature"
	restTargetTemperature = "targetTemperature"
	restStatus            = "status"
	restPreset            = "preset"
	restOnline            = "online"
	restEnergy            = "energyConsumption"
	restPower             = "powerConsumption"
)

// buildSnapshot turns the installations payload into the fleet tree. Malformed
// entries are skipped with a warning rather than failing the whole discovery.
func buildSnapshot(env installationsEnvelope, log *logger.Logger) models.FleetSnapshot {
	snap := models.FleetSnapshot{Patches: make(map[string]models.Patch)}

	for i, inst := range env.Data {
		instID := rawID(inst.ID)
		if instID == "" {
			log.Warnw("discovery_skip_installation", "index", i)
			continue
		}
		in := &models.Installation{ID: instID, Name: inst.Name}

		for _, z := range inst.Zones {
			zoneID := rawID(z.ID)
			if zoneID == "" {
				log.Warnw("discovery_skip_zone", "installation_id", instID)
				continue
			}
			zone := &models.Zone{ID: zoneID, Name: z.Name, InstallationID: instID}
			if zone.Name == "" {
				zone.Name = "Zone " + zoneID
			}

			for _, raw := range z.Devices {
				dev, patch, ok := decodeDevice(raw, zoneID)
				if !ok {
					log.Warnw("discovery_skip_device", "zone_id", zoneID)
					continue
				}
				if _, dup := snap.Patches[dev.ID]; dup {
					log.Warnw("discovery_duplicate_device", "device_id", dev.ID)
					continue
				}
				for _, f := range patch.SortedFields() {
					if err := dev.State.Set(f, patch.Fields[f]); err != nil {
						log.Debugw("discovery_field_ignored", "device_id", dev.ID, "field", f, "err", err)
						delete(patch.Fields, f)
					}
				}
				dev.State.LastUpdate = models.UnixMilli(patch.Timestamp)
				snap.Patches[dev.ID] = patch
				zone.Devices = append(zone.Devices, dev)
			}
			in.Zones = append(in.Zones, zone)
		}
		snap.Installations = append(snap.Installations, in)
	}
	return snap
}

// decodeDevice reads structural metadata plus the state fields a device entry carries.
func decodeDevice(raw map[string]any, zoneID string) (*models.Device, models.Patch, bool) {
	id := anyID(raw[restID])
	if id == "" {
		return nil, models.Patch{}, false
	}
	dev := &models.Device{
		ID:     id,
		Name:   stringOf(raw[restName]),
		Model:  stringOf(raw[restModel]),
		ZoneID: zoneID,
	}
	if dev.Name == "" {
		dev.Name = id
	}
	dev.Category = models.CategoryFromPayload(stringOf(raw[restType]), dev.Model)

	p := models.Patch{Fields: make(map[models.Field]any)}
	put := func(f models.Field, key string) {
		if v, ok := raw[key]; ok && v != nil {
			p.Fields[f] = v
		}
	}
	put(models.FieldPowerRating, restRating)
	put(models.FieldFirmware, restVersion)
	put(models.FieldLatestFirmware, restLatestVersion)
	put(models.FieldSerialNumber, restSerial)
	put(models.FieldMAC, restMAC)
	put(models.FieldCurrentTemperature, restTemperature)
	put(models.FieldTargetTemperature, restTargetTemperature)
	switch v, ok := raw[restOnline]; {
	case !ok:
		// entries without the flag are reachable
		p.Fields[models.FieldOnline] = true
	case v == nil:
		p.Fields[models.FieldOnline] = false
	default:
		p.Fields[models.FieldOnline] = v
	}
	put(models.FieldEnergyConsumption, restEnergy)
	put(models.FieldPowerConsumption, restPower)
	for _, key := range []string{restPreset, restStatus} {
		if s := strings.ToLower(stringOf(raw[key])); models.Mode(s).IsPreset() {
			p.Fields[models.FieldPreset] = models.Mode(s)
			break
		}
	}

	// live status uses the realtime vocabulary and wins over the summary fields
	if status, ok := raw[restDeviceStatus].(map[string]any); ok {
		live := models.DecodeVendorFields(status)
		for f, v := range live.Fields {
			p.Fields[f] = v
		}
		p.Timestamp = live.Timestamp
	}
	return dev, p, true
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return anyID(v)
}

func anyID(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	}
	return ""
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
