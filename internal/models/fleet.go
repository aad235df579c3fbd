package models

import "time"

// Category classifies a heater unit.
type Category string

const (
	CategoryRadiator   Category = "radiator"
	CategoryTowelRail  Category = "towel_rail"
	CategoryThermostat Category = "thermostat"
	CategoryOvalTowel  Category = "oval_towel"
	CategoryUnknown    Category = "unknown"
)

// Installation is a physical site as modeled by the vendor account.
type Installation struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Zones []*Zone `json:"zones"`
}

// Zone groups devices inside an installation.
type Zone struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	InstallationID string    `json:"installation_id"` // back-reference, not owning
	Devices        []*Device `json:"devices"`
}

// Device is a single heater unit with its live state.
type Device struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Model    string      `json:"model,omitempty"`
	Category Category    `json:"category"`
	ZoneID   string      `json:"zone_id"` // back-reference, not owning
	State    DeviceState `json:"state"`
}

// DeviceState is the mutable part of a device, merged field by field.
type DeviceState struct {
	Mode               Mode      `json:"mode"`
	PowerOn            bool      `json:"power_on"`
	Preset             Mode      `json:"preset,omitempty"`
	CurrentTemperature float64   `json:"current_temperature"`
	TargetTemperature  float64   `json:"target_temperature"`
	ComfortTemperature float64   `json:"comfort_temperature,omitempty"`
	EcoTemperature     float64   `json:"eco_temperature,omitempty"`
	IceTemperature     float64   `json:"ice_temperature,omitempty"`
	PowerRating        int       `json:"power_rating,omitempty"` // W
	SerialNumber       string    `json:"serial_number,omitempty"`
	MAC                string    `json:"mac,omitempty"`
	Firmware           string    `json:"firmware,omitempty"`
	LatestFirmware     string    `json:"latest_firmware,omitempty"`
	PowerConsumption   float64   `json:"power_consumption"`  // W
	EnergyConsumption  float64   `json:"energy_consumption"` // kWh
	Online             bool      `json:"online"`
	ScheduleMode       bool      `json:"schedule_mode"`
	LastUpdate         time.Time `json:"last_update"`
	Pending            []Field   `json:"pending,omitempty"`
}

// FirmwareUpdateAvailable reports whether the vendor advertises a newer firmware.
func (s DeviceState) FirmwareUpdateAvailable() bool {
	return s.LatestFirmware != "" && s.LatestFirmware != s.Firmware
}

// Clone returns a deep copy detached from the store.
func (d *Device) Clone() Device {
	out := *d
	if d.State.Pending != nil {
		out.State.Pending = append([]Field(nil), d.State.Pending...)
	}
	return out
}

// Clone returns a deep copy of the installation subtree.
func (in *Installation) Clone() Installation {
	out := Installation{ID: in.ID, Name: in.Name, Zones: make([]*Zone, 0, len(in.Zones))}
	for _, z := range in.Zones {
		zc := &Zone{ID: z.ID, Name: z.Name, InstallationID: z.InstallationID, Devices: make([]*Device, 0, len(z.Devices))}
		for _, d := range z.Devices {
			dc := d.Clone()
			zc.Devices = append(zc.Devices, &dc)
		}
		out.Zones = append(out.Zones, zc)
	}
	return out
}

// FleetSnapshot is the result of one REST discovery.
type FleetSnapshot struct {
	Installations []*Installation `json:"installations"`
	// Patches holds, per device id, the fields the snapshot actually reported
	// and the server timestamp they were taken at.
	Patches   map[string]Patch `json:"-"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Devices flattens the snapshot tree.
func (s FleetSnapshot) Devices() []*Device {
	var out []*Device
	for _, in := range s.Installations {
		for _, z := range in.Zones {
			out = append(out, z.Devices...)
		}
	}
	return out
}
