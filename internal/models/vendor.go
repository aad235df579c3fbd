package models

import (
	"strings"
)

// Vendor payload keys as they appear in the realtime database.
const (
	vendorPower         = "power"
	vendorStatus        = "status"
	vendorTemp          = "temp"
	vendorTempProbe     = "temp_probe"
	vendorTempCalc      = "temp_calc"
	vendorComfort       = "comfort"
	vendorEco           = "eco"
	vendorIce           = "ice"
	vendorNominalPower  = "nominal_power"
	vendorFirmware      = "firmware"
	vendorFirmwareNew   = "firmware_new"
	vendorOnline        = "online"
	vendorConsumption   = "consumption"
	vendorPowerConsumed = "powerConsumption"
	vendorEnergy        = "energyConsumption"
	vendorScheduleMode  = "mode"
	vendorSyncDevice    = "last_sync_datetime_device"
	vendorSyncApp       = "last_sync_datetime_app"
)

const (
	vendorPowerOff = 1
	vendorPowerOn  = 2
)

// DecodeVendorFields maps a realtime device payload onto model fields.
// Unknown keys are ignored. The patch timestamp is the newest sync stamp present.
func DecodeVendorFields(raw map[string]any) Patch {
	p := Patch{Fields: make(map[Field]any)}

	for key, v := range raw {
		switch key {
		case vendorPower:
			if on, ok := decodePower(v); ok {
				p.Fields[FieldPower] = on
			}
		case vendorStatus:
			if s, ok := v.(string); ok {
				if m := Mode(strings.ToLower(s)); m.IsPreset() {
					p.Fields[FieldPreset] = m
				}
			}
		case vendorTemp:
			p.Fields[FieldTargetTemperature] = v
		case vendorTempProbe:
			p.Fields[FieldCurrentTemperature] = v
		case vendorTempCalc:
			if _, ok := raw[vendorTempProbe]; !ok {
				p.Fields[FieldCurrentTemperature] = v
			}
		case vendorComfort:
			p.Fields[FieldComfortTemperature] = v
		case vendorEco:
			p.Fields[FieldEcoTemperature] = v
		case vendorIce:
			p.Fields[FieldIceTemperature] = v
		case vendorNominalPower:
			p.Fields[FieldPowerRating] = v
		case vendorFirmware:
			p.Fields[FieldFirmware] = v
		case vendorFirmwareNew:
			p.Fields[FieldLatestFirmware] = v
		case vendorOnline:
			p.Fields[FieldOnline] = v
		case vendorConsumption, vendorPowerConsumed:
			p.Fields[FieldPowerConsumption] = v
		case vendorEnergy:
			p.Fields[FieldEnergyConsumption] = v
		case vendorScheduleMode:
			if s, ok := v.(string); ok {
				p.Fields[FieldScheduleMode] = strings.EqualFold(s, "auto")
			} else if n, err := toFloat(v); err == nil {
				p.Fields[FieldScheduleMode] = n == 1
			}
		case vendorSyncDevice, vendorSyncApp:
			if n, err := toFloat(v); err == nil && int64(n) > p.Timestamp {
				p.Timestamp = int64(n)
			}
		}
	}
	return p
}

func decodePower(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	n, err := toFloat(v)
	if err != nil {
		return false, false
	}
	return int(n) == vendorPowerOn, true
}

// ModePatch is the vendor write that switches a unit into m. Comfort and eco
// let the unit restore its own preset target; ice pins the frost guard.
func ModePatch(m Mode) map[string]any {
	switch m {
	case ModeOff:
		return map[string]any{vendorPower: vendorPowerOff, vendorTemp: StandbyTemperature}
	case ModeIce:
		return map[string]any{vendorStatus: string(m), vendorPower: vendorPowerOn, vendorTemp: StandbyTemperature}
	default:
		return map[string]any{vendorStatus: string(m), vendorPower: vendorPowerOn}
	}
}

// ModeFields is the optimistic local counterpart of ModePatch.
func ModeFields(m Mode, st DeviceState) map[Field]any {
	switch m {
	case ModeOff:
		return map[Field]any{FieldPower: false, FieldTargetTemperature: StandbyTemperature}
	case ModeIce:
		return map[Field]any{FieldPower: true, FieldPreset: m, FieldTargetTemperature: StandbyTemperature}
	default:
		return map[Field]any{
			FieldPower:             true,
			FieldPreset:            m,
			FieldTargetTemperature: st.PresetTemperature(m),
		}
	}
}

// ScheduleModePatch turns the weekly program on or off. Enabling it also
// powers the unit on.
func ScheduleModePatch(auto bool) map[string]any {
	if auto {
		return map[string]any{vendorScheduleMode: 1, vendorPower: vendorPowerOn}
	}
	return map[string]any{vendorScheduleMode: 0}
}

// ScheduleModeFields is the optimistic local counterpart of ScheduleModePatch.
func ScheduleModeFields(auto bool) map[Field]any {
	if auto {
		return map[Field]any{FieldScheduleMode: true, FieldPower: true}
	}
	return map[Field]any{FieldScheduleMode: false}
}

// TemperaturePatch writes a new target into the active preset.
func TemperaturePatch(active Mode, v float64) map[string]any {
	p := map[string]any{vendorTemp: v}
	if key := presetKey(active); key != "" {
		p[key] = v
	}
	return p
}

// TemperatureFields is the optimistic local counterpart of TemperaturePatch.
func TemperatureFields(active Mode, v float64) map[Field]any {
	f := map[Field]any{FieldTargetTemperature: v}
	switch active {
	case ModeComfort:
		f[FieldComfortTemperature] = v
	case ModeEco:
		f[FieldEcoTemperature] = v
	case ModeIce:
		f[FieldIceTemperature] = v
	}
	return f
}

func presetKey(m Mode) string {
	switch m {
	case ModeComfort:
		return vendorComfort
	case ModeEco:
		return vendorEco
	case ModeIce:
		return vendorIce
	}
	return ""
}

// modelCategories maps model-name fragments to categories.
var modelCategories = []struct {
	fragment string
	category Category
}{
	{"series-d", CategoryRadiator},
	{"belize", CategoryRadiator},
	{"olympia", CategoryRadiator},
	{"oval", CategoryOvalTowel},
	{"towel", CategoryTowelRail},
	{"thermostat", CategoryThermostat},
}

// CategoryFromPayload infers the category from the type field, then the model name.
func CategoryFromPayload(typ, model string) Category {
	switch t := Category(strings.ToLower(strings.TrimSpace(typ))); t {
	case CategoryRadiator, CategoryTowelRail, CategoryThermostat, CategoryOvalTowel:
		return t
	}
	for _, name := range []string{typ, model} {
		lower := strings.ToLower(name)
		if lower == "" {
			continue
		}
		for _, mc := range modelCategories {
			if strings.Contains(lower, mc.fragment) {
				return mc.category
			}
		}
	}
	return CategoryUnknown
}
