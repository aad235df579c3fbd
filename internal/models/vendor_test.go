package models

import (
	"testing"
	"time"
)

func TestDecodeVendorFields_FullPayload(t *testing.T) {
	raw := map[string]any{
		"power":                     float64(2),
		"status":                    "eco",
		"temp":                      19.5,
		"temp_probe":                18.2,
		"temp_calc":                 17.0,
		"comfort":                   21.0,
		"eco":                       18.0,
		"ice":                       7.0,
		"nominal_power":             float64(1000),
		"firmware":                  "2.1",
		"firmware_new":              "2.3",
		"mode":                      "auto",
		"last_sync_datetime_device": float64(1700000000100),
		"last_sync_datetime_app":    float64(1700000000500),
		"something_else":            "ignored",
	}

	p := DecodeVendorFields(raw)

	if p.Timestamp != 1700000000500 {
		t.Fatalf("timestamp = %d, want newest sync stamp", p.Timestamp)
	}
	if p.Fields[FieldPower] != true {
		t.Errorf("power = %v, want true", p.Fields[FieldPower])
	}
	if p.Fields[FieldPreset] != ModeEco {
		t.Errorf("preset = %v", p.Fields[FieldPreset])
	}
	if p.Fields[FieldCurrentTemperature] != 18.2 {
		t.Errorf("current = %v, temp_probe must win over temp_calc", p.Fields[FieldCurrentTemperature])
	}
	if p.Fields[FieldScheduleMode] != true {
		t.Errorf("schedule = %v", p.Fields[FieldScheduleMode])
	}

	var st DeviceState
	for f, v := range p.Fields {
		if err := st.Set(f, v); err != nil {
			t.Fatalf("set %s: %v", f, err)
		}
	}
	if st.Mode != ModeEco || st.PowerRating != 1000 || !st.FirmwareUpdateAvailable() {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestDecodeVendorFields_PowerEncodings(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{float64(1), false},
		{float64(2), true},
		{true, true},
		{false, false},
	}
	for _, tc := range cases {
		p := DecodeVendorFields(map[string]any{"power": tc.in})
		if p.Fields[FieldPower] != tc.want {
			t.Errorf("power %v decoded to %v, want %v", tc.in, p.Fields[FieldPower], tc.want)
		}
	}
}

func TestDecodeVendorFields_NoneStatusSkipped(t *testing.T) {
	p := DecodeVendorFields(map[string]any{"status": "none"})
	if _, ok := p.Fields[FieldPreset]; ok {
		t.Fatal("status none must not become a preset")
	}
	if p.Timestamp != 0 {
		t.Fatalf("timestamp = %d, want 0 when absent", p.Timestamp)
	}
}

func TestCategoryFromPayload(t *testing.T) {
	cases := []struct {
		typ, model string
		want       Category
	}{
		{"radiator", "", CategoryRadiator},
		{"", "Series-D 1000", CategoryRadiator},
		{"", "Belize Plus", CategoryRadiator},
		{"", "Olympia", CategoryRadiator},
		{"", "Towel 500", CategoryTowelRail},
		{"", "Oval Towel", CategoryOvalTowel},
		{"Thermostat", "", CategoryThermostat},
		{"", "Fancy New Thing", CategoryUnknown},
		{"", "", CategoryUnknown},
	}
	for _, tc := range cases {
		if got := CategoryFromPayload(tc.typ, tc.model); got != tc.want {
			t.Errorf("CategoryFromPayload(%q,%q) = %s, want %s", tc.typ, tc.model, got, tc.want)
		}
	}
}

func TestModePatch(t *testing.T) {
	off := ModePatch(ModeOff)
	if off["power"] != 1 || off["temp"] != StandbyTemperature {
		t.Fatalf("off patch = %v", off)
	}
	ice := ModePatch(ModeIce)
	if ice["status"] != "ice" || ice["power"] != 2 || ice["temp"] != StandbyTemperature {
		t.Fatalf("ice patch = %v", ice)
	}
	comfort := ModePatch(ModeComfort)
	if comfort["status"] != "comfort" || comfort["power"] != 2 {
		t.Fatalf("comfort patch = %v", comfort)
	}
	if _, ok := comfort["temp"]; ok {
		t.Fatal("comfort patch must leave the target to the unit")
	}
}

func TestModeFields_UsesDevicePresetOrDefault(t *testing.T) {
	st := DeviceState{EcoTemperature: 17}
	if got := ModeFields(ModeEco, st)[FieldTargetTemperature]; got != 17.0 {
		t.Fatalf("eco target = %v, want device preset 17", got)
	}
	if got := ModeFields(ModeComfort, st)[FieldTargetTemperature]; got != 21.0 {
		t.Fatalf("comfort target = %v, want default 21", got)
	}
}

func TestTemperaturePatch_WritesActivePreset(t *testing.T) {
	p := TemperaturePatch(ModeComfort, 22.5)
	if p["temp"] != 22.5 || p["comfort"] != 22.5 {
		t.Fatalf("patch = %v", p)
	}
	if _, ok := TemperaturePatch(ModeOff, 20)["comfort"]; ok {
		t.Fatal("off has no preset field")
	}
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{IDToken: "abc", ExpiresAt: now.Add(2 * time.Minute)}
	if !tok.Valid(now, time.Minute) {
		t.Fatal("token with 2m left should be valid with a 1m margin")
	}
	if tok.Valid(now.Add(90*time.Second), time.Minute) {
		t.Fatal("token inside the margin should be invalid")
	}
	if (Token{}).Valid(now, 0) {
		t.Fatal("empty token is never valid")
	}
	if tok.Fingerprint() == "" || tok.Fingerprint() == tok.IDToken {
		t.Fatal("fingerprint must be non-empty and not the token itself")
	}
}
