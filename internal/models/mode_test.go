package models

import "testing"

func TestRangeFor(t *testing.T) {
	cases := []struct {
		mode   Mode
		v      float64
		inside bool
	}{
		{ModeComfort, 15, true},
		{ModeComfort, 35, true},
		{ModeComfort, 14.5, false},
		{ModeEco, 7, true},
		{ModeEco, 25.5, false},
		{ModeIce, 5, true},
		{ModeIce, 16, false},
	}
	for _, tc := range cases {
		r, ok := RangeFor(tc.mode)
		if !ok {
			t.Fatalf("no range for %s", tc.mode)
		}
		if r.Contains(tc.v) != tc.inside {
			t.Errorf("%s contains %.1f = %v, want %v", tc.mode, tc.v, !tc.inside, tc.inside)
		}
	}
	if _, ok := RangeFor(ModeOff); ok {
		t.Fatal("off must not have a range")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" Comfort "); err != nil || m != ModeComfort {
		t.Fatalf("ParseMode = %v, %v", m, err)
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if h, err := ParseHVACMode("HEAT"); err != nil || h != HVACHeat {
		t.Fatalf("ParseHVACMode = %v, %v", h, err)
	}
	if _, err := ParseHVACMode("cool"); err == nil {
		t.Fatal("cool is not supported")
	}
}

func TestModeForHVAC(t *testing.T) {
	if got := ModeForHVAC(HVACOff, DeviceState{Preset: ModeEco}); got != ModeOff {
		t.Fatalf("off -> %s", got)
	}
	if got := ModeForHVAC(HVACHeat, DeviceState{Preset: ModeEco}); got != ModeEco {
		t.Fatalf("heat with eco preset -> %s", got)
	}
	if got := ModeForHVAC(HVACHeat, DeviceState{}); got != ModeComfort {
		t.Fatalf("heat without preset -> %s", got)
	}
	if ModeIce.HVAC() != HVACHeat || ModeOff.HVAC() != HVACOff {
		t.Fatal("unexpected HVAC projection")
	}
}

func TestSet_DerivesModeAndRejectsBadValues(t *testing.T) {
	var st DeviceState
	if err := st.Set(FieldPreset, "ice"); err != nil {
		t.Fatal(err)
	}
	if st.Mode != ModeOff {
		t.Fatalf("mode = %s, want off while power is off", st.Mode)
	}
	if err := st.Set(FieldPower, true); err != nil {
		t.Fatal(err)
	}
	if st.Mode != ModeIce {
		t.Fatalf("mode = %s, want ice", st.Mode)
	}
	if err := st.Set(FieldPreset, "turbo"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
	if err := st.Set(FieldTargetTemperature, "warm"); err == nil {
		t.Fatal("expected error for non-numeric temperature")
	}
	if err := st.Set(FieldTargetTemperature, "20.5"); err != nil || st.TargetTemperature != 20.5 {
		t.Fatalf("numeric string not coerced: %v %v", st.TargetTemperature, err)
	}
}

func TestDeviceClone_DetachesPending(t *testing.T) {
	d := &Device{ID: "d1", State: DeviceState{Pending: []Field{FieldPower}}}
	c := d.Clone()
	c.State.Pending[0] = FieldPreset
	if d.State.Pending[0] != FieldPower {
		t.Fatal("clone shares the pending slice")
	}
}
