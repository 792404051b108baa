package command

import "testing"

func TestStatusFlagsBitZeroOnly(t *testing.T) {
	got := DecodeStatusFlags(StatusBit(0))
	want := StatusFlags{Mask: 0x80000000, DeviceUnplugged: true}
	if got != want {
		t.Fatalf("bit0 got=%+v", got)
	}
}

func TestStatusFlagsPositions(t *testing.T) {
	cases := map[int]func(StatusFlags) bool{
		1:  func(s StatusFlags) bool { return s.ThrottleCleaningNeeded },
		2:  func(s StatusFlags) bool { return s.MaintenanceNeeded },
		3:  func(s StatusFlags) bool { return s.CoolantTempHigh },
		4:  func(s StatusFlags) bool { return s.ChargingCircuitAbnormal },
		5:  func(s StatusFlags) bool { return s.FatigueDriving },
		6:  func(s StatusFlags) bool { return s.Overspeeding },
		7:  func(s StatusFlags) bool { return s.GPSAbnormal },
		8:  func(s StatusFlags) bool { return s.Undervoltage },
		15: func(s StatusFlags) bool { return s.AccOn },
		16: func(s StatusFlags) bool { return s.TowingState },
		20: func(s StatusFlags) bool { return s.CarSupported },
		21: func(s StatusFlags) bool { return s.CoolantTempLow },
		22: func(s StatusFlags) bool { return s.EngineFailure },
		24: func(s StatusFlags) bool { return s.WiFi4G },
		25: func(s StatusFlags) bool { return s.OilCutOff },
		31: func(s StatusFlags) bool { return s.LongTermIdle },
	}
	for pos, get := range cases {
		s := DecodeStatusFlags(StatusBit(pos))
		if !get(s) {
			t.Fatalf("bit %d not decoded: %+v", pos, s)
		}
		if s.DeviceUnplugged {
			t.Fatalf("bit %d leaked into bit 0", pos)
		}
	}
	if got := DecodeStatusFlags(StatusBit(10)); got != (StatusFlags{Mask: StatusBit(10)}) {
		t.Fatalf("reserved bit decoded a flag: %+v", got)
	}
}
