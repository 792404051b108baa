package command

import "encoding/binary"

const engineBlockLen = 30

type engineBlock struct {
	Engine
	speedKmh       int
	voltage        float64
	throttleAbsPct float64
	fuel           Fuel
}

func decodeEngineBlock(b []byte) engineBlock {
	b = b[:engineBlockLen]
	u16 := func(i int) float64 { return float64(binary.BigEndian.Uint16(b[i : i+2])) }
	pct := func(v byte) float64 { return round(float64(v)*100/255, 3) }

	return engineBlock{
		Engine: Engine{
			LoadPct:             pct(b[0]),
			CoolantC:            int(b[1]) - 40,
			RPM:                 u16(2) / 4,
			IgnitionAdvanceDeg:  float64(b[5])/2 - 64,
			IntakeManifoldKPa:   int(b[6]),
			IntakeC:             int(b[8]) - 40,
			AirFlow:             round(u16(9)*0.01, 2),
			ThrottleRelPct:      pct(b[11]),
			LongTermFuelTrimPct: round((float64(b[12])-128)*100/128, 3),
			AirFuelRatioCoeff:   round(u16(13)*0.0000305, 7),
		},
		speedKmh:       int(b[4]),
		voltage:        round(float64(b[7])*0.1, 1),
		throttleAbsPct: pct(b[15]),
		fuel: Fuel{
			PressureKPa: int(b[16]) * 3,
			InstantLph:  round(u16(17)*0.1, 1),
			InstantLph2: round(u16(19)*0.1, 1),
		},
	}
}
