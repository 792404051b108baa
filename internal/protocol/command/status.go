package command

// StatusFlags is the 32-bit vehicle status mask. Bit positions count from
// the most significant bit: bit 0 is 0x80000000.
type StatusFlags struct {
	Mask                    uint32 `json:"mask"`
	DeviceUnplugged         bool   `json:"deviceUnplugged"`
	ThrottleCleaningNeeded  bool   `json:"throttleCleaningNeeded"`
	MaintenanceNeeded       bool   `json:"maintenanceNeeded"`
	CoolantTempHigh         bool   `json:"coolantTempHigh"`
	ChargingCircuitAbnormal bool   `json:"chargingCircuitAbnormal"`
	FatigueDriving          bool   `json:"fatigueDriving"`
	Overspeeding            bool   `json:"overspeeding"`
	GPSAbnormal             bool   `json:"gpsAbnormal"`
	Undervoltage            bool   `json:"undervoltage"`
	AccOn                   bool   `json:"accOn"`
	TowingState             bool   `json:"towingState"`
	CarSupported            bool   `json:"carSupported"`
	CoolantTempLow          bool   `json:"coolantTempLow"`
	EngineFailure           bool   `json:"engineFailure"`
	WiFi4G                  bool   `json:"wifi4G"`
	OilCutOff               bool   `json:"oilCutOff"`
	LongTermIdle            bool   `json:"longTermIdle"`
}

// StatusBit returns the mask value of protocol bit position pos.
func StatusBit(pos int) uint32 {
	return 1 << (31 - pos)
}

func DecodeStatusFlags(mask uint32) StatusFlags {
	on := func(pos int) bool { return mask&StatusBit(pos) != 0 }
	return StatusFlags{
		Mask:                    mask,
		DeviceUnplugged:         on(0),
		ThrottleCleaningNeeded:  on(1),
		MaintenanceNeeded:       on(2),
		CoolantTempHigh:         on(3),
		ChargingCircuitAbnormal: on(4),
		FatigueDriving:          on(5),
		Overspeeding:            on(6),
		GPSAbnormal:             on(7),
		Undervoltage:            on(8),
		AccOn:                   on(15),
		TowingState:             on(16),
		CarSupported:            on(20),
		CoolantTempLow:          on(21),
		EngineFailure:           on(22),
		WiFi4G:                  on(24),
		OilCutOff:               on(25),
		LongTermIdle:            on(31),
	}
}
