package command

import "fmt"

// Kind is the closed set of command codes this gateway understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindGPSEngine
	KindIgnition
	KindDiagnosticQuery
	KindAverageFuelQuery
	KindAlarmAck
	KindManufacturer
	KindSoftwareVersion
	KindDeviceIDQuery
	KindFactoryReset
	KindRestart
)

const (
	CodeGPSEngine        uint16 = 0x3080
	CodeIgnition         uint16 = 0x3089
	CodeDiagnosticQuery  uint16 = 0x308a
	CodeAverageFuelQuery uint16 = 0x308b
	CodeAlarmAck         uint16 = 0x0008
	CodeManufacturer     uint16 = 0x0081
	CodeSoftwareVersion  uint16 = 0x0082
	CodeDeviceIDQuery    uint16 = 0x0083
	CodeFactoryReset     uint16 = 0x0084
	CodeRestart          uint16 = 0x0085
)

// KindOf maps a wire command code to its Kind.
func KindOf(code uint16) Kind {
	switch code {
	case CodeGPSEngine:
		return KindGPSEngine
	case CodeIgnition:
		return KindIgnition
	case CodeDiagnosticQuery:
		return KindDiagnosticQuery
	case CodeAverageFuelQuery:
		return KindAverageFuelQuery
	case CodeAlarmAck:
		return KindAlarmAck
	case CodeManufacturer:
		return KindManufacturer
	case CodeSoftwareVersion:
		return KindSoftwareVersion
	case CodeDeviceIDQuery:
		return KindDeviceIDQuery
	case CodeFactoryReset:
		return KindFactoryReset
	case CodeRestart:
		return KindRestart
	default:
		return KindUnknown
	}
}

// RequiresAck reports whether the device expects the static acknowledgment
// after sending this command.
func (k Kind) RequiresAck() bool {
	switch k {
	case KindGPSEngine, KindIgnition, KindDiagnosticQuery, KindAverageFuelQuery:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindGPSEngine:
		return "gps_obd_combined"
	case KindIgnition:
		return "ignition_flameout_report"
	case KindDiagnosticQuery:
		return "obd_data_query"
	case KindAverageFuelQuery:
		return "average_fuel_query"
	case KindAlarmAck:
		return "alarm_confirmation"
	case KindManufacturer:
		return "manufacturer_info"
	case KindSoftwareVersion:
		return "software_version"
	case KindDeviceIDQuery:
		return "device_id_query"
	case KindFactoryReset:
		return "factory_reset"
	case KindRestart:
		return "device_restart"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	name := string(text)
	for c := KindUnknown; c <= KindRestart; c++ {
		if c.String() == name {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("command: unknown kind %q", name)
}
