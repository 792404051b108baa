package command

import "time"

// Envelope is the per-frame context attached to every record.
type Envelope struct {
	DeviceID      string    `json:"deviceId"`
	Command       string    `json:"command"`
	ReceivedAt    time.Time `json:"receivedAt"`
	ChecksumValid bool      `json:"checksumValid"`
	RawHex        string    `json:"raw,omitempty"`
}

func (e Envelope) Meta() Envelope { return e }

// Record is one decoded telemetry value. The implementations are
// *GPSEngineReport, *IgnitionEvent and *QueryAck.
type Record interface {
	Kind() Kind
	Meta() Envelope
	record()
}

type GPSFix struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	SpeedKmh    int     `json:"speed"`
	HeadingDeg  int     `json:"direction"`
	Satellites  int     `json:"satellites"`
	FixValid    bool    `json:"isValid"`
	Positioned  bool    `json:"positioned"`
	BaseStation bool    `json:"baseStation"`
}

type Vehicle struct {
	SpeedKmh    int     `json:"speed"`
	OdometerKm  uint32  `json:"odometer"`
	ThrottlePct float64 `json:"throttlePosition"`
}

type Engine struct {
	LoadPct             float64 `json:"load"`
	RPM                 float64 `json:"rpm"`
	CoolantC            int     `json:"coolantTemp"`
	IntakeC             int     `json:"intakeTemp"`
	IgnitionAdvanceDeg  float64 `json:"ignitionAdvance"`
	IntakeManifoldKPa   int     `json:"intakeManifoldPressure"`
	AirFlow             float64 `json:"airFlow"`
	ThrottleRelPct      float64 `json:"throttleRelativePosition"`
	LongTermFuelTrimPct float64 `json:"longTermFuelCoeff"`
	AirFuelRatioCoeff   float64 `json:"airFuelRatioCoeff"`
}

type Fuel struct {
	InstantLph  float64 `json:"instantConsumption"`
	InstantLph2 float64 `json:"instantConsumption2"`
	PressureKPa int     `json:"pressure"`
}

type System struct {
	Voltage     float64     `json:"voltage"`
	GSMSignal   int         `json:"gsmSignal"`
	StatusFlags StatusFlags `json:"statusFlags"`
}

// GPSEngineReport is the periodic combined position and engine sample.
type GPSEngineReport struct {
	Envelope
	DataType  uint8     `json:"dataType"`
	TripID    uint16    `json:"tripId"`
	EventTime time.Time `json:"timestamp"`
	GPS       GPSFix    `json:"gps"`
	Vehicle   Vehicle   `json:"vehicle"`
	Engine    Engine    `json:"engine"`
	Fuel      Fuel      `json:"fuel"`
	System    System    `json:"system"`
}

func (*GPSEngineReport) Kind() Kind { return KindGPSEngine }
func (*GPSEngineReport) record()    {}

type IgnitionKind string

const (
	Ignition IgnitionKind = "ignition"
	Flameout IgnitionKind = "flameout"
)

// IgnitionEvent marks the start or end of a trip.
type IgnitionEvent struct {
	Envelope
	Event     IgnitionKind `json:"eventType"`
	TripID    uint16       `json:"tripId"`
	EventTime time.Time    `json:"timestamp"`
	GPS       *GPSFix      `json:"gps,omitempty"`
}

func (*IgnitionEvent) Kind() Kind { return KindIgnition }
func (*IgnitionEvent) record()    {}

// QueryAck is produced for administrative commands. The payload is kept
// verbatim.
type QueryAck struct {
	Envelope
	Query         Kind   `json:"type"`
	RawPayloadHex string `json:"data,omitempty"`
}

func (q *QueryAck) Kind() Kind { return q.Query }
func (*QueryAck) record()      {}
