package command

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/danmuck/obdgate/internal/protocol/frame"
)

const (
	MinGPSEnginePayload = 60
	MinIgnitionPayload  = 9

	engineOffset     = 30
	gpsBlockOffset   = 9
	gpsBlockLen      = 9
	timestampOffset  = 3
	protocolHourLead = 8
)

var (
	ErrUnknownCommand  = errors.New("command: unknown command code")
	ErrPayloadTooShort = errors.New("command: payload too short")
)

// protocolZone is the fixed offset the firmware clock is corrected into.
var protocolZone = time.FixedZone("UTC+8", protocolHourLead*3600)

// Decode turns one decoded frame into a telemetry record. Unknown codes and
// short payloads yield a nil record and a sentinel error; neither is fatal
// for the connection.
func Decode(f frame.Decoded) (Record, error) {
	env := Envelope{
		DeviceID:      f.DeviceID,
		Command:       f.Command,
		ReceivedAt:    f.ReceivedAt,
		ChecksumValid: f.ChecksumValid,
		RawHex:        hex.EncodeToString(f.Raw),
	}

	kind := KindOf(f.Code)
	switch kind {
	case KindGPSEngine:
		return decodeGPSEngine(env, f.Payload)
	case KindIgnition:
		return decodeIgnition(env, f.Payload)
	case KindDiagnosticQuery, KindAverageFuelQuery, KindAlarmAck, KindManufacturer,
		KindSoftwareVersion, KindDeviceIDQuery, KindFactoryReset, KindRestart:
		return &QueryAck{Envelope: env, Query: kind, RawPayloadHex: hex.EncodeToString(f.Payload)}, nil
	case KindUnknown:
		return nil, ErrUnknownCommand
	default:
		return nil, ErrUnknownCommand
	}
}

func decodeGPSEngine(env Envelope, p []byte) (Record, error) {
	if len(p) < MinGPSEnginePayload {
		return nil, ErrPayloadTooShort
	}
	fix := decodeGPSBlock(p[gpsBlockOffset : gpsBlockOffset+gpsBlockLen])
	fix.SpeedKmh = int(p[18])
	fix.HeadingDeg = int(p[19]) * 2
	fix.Satellites = int(p[20])

	eng := decodeEngineBlock(p[engineOffset:])
	return &GPSEngineReport{
		Envelope:  env,
		DataType:  p[0],
		TripID:    binary.BigEndian.Uint16(p[1:3]),
		EventTime: eventTime(p[timestampOffset : timestampOffset+6]),
		GPS:       fix,
		Vehicle: Vehicle{
			SpeedKmh:    eng.speedKmh,
			OdometerKm:  binary.BigEndian.Uint32(p[22:26]),
			ThrottlePct: eng.throttleAbsPct,
		},
		Engine: eng.Engine,
		Fuel:   eng.fuel,
		System: System{
			Voltage:     eng.voltage,
			GSMSignal:   int(p[21]),
			StatusFlags: DecodeStatusFlags(binary.BigEndian.Uint32(p[26:30])),
		},
	}, nil
}

func decodeIgnition(env Envelope, p []byte) (Record, error) {
	if len(p) < MinIgnitionPayload {
		return nil, ErrPayloadTooShort
	}
	ev := &IgnitionEvent{
		Envelope:  env,
		Event:     Flameout,
		TripID:    binary.BigEndian.Uint16(p[1:3]),
		EventTime: eventTime(p[timestampOffset : timestampOffset+6]),
	}
	if p[0] == 0x01 {
		ev.Event = Ignition
	}
	if len(p) > gpsBlockOffset+gpsBlockLen {
		fix := decodeGPSBlock(p[gpsBlockOffset : gpsBlockOffset+gpsBlockLen])
		ev.GPS = &fix
	}
	return ev, nil
}

// eventTime reads day, month, year-2000, hour, minute, second. The hour is
// shifted into the protocol zone and wrapped; the date is left as sent.
func eventTime(b []byte) time.Time {
	hour := (int(b[3]) + protocolHourLead) % 24
	return time.Date(2000+int(b[2]), time.Month(b[1]), int(b[0]), hour, int(b[4]), int(b[5]), 0, protocolZone)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
