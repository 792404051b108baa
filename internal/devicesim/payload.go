// Package devicesim builds protocol payloads the way NR-B80 firmware lays
// them out. It backs the obdsim tool and gateway tests.
package devicesim

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/danmuck/obdgate/internal/protocol/frame"
)

// GPS flag bits, most significant first.
const (
	FlagPositioned  byte = 0x80
	FlagNorth       byte = 0x40
	FlagEast        byte = 0x20
	FlagBaseStation byte = 0x10
)

// Position is the 9-byte GPS block before packing. LatMinutes holds six
// decimal digits; LonMinutes holds five, the sixth nibble being the flag
// byte's high nibble.
type Position struct {
	LatDeg     uint8
	LatMinutes uint32
	LonDeg     uint16
	LonMinutes uint32
	Flags      byte
}

type EngineSample struct {
	Load         byte
	Coolant      byte
	RPMRaw       uint16
	Speed        byte
	Advance      byte
	Manifold     byte
	Voltage      byte
	Intake       byte
	AirFlow      uint16
	ThrottleRel  byte
	FuelTrim     byte
	AirFuel      uint16
	ThrottleAbs  byte
	FuelPressure byte
	Fuel1        uint16
	Fuel2        uint16
}

type GPSEngineSample struct {
	DataType   byte
	TripID     uint16
	Time       time.Time
	Position   Position
	GPSSpeed   byte
	HeadingRaw byte
	Satellites byte
	GSM        byte
	Odometer   uint32
	Status     uint32
	Engine     EngineSample
}

// GPSBlock packs p into the wire layout.
func GPSBlock(p Position) []byte {
	out := make([]byte, 9)
	out[0] = p.LatDeg
	copy(out[1:4], bcd(uint64(p.LatMinutes%1000000), 6))

	// nine digits: 3 degree + 5 minute + flag high nibble
	digits := uint64(p.LonDeg%1000)*100000 + uint64(p.LonMinutes%100000)
	packed := bcd(digits, 8)
	copy(out[4:8], packed)
	out[8] = p.Flags
	return out
}

func GPSEnginePayload(s GPSEngineSample) []byte {
	p := make([]byte, 60)
	p[0] = s.DataType
	binary.BigEndian.PutUint16(p[1:3], s.TripID)
	copy(p[3:9], timestamp(s.Time))
	copy(p[9:18], GPSBlock(s.Position))
	p[18] = s.GPSSpeed
	p[19] = s.HeadingRaw
	p[20] = s.Satellites
	p[21] = s.GSM
	binary.BigEndian.PutUint32(p[22:26], s.Odometer)
	binary.BigEndian.PutUint32(p[26:30], s.Status)

	e := p[30:]
	e[0] = s.Engine.Load
	e[1] = s.Engine.Coolant
	binary.BigEndian.PutUint16(e[2:4], s.Engine.RPMRaw)
	e[4] = s.Engine.Speed
	e[5] = s.Engine.Advance
	e[6] = s.Engine.Manifold
	e[7] = s.Engine.Voltage
	e[8] = s.Engine.Intake
	binary.BigEndian.PutUint16(e[9:11], s.Engine.AirFlow)
	e[11] = s.Engine.ThrottleRel
	e[12] = s.Engine.FuelTrim
	binary.BigEndian.PutUint16(e[13:15], s.Engine.AirFuel)
	e[15] = s.Engine.ThrottleAbs
	e[16] = s.Engine.FuelPressure
	binary.BigEndian.PutUint16(e[17:19], s.Engine.Fuel1)
	binary.BigEndian.PutUint16(e[19:21], s.Engine.Fuel2)
	return p
}

// IgnitionPayload builds a 3089 payload. A nil position yields the short
// 9-byte form.
func IgnitionPayload(on bool, tripID uint16, at time.Time, pos *Position) []byte {
	p := make([]byte, 9, 19)
	if on {
		p[0] = 0x01
	}
	binary.BigEndian.PutUint16(p[1:3], tripID)
	copy(p[3:9], timestamp(at))
	if pos != nil {
		p = append(p, GPSBlock(*pos)...)
		p = append(p, 0x00)
	}
	return p
}

var ErrUnframeable = errors.New("devicesim: payload cannot be framed")

// Frame wraps payload in a wire frame. When the escaped length would put the
// escape marker in the length field, zero bytes are appended; every decoder
// ignores trailing payload.
func Frame(deviceID string, code uint16, payload []byte) ([]byte, error) {
	p := payload
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := frame.Encode(deviceID, code, p)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, frame.ErrMarkerInPrefix) {
			return nil, err
		}
		p = append(append([]byte(nil), p...), 0x00)
	}
	return nil, ErrUnframeable
}

// timestamp writes the device clock, which runs eight hours behind the
// protocol zone.
func timestamp(t time.Time) []byte {
	t = t.UTC()
	return []byte{
		byte(t.Day()),
		byte(t.Month()),
		byte(t.Year() - 2000),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
}

func bcd(v uint64, digits int) []byte {
	out := make([]byte, digits/2)
	for i := len(out) - 1; i >= 0; i-- {
		lo := byte(v % 10)
		v /= 10
		hi := byte(v % 10)
		v /= 10
		out[i] = hi<<4 | lo
	}
	return out
}
