package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	HeaderMarker byte = 0x24
	TailMarker   byte = 0x0D
	EscapeMarker byte = 0x3D

	// PrefixLen covers header, device id, command and payload length.
	PrefixLen   = 11
	TrailerLen  = 2
	DeviceIDLen = 6

	offsetDeviceID = 1
	offsetCommand  = 7
	offsetLength   = 9
)

var (
	ErrHeaderNotFound  = errors.New("frame: header marker not found")
	ErrNeedMoreData    = errors.New("frame: incomplete frame")
	ErrFrameTooShort   = errors.New("frame: shorter than fixed prefix")
	ErrMalformed       = errors.New("frame: declared length exceeds frame")
	ErrBadDeviceID     = errors.New("frame: device id must be 12 hex characters")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrMarkerInPrefix  = errors.New("frame: escape marker in fixed prefix")
)

var staticAck = [...]byte{0x24, 0x24, 0x00, 0x01, 0x00, 0x0D}

// StaticAck returns the fixed acknowledgment written back to devices. It
// carries no checksum.
func StaticAck() []byte {
	out := make([]byte, len(staticAck))
	copy(out, staticAck[:])
	return out
}

// Result describes one Extract outcome.
//
// On success Frame is the exact wire span and Consumed counts everything up
// to and including its tail. On ErrNeedMoreData, Skip counts the noise bytes
// in front of the header that can be dropped without losing a frame.
type Result struct {
	Frame    []byte
	Offset   int
	Consumed int
	Skip     int
}

// Extract locates the first complete frame in buf. It never copies; Frame
// aliases buf.
func Extract(buf []byte) (Result, error) {
	start := -1
	for i, b := range buf {
		if b == HeaderMarker {
			start = i
			break
		}
	}
	if start < 0 {
		return Result{}, ErrHeaderNotFound
	}
	rest := buf[start:]
	if len(rest) < PrefixLen {
		return Result{Offset: start, Skip: start}, ErrNeedMoreData
	}
	total := FrameLen(int(binary.BigEndian.Uint16(rest[offsetLength:PrefixLen])))
	if len(rest) < total {
		return Result{Offset: start, Skip: start}, ErrNeedMoreData
	}
	return Result{
		Frame:    rest[:total:total],
		Offset:   start,
		Consumed: start + total,
	}, nil
}

// FrameLen is the full wire length of a frame with payload length n.
func FrameLen(n int) int {
	return PrefixLen + n + TrailerLen
}

// Decoded is a wire frame after unescaping.
type Decoded struct {
	Header        byte
	DeviceID      string
	Command       string
	Code          uint16
	Length        int
	Payload       []byte
	Checksum      byte
	Tail          byte
	ChecksumValid bool
	ReceivedAt    time.Time
	Raw           []byte
}

// Decode unescapes raw and splits it into fields. Checksum failures do not
// fail decoding; they clear ChecksumValid.
func Decode(raw []byte) (Decoded, error) {
	if len(raw) < PrefixLen {
		return Decoded{}, ErrFrameTooShort
	}
	declared := int(binary.BigEndian.Uint16(raw[offsetLength:PrefixLen]))
	if len(raw) < FrameLen(declared) {
		return Decoded{}, ErrMalformed
	}
	raw = raw[:FrameLen(declared)]

	u := Unescape(raw)
	if len(u) < PrefixLen+TrailerLen {
		return Decoded{}, ErrMalformed
	}

	out := Decoded{
		Header:        u[0],
		DeviceID:      hex.EncodeToString(u[offsetDeviceID:offsetCommand]),
		Command:       hex.EncodeToString(u[offsetCommand:offsetLength]),
		Code:          binary.BigEndian.Uint16(u[offsetCommand:offsetLength]),
		Length:        declared,
		Payload:       u[PrefixLen : len(u)-TrailerLen],
		Checksum:      u[len(u)-2],
		Tail:          u[len(u)-1],
		ChecksumValid: VerifyChecksum(raw),
		ReceivedAt:    time.Now().UTC(),
		Raw:           append([]byte(nil), raw...),
	}
	return out, nil
}

// Unescape removes inline escapes from bytes[1..len-2]. A marker is replaced
// by marker^next and next is dropped. The header and tail are never touched,
// and a marker without an in-range successor is kept as is. The scan is a
// single pass, so a decoded byte that equals the marker is not re-examined.
func Unescape(b []byte) []byte {
	n := len(b)
	out := make([]byte, unescapedLen(b))
	if n < 3 {
		copy(out, b)
		return out
	}
	last := n - 2
	out[0] = b[0]
	w := 1
	for i := 1; i <= last; i++ {
		if b[i] == EscapeMarker && i+1 <= last {
			out[w] = EscapeMarker ^ b[i+1]
			i++
		} else {
			out[w] = b[i]
		}
		w++
	}
	out[w] = b[n-1]
	return out
}

func unescapedLen(b []byte) int {
	n := len(b)
	if n < 3 {
		return n
	}
	size := n
	last := n - 2
	for i := 1; i <= last; i++ {
		if b[i] == EscapeMarker && i+1 <= last {
			size--
			i++
		}
	}
	return size
}

// Escape is the inverse of Unescape for one payload.
func Escape(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(payload)/8)
	for _, b := range payload {
		switch b {
		case HeaderMarker, TailMarker, EscapeMarker:
			out = append(out, EscapeMarker, b^EscapeMarker)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Checksum XOR-folds the wire bytes from the device id up to the last
// payload byte of a frame carrying n payload bytes.
func Checksum(raw []byte, n int) byte {
	var sum byte
	for _, b := range raw[1 : PrefixLen+n] {
		sum ^= b
	}
	return sum
}

// VerifyChecksum reports whether the checksum byte of raw matches its body.
func VerifyChecksum(raw []byte) bool {
	if len(raw) < PrefixLen {
		return false
	}
	n := int(binary.BigEndian.Uint16(raw[offsetLength:PrefixLen]))
	if len(raw) <= PrefixLen+n {
		return false
	}
	return Checksum(raw, n) == raw[PrefixLen+n]
}

// Encode builds a complete wire frame. The payload is escaped; the fixed
// prefix cannot be, so a prefix containing the escape marker is rejected.
func Encode(deviceID string, code uint16, payload []byte) ([]byte, error) {
	id, err := ParseDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	escaped := Escape(payload)
	if len(escaped) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	n := len(escaped)
	buf := make([]byte, FrameLen(n))
	buf[0] = HeaderMarker
	copy(buf[offsetDeviceID:offsetCommand], id)
	binary.BigEndian.PutUint16(buf[offsetCommand:offsetLength], code)
	binary.BigEndian.PutUint16(buf[offsetLength:PrefixLen], uint16(n))
	for _, b := range buf[1:PrefixLen] {
		if b == EscapeMarker {
			return nil, ErrMarkerInPrefix
		}
	}
	copy(buf[PrefixLen:], escaped)
	buf[PrefixLen+n] = Checksum(buf, n)
	buf[PrefixLen+n+1] = TailMarker
	return buf, nil
}

// ParseDeviceID converts the 12-character hex form to wire bytes.
func ParseDeviceID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*DeviceIDLen {
		return nil, ErrBadDeviceID
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrBadDeviceID
	}
	return id, nil
}
