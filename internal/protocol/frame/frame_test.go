package frame

import (
	"bytes"
	"errors"
	"testing"
)

const testDeviceID = "123456789012"

func mustEncode(t *testing.T, code uint16, payload []byte) []byte {
	t.Helper()
	raw, err := Encode(testDeviceID, code, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestExtractSkipsNoiseAndLeavesTrailingBytes(t *testing.T) {
	f := mustEncode(t, 0x3080, []byte{1, 2, 3, 4, 5})
	noise := []byte{0x01, 0xFF, 0x7E}
	trailing := []byte{0xAA, 0x24, 0x00}

	buf := append(append(append([]byte{}, noise...), f...), trailing...)
	res, err := Extract(buf)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Offset != len(noise) {
		t.Fatalf("offset got=%d want=%d", res.Offset, len(noise))
	}
	if want := len(noise) + PrefixLen + 5 + TrailerLen; res.Consumed != want {
		t.Fatalf("consumed got=%d want=%d", res.Consumed, want)
	}
	if !bytes.Equal(res.Frame, f) {
		t.Fatalf("frame mismatch: got=% x want=% x", res.Frame, f)
	}
	if !bytes.Equal(buf[res.Consumed:], trailing) {
		t.Fatalf("trailing bytes modified: % x", buf[res.Consumed:])
	}
}

func TestExtractNeedMoreData(t *testing.T) {
	f := mustEncode(t, 0x3080, bytes.Repeat([]byte{0x11}, 20))
	for cut := 1; cut < len(f); cut++ {
		res, err := Extract(append([]byte{0x00, 0x01}, f[:cut]...))
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("cut=%d expected ErrNeedMoreData, got %v", cut, err)
		}
		if res.Consumed != 0 {
			t.Fatalf("cut=%d consumed=%d", cut, res.Consumed)
		}
		if res.Skip != 2 {
			t.Fatalf("cut=%d skip=%d", cut, res.Skip)
		}
	}
}

func TestExtractHeaderNotFound(t *testing.T) {
	if _, err := Extract([]byte{0x00, 0x01, 0x02}); !errors.Is(err, ErrHeaderNotFound) {
		t.Fatalf("expected ErrHeaderNotFound, got %v", err)
	}
	if _, err := Extract(nil); !errors.Is(err, ErrHeaderNotFound) {
		t.Fatalf("expected ErrHeaderNotFound on empty buffer, got %v", err)
	}
}

func TestChecksumSelfConsistencyAndBitFlips(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	raw := mustEncode(t, 0x3089, payload)
	if !VerifyChecksum(raw) {
		t.Fatalf("expected own checksum to validate")
	}
	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), raw...)
			flipped[PrefixLen+i] ^= 1 << bit
			if VerifyChecksum(flipped) {
				t.Fatalf("flip byte=%d bit=%d not detected", i, bit)
			}
		}
	}
}

func TestDecodeFlagsChecksumMismatchWithoutDropping(t *testing.T) {
	raw := mustEncode(t, 0x3080, []byte{1, 2, 3})
	raw[PrefixLen+3] ^= 0xFF
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.ChecksumValid {
		t.Fatalf("expected ChecksumValid=false")
	}
	if !bytes.Equal(d.Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload mismatch: % x", d.Payload)
	}
}

func TestDecodeFields(t *testing.T) {
	raw := mustEncode(t, 0x308a, []byte{0xAB, 0xCD})
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.DeviceID != testDeviceID {
		t.Fatalf("device id got=%q", d.DeviceID)
	}
	if d.Command != "308a" || d.Code != 0x308a {
		t.Fatalf("command got=%q code=%#x", d.Command, d.Code)
	}
	if d.Length != 2 || d.Header != HeaderMarker || d.Tail != TailMarker {
		t.Fatalf("unexpected header fields: %+v", d)
	}
	if !d.ChecksumValid {
		t.Fatalf("expected valid checksum")
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{0x24, 0x01}); !errors.Is(err, ErrFrameTooShort) {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
	raw := mustEncode(t, 0x3080, []byte{1, 2, 3})
	if _, err := Decode(raw[:len(raw)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEscapeRoundTripThroughDecode(t *testing.T) {
	payload := []byte{0x01, HeaderMarker, 0x02, TailMarker, EscapeMarker, 0x03, EscapeMarker}
	raw := mustEncode(t, 0x3080, payload)
	if n := bytes.Count(raw[PrefixLen:len(raw)-TrailerLen], []byte{HeaderMarker}); n != 0 {
		t.Fatalf("escaped payload still carries %d header markers", n)
	}
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(d.Payload, payload) {
		t.Fatalf("payload got=% x want=% x", d.Payload, payload)
	}
	if d.Length != len(payload)+4 {
		t.Fatalf("declared length got=%d want=%d", d.Length, len(payload)+4)
	}
	if !d.ChecksumValid {
		t.Fatalf("expected valid checksum")
	}
}

func TestUnescapeRemovesMarkersAndIsStableOnPlainData(t *testing.T) {
	in := []byte{HeaderMarker, 0x01, EscapeMarker, 0x19, 0x02, EscapeMarker, 0x30, 0x55, TailMarker}
	out := Unescape(in)
	want := []byte{HeaderMarker, 0x01, 0x24, 0x02, 0x0D, 0x55, TailMarker}
	if !bytes.Equal(out, want) {
		t.Fatalf("unescape got=% x want=% x", out, want)
	}
	if bytes.IndexByte(out[1:len(out)-1], EscapeMarker) >= 0 {
		t.Fatalf("marker left in range: % x", out)
	}
	if again := Unescape(out); !bytes.Equal(again, out) {
		t.Fatalf("second pass changed plain data: % x", again)
	}
}

func TestUnescapeLeavesTailAndTrailingMarker(t *testing.T) {
	in := []byte{HeaderMarker, 0x01, EscapeMarker, TailMarker}
	if out := Unescape(in); !bytes.Equal(out, in) {
		t.Fatalf("marker without in-range successor must be kept: % x", out)
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	if _, err := Encode("xyz", 0x3080, nil); !errors.Is(err, ErrBadDeviceID) {
		t.Fatalf("expected ErrBadDeviceID, got %v", err)
	}
	if _, err := Encode(testDeviceID, 0x3080, make([]byte, 0x3D)); !errors.Is(err, ErrMarkerInPrefix) {
		t.Fatalf("expected ErrMarkerInPrefix, got %v", err)
	}
}

func TestStaticAckIsCopied(t *testing.T) {
	a := StaticAck()
	a[0] = 0
	if b := StaticAck(); b[0] != 0x24 || len(b) != 6 || b[5] != 0x0D {
		t.Fatalf("static ack mutated: % x", b)
	}
}
