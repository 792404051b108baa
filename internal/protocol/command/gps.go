package command

// GPS flag bits in the last block byte, numbered from the most significant
// bit as the protocol document does.
const (
	gpsFlagPositioned  byte = 0x80
	gpsFlagNorth       byte = 0x40
	gpsFlagEast        byte = 0x20
	gpsFlagBaseStation byte = 0x10

	minuteScale = 0.0001 / 60
)

// decodeGPSBlock decodes the 9-byte position block.
//
// Latitude degrees are a plain byte; the minute value is the BCD digits of
// bytes 1-3. Longitude is 10 BCD nibbles over bytes 4-8: three degree
// digits then six minute digits. Digit runs stop at the first non-decimal
// nibble, which is how the flag nibble sharing byte 8 gets ignored.
func decodeGPSBlock(b []byte) GPSFix {
	lat := float64(b[0]) + float64(decimalPrefix(nibbles(b[1:4])))*minuteScale

	lon := nibbles(b[4:9])
	lng := float64(decimalPrefix(lon[0:3])) + float64(decimalPrefix(lon[3:9]))*minuteScale

	flags := b[8]
	if flags&gpsFlagNorth == 0 {
		lat = -lat
	}
	if flags&gpsFlagEast == 0 {
		lng = -lng
	}
	positioned := flags&gpsFlagPositioned != 0
	baseStation := flags&gpsFlagBaseStation != 0
	return GPSFix{
		Latitude:    round(lat, 5),
		Longitude:   round(lng, 7),
		FixValid:    positioned && !baseStation,
		Positioned:  positioned,
		BaseStation: baseStation,
	}
}

func nibbles(b []byte) []byte {
	out := make([]byte, 0, 2*len(b))
	for _, v := range b {
		out = append(out, v>>4, v&0x0F)
	}
	return out
}

func decimalPrefix(digits []byte) int {
	v := 0
	for _, d := range digits {
		if d > 9 {
			break
		}
		v = v*10 + int(d)
	}
	return v
}
