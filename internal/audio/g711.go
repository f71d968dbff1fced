package audio

import "math"

// G.711 expands 8-bit companded codes to 16-bit linear PCM. Both laws are
// decoded through 256-entry tables built once at init.
var (
	muLaw = buildTable(expandMuLaw)
	aLaw  = buildTable(expandALaw)
)

func buildTable(expand func(byte) int16) (t [256]float32) {
	for i := range t {
		t[i] = float32(expand(byte(i))) / math.MaxInt16
	}
	return t
}

// expandMuLaw follows ITU-T G.711 with the 0x84 bias.
func expandMuLaw(code byte) int16 {
	code = ^code
	seg := (code >> 4) & 0x07
	mag := (int16(code&0x0F)<<3 + 0x84) << seg
	mag -= 0x84
	if code&0x80 != 0 {
		return -mag
	}
	return mag
}

// expandALaw follows ITU-T G.711 with even-bit inversion.
func expandALaw(code byte) int16 {
	code ^= 0x55
	seg := (code >> 4) & 0x07
	mant := int16(code & 0x0F)
	mag := mant<<4 + 8
	if seg > 0 {
		mag = (mant<<4 + 0x108) << (seg - 1)
	}
	if code&0x80 == 0 {
		return -mag
	}
	return mag
}

func decodeG711(data []byte, table *[256]float32) []float32 {
	out := make([]float32, len(data))
	for i, c := range data {
		out[i] = table[c]
	}
	return out
}

func decodeG711Ulaw(data []byte) []float32 { return decodeG711(data, &muLaw) }

func decodeG711Alaw(data []byte) []float32 { return decodeG711(data, &aLaw) }
