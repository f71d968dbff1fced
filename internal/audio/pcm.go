package audio

import (
	"encoding/binary"
	"math"
)

func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM converts normalized samples back to 16-bit little-endian PCM.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return out
}
