package audio

import (
	"encoding/binary"
	"math"
)

// SamplesToWAV encodes float32 PCM samples as a mono 16-bit WAV byte slice.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	buf := make([]byte, wavHeaderSize+len(samples)*2)
	putWAVHeader(buf, len(samples)*2, sampleRate)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return buf
}

// PCMToWAV wraps raw 16-bit mono PCM in a WAV header without re-encoding.
func PCMToWAV(pcm []byte, sampleRate int) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	putWAVHeader(buf, len(pcm), sampleRate)
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

func putWAVHeader(buf []byte, dataLen, sampleRate int) {
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wavHeaderSize+dataLen-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
}

// wavPayload returns the sample bytes of a RIFF/WAVE stream. Frames without
// a RIFF header are continuation frames of raw PCM and pass through.
func wavPayload(data []byte) []byte {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return data
	}
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if id == "data" {
			// streamed headers often carry a zero or placeholder size
			return data[off:]
		}
		off += size + size&1
	}
	return nil
}

func decodeWAV(data []byte) []float32 {
	return decodePCM(wavPayload(data))
}
