package audio

import (
	"fmt"
	"time"
)

// Format names the encoding of an audio stream as declared by the client.
type Format string

const (
	FormatPCM16    Format = "pcm16"
	FormatWAV      Format = "wav"
	FormatG711Ulaw Format = "g711_ulaw"
	FormatG711Alaw Format = "g711_alaw"
	FormatWebM     Format = "webm"
	FormatOpus     Format = "opus"
	FormatMP3      Format = "mp3"
)

const (
	wavHeaderSize = 44

	// compressedBytesPerSecond assumes a 32 kbps stream for containers whose
	// bitrate we cannot read. Erring high on bitrate keeps duration estimates
	// short, so the minimum-length gate is never passed early.
	compressedBytesPerSecond = 4000
)

// decoder holds a format's decode function and its fixed output sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (e.g. PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Format]decoder{
	FormatPCM16:    {fn: decodePCM, rate: 0},
	FormatWAV:      {fn: decodeWAV, rate: 0},
	FormatG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	FormatG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// Valid reports whether f is one of the declared stream formats.
func (f Format) Valid() bool {
	switch f {
	case FormatPCM16, FormatWAV, FormatG711Ulaw, FormatG711Alaw, FormatWebM, FormatOpus, FormatMP3:
		return true
	}
	return false
}

// Decodable reports whether raw samples can be recovered from the format.
func (f Format) Decodable() bool {
	_, ok := decoders[f]
	return ok
}

// Decode converts encoded audio bytes to float32 samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, format Format, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[format]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported format: %s", format)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// EstimateDuration estimates the playback length of size bytes of audio.
// Unknown and compressed formats fall back to a conservative bitrate.
func EstimateDuration(size int, format Format, sampleRate int) time.Duration {
	if size <= 0 {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	var bytesPerSecond int
	switch format {
	case FormatPCM16:
		bytesPerSecond = sampleRate * 2
	case FormatWAV:
		size = max(0, size-wavHeaderSize)
		bytesPerSecond = sampleRate * 2
	case FormatG711Ulaw, FormatG711Alaw:
		bytesPerSecond = 8000
	default:
		bytesPerSecond = compressedBytesPerSecond
	}
	return time.Duration(float64(size) / float64(bytesPerSecond) * float64(time.Second))
}

// ForTranscription converts a combined payload into what speech-to-text
// servers accept. Decodable formats become 16 kHz mono WAV; everything else
// passes through unchanged with its own file extension.
func ForTranscription(data []byte, format Format, sampleRate int) ([]byte, string, error) {
	if !format.Decodable() {
		return data, string(format), nil
	}
	if format == FormatPCM16 && sampleRate == 16000 {
		return PCMToWAV(data, sampleRate), string(FormatWAV), nil
	}
	samples, rate, err := Decode(data, format, sampleRate)
	if err != nil {
		return nil, "", err
	}
	return SamplesToWAV(Resample(samples, rate, 16000), 16000), string(FormatWAV), nil
}

// Samples returns the chunk as normalized samples for activity scoring.
// ok is false for formats that cannot be decoded without a codec.
func Samples(data []byte, format Format, sampleRate int) ([]float32, bool) {
	if !format.Decodable() {
		return nil, false
	}
	samples, _, err := Decode(data, format, sampleRate)
	if err != nil {
		return nil, false
	}
	return samples, true
}
