package audio

import (
	"encoding/binary"
	"math"
)

// ActivityConfig holds the threshold pair shared by the scorer and the
// session buffer. SilenceThreshold must be below ActivityThreshold.
type ActivityConfig struct {
	SilenceThreshold  float64
	ActivityThreshold float64
	LowGain           float64 // applied to energy between the thresholds
	HighGain          float64 // applied to energy above ActivityThreshold
}

// DefaultActivityConfig returns thresholds tuned for 16-bit speech at normal
// microphone gain.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		SilenceThreshold:  0.01,
		ActivityThreshold: 0.03,
		LowGain:           0.5,
		HighGain:          10,
	}
}

// Scorer maps raw 16-bit little-endian PCM to a voice activity score in [0,1].
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	cfg ActivityConfig
}

// NewScorer creates a scorer for the given thresholds.
func NewScorer(cfg ActivityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the thresholds the scorer was built with.
func (s *Scorer) Config() ActivityConfig {
	return s.cfg
}

// Score returns the activity score of a chunk of 16-bit PCM.
func (s *Scorer) Score(chunk []byte) float64 {
	return s.ScoreEnergy(Energy(chunk))
}

// ScoreChunk scores a chunk of a stream in the given format. Frames of a
// format we cannot decode score 1 when non-empty: delivery itself is the
// activity, and a pause is a gap between frames.
func (s *Scorer) ScoreChunk(chunk []byte, format Format, sampleRate int) float64 {
	if format == FormatPCM16 {
		return s.Score(chunk)
	}
	samples, ok := Samples(chunk, format, sampleRate)
	if !ok {
		if len(chunk) == 0 {
			return 0
		}
		return 1
	}
	return s.ScoreSamples(samples)
}

// ScoreSamples scores already-decoded samples normalized to [-1, 1].
func (s *Scorer) ScoreSamples(samples []float32) float64 {
	return s.ScoreEnergy(rms(samples))
}

// ScoreEnergy applies the threshold mapping to a normalized RMS energy.
func (s *Scorer) ScoreEnergy(energy float64) float64 {
	switch {
	case energy < s.cfg.SilenceThreshold:
		return 0
	case energy <= s.cfg.ActivityThreshold:
		return min(1, energy*s.cfg.LowGain)
	default:
		return min(1, energy*s.cfg.HighGain)
	}
}

// Energy is the root-mean-square of 16-bit LE samples normalized against
// full-scale amplitude. A trailing odd byte is ignored.
func Energy(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(chunk[i*2:]))) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
