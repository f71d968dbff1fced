package audio

import (
	"sync"
	"time"
)

// Chunk is one ingress unit of audio. It is never mutated after creation.
type Chunk struct {
	Data      []byte
	ArrivedAt time.Time
	Score     float64
}

// BufferConfig controls speech tracking and memory bounds for a Buffer.
type BufferConfig struct {
	SilenceThreshold  float64
	ActivityThreshold float64
	Debounce          time.Duration // silence needed after speech before speaking=false
	MaxAge            time.Duration // hard cap on buffered audio age
	PreSpeech         time.Duration // trailing silence kept while no episode is open
}

// DefaultBufferConfig returns buffer settings matching DefaultActivityConfig.
func DefaultBufferConfig() BufferConfig {
	act := DefaultActivityConfig()
	return BufferConfig{
		SilenceThreshold:  act.SilenceThreshold,
		ActivityThreshold: act.ActivityThreshold,
		Debounce:          150 * time.Millisecond,
		MaxAge:            30 * time.Second,
		PreSpeech:         300 * time.Millisecond,
	}
}

// Combined is the result of draining a buffer: every chunk concatenated in
// arrival order.
type Combined struct {
	Data       []byte
	Format     Format
	SampleRate int
	Chunks     int
	Duration   time.Duration
}

// BufferState is a point-in-time view used by the pause detector.
type BufferState struct {
	Chunks     int
	Bytes      int
	Speaking   bool
	LastSpeech time.Time
	Duration   time.Duration
}

// BufferStats counts chunks through the buffer. Added == Drained + Pruned +
// currently buffered.
type BufferStats struct {
	Added   uint64
	Drained uint64
	Pruned  uint64
}

// Buffer is the per-session ordered collection of chunks plus speech state.
// Add and Drain are serialized so a chunk is never lost or duplicated across
// a drain.
type Buffer struct {
	cfg        BufferConfig
	format     Format
	sampleRate int

	mu         sync.Mutex
	chunks     []Chunk
	size       int
	speaking   bool
	lastSpeech time.Time
	stats      BufferStats
}

// NewBuffer creates an empty buffer for a stream of the given format.
func NewBuffer(cfg BufferConfig, format Format, sampleRate int) *Buffer {
	return &Buffer{cfg: cfg, format: format, sampleRate: sampleRate}
}

// Format returns the stream format.
func (b *Buffer) Format() Format {
	return b.format
}

// SampleRate returns the stream sample rate.
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// Add appends a chunk and updates speech tracking. It reports whether the
// chunk counted as speech. Timestamps are clamped so the buffer stays
// monotonically ordered.
func (b *Buffer) Add(c Chunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.chunks); n > 0 && c.ArrivedAt.Before(b.chunks[n-1].ArrivedAt) {
		c.ArrivedAt = b.chunks[n-1].ArrivedAt
	}
	b.chunks = append(b.chunks, c)
	b.size += len(c.Data)
	b.stats.Added++

	speech := c.Score > b.cfg.ActivityThreshold
	if speech {
		b.speaking = true
		b.lastSpeech = c.ArrivedAt
	}
	if !speech && b.speaking && c.Score < b.cfg.SilenceThreshold && c.ArrivedAt.Sub(b.lastSpeech) > b.cfg.Debounce {
		b.speaking = false
	}

	b.pruneLocked(c.ArrivedAt)
	return speech
}

// Prune drops chunks older than the age cap relative to now and returns how
// many were removed.
func (b *Buffer) Prune(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pruneLocked(now)
}

func (b *Buffer) pruneLocked(now time.Time) int {
	keep := b.cfg.MaxAge
	if b.lastSpeech.IsZero() && b.cfg.PreSpeech > 0 && (keep <= 0 || b.cfg.PreSpeech < keep) {
		keep = b.cfg.PreSpeech
	}
	if keep <= 0 {
		return 0
	}
	drop := 0
	for drop < len(b.chunks) && now.Sub(b.chunks[drop].ArrivedAt) > keep {
		b.size -= len(b.chunks[drop].Data)
		drop++
	}
	if drop == 0 {
		return 0
	}
	b.chunks = append(b.chunks[:0:0], b.chunks[drop:]...)
	b.stats.Pruned += uint64(drop)
	return drop
}

// Drain concatenates every buffered chunk in arrival order, clears the buffer
// and closes the current speech episode. ok is false when nothing was buffered.
func (b *Buffer) Drain() (Combined, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Combined{Format: b.format, SampleRate: b.sampleRate}
	if len(b.chunks) == 0 {
		return out, false
	}

	data := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		data = append(data, c.Data...)
	}
	out.Data = data
	out.Chunks = len(b.chunks)
	out.Duration = EstimateDuration(len(data), b.format, b.sampleRate)

	b.stats.Drained += uint64(len(b.chunks))
	b.chunks = nil
	b.size = 0
	b.speaking = false
	b.lastSpeech = time.Time{}
	return out, true
}

// State returns a snapshot of the buffer for pause evaluation.
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferState{
		Chunks:     len(b.chunks),
		Bytes:      b.size,
		Speaking:   b.speaking,
		LastSpeech: b.lastSpeech,
		Duration:   EstimateDuration(b.size, b.format, b.sampleRate),
	}
}

// Stats returns the chunk counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
