package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

const (
	kindTranscript = "stt"
	kindSpeech     = "tts"
)

// Cache is the memoization layer the pipeline talks to.
type Cache struct {
	store         Store
	transcriptTTL time.Duration
	speechTTL     time.Duration
}

// New wraps store with per-kind TTLs.
func New(store Store, transcriptTTL, speechTTL time.Duration) *Cache {
	return &Cache{store: store, transcriptTTL: transcriptTTL, speechTTL: speechTTL}
}

// TranscriptKey derives the key for a transcription of audio.
func TranscriptKey(audio []byte, format, language string) string {
	h := sha256.New()
	h.Write(audio)
	h.Write([]byte{0})
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write([]byte(language))
	return kindTranscript + ":" + hex.EncodeToString(h.Sum(nil))
}

// SpeechKey derives the key for synthesized audio of text in voice.
func SpeechKey(voice, text string) string {
	h := sha256.New()
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return kindSpeech + ":" + hex.EncodeToString(h.Sum(nil))
}

// Transcript returns a cached transcription.
func (c *Cache) Transcript(ctx context.Context, key string) (string, bool) {
	v, ok := c.get(ctx, kindTranscript, key)
	return string(v), ok
}

// PutTranscript stores a transcription.
func (c *Cache) PutTranscript(ctx context.Context, key, text string) {
	c.set(ctx, kindTranscript, key, []byte(text), c.transcriptTTL)
}

// Speech returns cached synthesized audio.
func (c *Cache) Speech(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, kindSpeech, key)
}

// PutSpeech stores synthesized audio.
func (c *Cache) PutSpeech(ctx context.Context, key string, audio []byte) {
	c.set(ctx, kindSpeech, key, audio, c.speechTTL)
}

func (c *Cache) get(ctx context.Context, kind, key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	v, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
		return v, true
	case errors.Is(err, ErrMiss):
		metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		slog.Debug("cache get failed", "kind", kind, "error", err)
	}
	return nil, false
}

func (c *Cache) set(ctx context.Context, kind, key string, value []byte, ttl time.Duration) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		slog.Debug("cache set failed", "kind", kind, "error", err)
	}
}
