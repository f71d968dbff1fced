// Package turn decides when a speaker has finished an utterance.
//
// A Detector keeps one scheduled task per session. The task wakes every
// pause interval, inspects the session buffer and invokes the registered
// callback once silence and buffered length both pass their thresholds. It
// then stops; the next ingress chunk starts a fresh task via Touch.
// Registering a session that already has a task cancels the old one first.
package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// Config controls pause detection.
type Config struct {
	PauseThreshold time.Duration
	MinAudio       time.Duration
	// Interval between evaluations. Zero means PauseThreshold.
	Interval time.Duration
}

// DefaultConfig returns conversational defaults.
func DefaultConfig() Config {
	return Config{
		PauseThreshold: 700 * time.Millisecond,
		MinAudio:       400 * time.Millisecond,
	}
}

func (c Config) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	if c.PauseThreshold > 0 {
		return c.PauseThreshold
	}
	return 100 * time.Millisecond
}

// Source is the buffer view the detector needs. *audio.Buffer satisfies it.
type Source interface {
	State() audio.BufferState
	Prune(now time.Time) int
}

// Verdict is the outcome of a single evaluation.
type Verdict int

const (
	// Idle means the buffer is empty and the task can stop.
	Idle Verdict = iota
	// Wait means keep ticking.
	Wait
	// Fire means the utterance is complete.
	Fire
)

// String returns a human-readable verdict.
func (v Verdict) String() string {
	switch v {
	case Idle:
		return "idle"
	case Wait:
		return "wait"
	case Fire:
		return "fire"
	default:
		return "unknown"
	}
}

type entry struct {
	source   Source
	callback func()
	cancel   context.CancelFunc // non-nil while the task is running
}

// Option customizes a Detector.
type Option func(*Detector)

// WithBusy installs a probe reporting whether a session is already
// processing. Busy sessions are never fired.
func WithBusy(fn func(sessionID string) bool) Option {
	return func(d *Detector) { d.busy = fn }
}

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(d *Detector) { d.now = fn }
}

// Detector is the per-session scheduled-task table.
type Detector struct {
	cfg  Config
	busy func(sessionID string) bool
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// NewDetector creates an empty detector.
func NewDetector(cfg Config, opts ...Option) *Detector {
	d := &Detector{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a session's buffer and processing callback. An existing
// registration for the session is replaced and its task cancelled.
func (d *Detector) Register(sessionID string, src Source, callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.entries[sessionID]; ok && old.cancel != nil {
		old.cancel()
		old.cancel = nil
	}
	d.entries[sessionID] = &entry{source: src, callback: callback}
}

// Unregister removes a session and cancels its task. Safe to call for
// sessions that were never registered or are already gone.
func (d *Detector) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	delete(d.entries, sessionID)
}

// Touch starts the session's task if it is not already running.
func (d *Detector) Touch(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok || e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx, sessionID, e)
}

// Running reports whether the session currently has a live task.
func (d *Detector) Running(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	return ok && e.cancel != nil
}

// Evaluate runs one pause check for a session without invoking its callback.
func (d *Detector) Evaluate(sessionID string) Verdict {
	d.mu.Lock()
	e, ok := d.entries[sessionID]
	d.mu.Unlock()
	if !ok {
		return Idle
	}
	return d.evaluate(sessionID, e)
}

// Close cancels every task and waits for them to exit.
func (d *Detector) Close() {
	d.mu.Lock()
	for id, e := range d.entries {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		delete(d.entries, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) loop(ctx context.Context, sessionID string, e *entry) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch d.evaluate(sessionID, e) {
		case Wait:
			continue
		case Idle:
			d.stop(sessionID, e)
			return
		case Fire:
			if !d.stop(sessionID, e) {
				return
			}
			metrics.PauseDetections.Inc()
			slog.Debug("pause detected", "session_id", sessionID)
			e.callback()
			return
		}
	}
}

// stop marks the task finished. It returns false when the entry was replaced,
// unregistered or already stopped, in which case the caller must not fire.
func (d *Detector) stop(sessionID string, e *entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[sessionID] != e || e.cancel == nil {
		return false
	}
	e.cancel()
	e.cancel = nil
	return true
}

func (d *Detector) evaluate(sessionID string, e *entry) Verdict {
	now := d.now()
	if n := e.source.Prune(now); n > 0 {
		metrics.BufferPruned.Add(float64(n))
	}
	st := e.source.State()
	if st.Chunks == 0 {
		return Idle
	}
	if d.busy != nil && d.busy(sessionID) {
		return Wait
	}
	if st.LastSpeech.IsZero() {
		return Wait
	}
	if now.Sub(st.LastSpeech) < d.cfg.PauseThreshold {
		return Wait
	}
	if st.Duration < d.cfg.MinAudio {
		return Wait
	}
	return Fire
}
