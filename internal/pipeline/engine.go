// Package pipeline turns buffered session audio into routed, executed and
// spoken responses, one cancellable processing unit at a time per session.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/cache"
	"github.com/hubenschmidt/hero365-voice/internal/coordinator"
	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
	"github.com/hubenschmidt/hero365-voice/internal/trace"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/turn"
)

// Config holds engine tuning.
type Config struct {
	Activity        audio.ActivityConfig
	Buffer          audio.BufferConfig
	Turn            turn.Config
	GracePeriod     time.Duration
	Language        string
	Voice           string
	FallbackHandler string
}

// DefaultConfig returns conversational defaults.
func DefaultConfig() Config {
	return Config{
		Activity:        audio.DefaultActivityConfig(),
		Buffer:          audio.DefaultBufferConfig(),
		Turn:            turn.DefaultConfig(),
		GracePeriod:     500 * time.Millisecond,
		Language:        "en",
		FallbackHandler: "general",
	}
}

// Deps are the engine's collaborators. Synthesizer, Cache and Traces may be
// nil.
type Deps struct {
	Transcriber Transcriber
	Synthesizer Synthesizer
	Registry    *handlers.Registry
	Router      *triage.Router
	Coordinator *coordinator.Coordinator
	Cache       *cache.Cache
	Relay       Relay
	Traces      trace.Writer
}

// SessionOptions describe a session's audio stream and caller.
type SessionOptions struct {
	ID         string
	Context    handlers.SessionContext
	Format     audio.Format
	SampleRate int
	Voice      string
	Language   string
}

// processingState is the handle of one in-flight unit.
type processingState struct {
	unitID    string
	startedAt time.Time
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// signal sets the cooperative flag and cancels the unit's context.
func (p *processingState) signal() bool {
	if p.cancelled.Swap(true) {
		return false
	}
	p.cancel()
	return true
}

func (p *processingState) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type session struct {
	id       string
	sc       handlers.SessionContext
	voice    string
	language string
	buffer   *audio.Buffer
	tracer   *trace.Tracer
	closed   atomic.Bool

	startMu sync.Mutex // serializes StartProcessing
	mu      sync.Mutex
	state   *processingState
}

func (s *session) current() *processingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) release(st *processingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		s.state = nil
	}
}

// Engine owns every live session's buffer, pause detection and processing
// state.
type Engine struct {
	cfg      Config
	deps     Deps
	scorer   *audio.Scorer
	detector *turn.Detector

	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewEngine wires an engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		scorer:   audio.NewScorer(cfg.Activity),
		sessions: make(map[string]*session),
	}
	e.detector = turn.NewDetector(cfg.Turn, turn.WithBusy(e.IsProcessing))
	return e
}

// Registry exposes the handler registry.
func (e *Engine) Registry() *handlers.Registry {
	return e.deps.Registry
}

// Router exposes the triage router.
func (e *Engine) Router() *triage.Router {
	return e.deps.Router
}

// OpenSession creates per-session state and registers its pause callback.
func (e *Engine) OpenSession(opts SessionOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Format == "" {
		opts.Format = audio.FormatPCM16
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Language == "" {
		opts.Language = e.cfg.Language
	}
	if opts.Voice == "" {
		opts.Voice = e.cfg.Voice
	}
	opts.Context.SessionID = id
	opts.Context.Language = opts.Language

	s := &session{
		id:       id,
		sc:       opts.Context,
		voice:    opts.Voice,
		language: opts.Language,
		buffer:   audio.NewBuffer(e.cfg.Buffer, opts.Format, opts.SampleRate),
	}

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return "", ErrSessionExists
	}
	e.sessions[id] = s
	e.mu.Unlock()

	if e.deps.Traces != nil {
		s.tracer = trace.NewTracer(e.deps.Traces, trace.Session{
			ID:           id,
			UserID:       opts.Context.UserID,
			BusinessID:   opts.Context.BusinessID,
			BusinessType: opts.Context.BusinessType,
			StartedAt:    time.Now(),
		})
	}
	e.detector.Register(id, s.buffer, func() { e.StartProcessing(id) })

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	slog.Info("session opened", "session_id", id, "format", opts.Format, "sample_rate", opts.SampleRate, "business_type", opts.Context.BusinessType)
	return id, nil
}

func (e *Engine) session(id string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[id]
}

// Ingest scores a chunk, appends it to the session buffer and keeps the pause
// timer alive. Speech arriving while a unit is in flight cancels that unit.
func (e *Engine) Ingest(sessionID string, data []byte) error {
	s := e.session(sessionID)
	if s == nil {
		return ErrUnknownSession
	}
	metrics.AudioChunks.Inc()

	score := e.scorer.ScoreChunk(data, s.buffer.Format(), s.buffer.SampleRate())
	if s.buffer.Add(audio.Chunk{Data: data, ArrivedAt: time.Now(), Score: score}) {
		metrics.SpeechChunks.Inc()
		e.bargeIn(s)
	}
	e.detector.Touch(sessionID)
	return nil
}

func (e *Engine) bargeIn(s *session) {
	st := s.current()
	if st == nil || st.finished() {
		return
	}
	if st.signal() {
		metrics.BargeIns.Inc()
		slog.Info("barge-in", "session_id", s.id, "unit_id", st.unitID)
	}
}

// IsProcessing reports whether a live, uncancelled unit is running for the
// session.
func (e *Engine) IsProcessing(sessionID string) bool {
	s := e.session(sessionID)
	if s == nil {
		return false
	}
	st := s.current()
	return st != nil && !st.cancelled.Load() && !st.finished()
}

// Commit processes whatever is buffered without waiting for a pause.
func (e *Engine) Commit(sessionID string) error {
	if e.session(sessionID) == nil {
		return ErrUnknownSession
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.StartProcessing(sessionID)
	}()
	return nil
}

// StartProcessing begins a unit for the session. A unit already in flight is
// cancelled and awaited (up to the grace period) first, so at most one
// uncancelled unit exists per session. An empty buffer is a silent no-op, as
// is a session that has gone away.
func (e *Engine) StartProcessing(sessionID string) {
	s := e.session(sessionID)
	if s == nil {
		return
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.closed.Load() {
		return
	}

	if prev := s.current(); prev != nil {
		prev.signal()
		e.await(s, prev)
	}

	clip, ok := s.buffer.Drain()
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &processingState{
		unitID:    uuid.NewString(),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	metrics.Units.WithLabelValues("started").Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer s.release(st)
		defer close(st.done)
		e.runUnit(ctx, s, st, clip)
	}()
}

// await waits for a cancelled unit to unwind, bounded by the grace period.
func (e *Engine) await(s *session, st *processingState) {
	if e.cfg.GracePeriod <= 0 {
		<-st.done
		return
	}
	timer := time.NewTimer(e.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-st.done:
	case <-timer.C:
		slog.Warn("prior unit still running after grace period", "session_id", s.id, "unit_id", st.unitID, "grace", e.cfg.GracePeriod)
	}
}

// CloseSession cancels any in-flight unit and removes all session state.
// Calling it for an unknown session is a no-op.
func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.shutdown(s)
}

func (e *Engine) shutdown(s *session) {
	s.closed.Store(true)
	e.detector.Unregister(s.id)

	s.startMu.Lock()
	if st := s.current(); st != nil {
		st.signal()
		e.await(s, st)
	}
	s.startMu.Unlock()

	s.tracer.Close()
	metrics.SessionsActive.Dec()
	stats := s.buffer.Stats()
	slog.Info("session closed", "session_id", s.id, "chunks", stats.Added, "pruned", stats.Pruned)
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Close ends every session and waits for background work to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*session, 0, len(e.sessions))
	for id, s := range e.sessions {
		open = append(open, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	for _, s := range open {
		e.shutdown(s)
	}
	e.detector.Close()
	e.wg.Wait()
}
