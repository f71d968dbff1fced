package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/cache"
	"github.com/hubenschmidt/hero365-voice/internal/coordinator"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
	"github.com/hubenschmidt/hero365-voice/internal/prompts"
	"github.com/hubenschmidt/hero365-voice/internal/trace"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
)

// run carries one unit through transcribe, route, execute, synthesize.
type run struct {
	e       *Engine
	s       *session
	st      *processingState
	traceID string

	transcript string
	handlers   []string
	response   string
	degraded   bool
	status     string
}

func (e *Engine) runUnit(ctx context.Context, s *session, st *processingState, clip audio.Combined) {
	r := &run{e: e, s: s, st: st, traceID: s.tracer.StartUnit(), status: trace.StatusCompleted}
	slog.Info("unit started", "session_id", s.id, "unit_id", st.unitID, "chunks", clip.Chunks, "audio_ms", clip.Duration.Milliseconds())

	err := r.process(ctx, clip)
	switch {
	case errors.Is(err, ErrSessionClosed):
		r.status = trace.StatusCancelled
		slog.Info("unit abandoned, session closed", "session_id", s.id, "unit_id", st.unitID)
	case errors.Is(err, ErrCancelled):
		r.status = trace.StatusCancelled
		if !s.closed.Load() {
			r.emit(Message{Type: MsgCancelled, Reason: "superseded"})
		}
		slog.Info("unit cancelled", "session_id", s.id, "unit_id", st.unitID)
	case err != nil:
		r.status = trace.StatusDegraded
		slog.Error("unit failed", "session_id", s.id, "unit_id", st.unitID, "error", err)
	case r.degraded && r.status == trace.StatusCompleted:
		r.status = trace.StatusDegraded
	}

	elapsed := time.Since(st.startedAt)
	metrics.Units.WithLabelValues(r.status).Inc()
	if r.status != trace.StatusCancelled {
		metrics.E2EDuration.Observe(elapsed.Seconds())
	}
	s.tracer.FinishUnit(trace.Unit{
		ID:         r.traceID,
		StartedAt:  st.startedAt,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Transcript: r.transcript,
		Handlers:   strings.Join(r.handlers, ","),
		Response:   r.response,
		Status:     r.status,
	})
	slog.Info("unit finished", "session_id", s.id, "unit_id", st.unitID, "status", r.status, "elapsed_ms", elapsed.Milliseconds())
}

func (r *run) process(ctx context.Context, clip audio.Combined) error {
	if err := r.emit(Message{Type: MsgStatus, Status: "processing"}); err != nil {
		return err
	}

	text, err := r.transcribe(ctx, clip)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		slog.Error("transcription failed", "session_id", r.s.id, "unit_id", r.st.unitID, "error", err)
		r.degraded = true
		return r.respond(ctx, prompts.Apology)
	}
	r.transcript = text

	if Unintelligible(text) {
		metrics.ASRNoiseFiltered.Inc()
		r.status = trace.StatusUnintelligible
		return r.respond(ctx, prompts.Unintelligible)
	}
	if err := r.emit(Message{Type: MsgTranscript, Text: text}); err != nil {
		return err
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	dec := r.route(text)
	if err := r.emit(Message{Type: MsgRouting, Routing: &dec, Handlers: dec.Names()}); err != nil {
		return err
	}

	units, prompt := r.plan(dec)
	if len(units) == 0 {
		return r.respond(ctx, prompt)
	}

	response := r.execute(ctx, text, units)
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	return r.respond(ctx, response)
}

// checkpoint reports ErrCancelled once the unit has been superseded.
func (r *run) checkpoint(ctx context.Context) error {
	if r.st.cancelled.Load() || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// emit sends msg for this unit. A cancelled unit only ever sends its
// cancellation notice.
func (r *run) emit(msg Message) error {
	if msg.Type != MsgCancelled && r.st.cancelled.Load() {
		return ErrCancelled
	}
	msg.SessionID = r.s.id
	msg.UnitID = r.st.unitID
	err := r.e.deps.Relay.Send(r.s.id, msg)
	if errors.Is(err, ErrSessionClosed) {
		r.s.closed.Store(true)
		r.st.signal()
		return ErrSessionClosed
	}
	if err != nil {
		slog.Warn("relay send failed", "session_id", r.s.id, "type", msg.Type, "error", err)
	}
	return nil
}

func (r *run) transcribe(ctx context.Context, clip audio.Combined) (string, error) {
	started := time.Now()
	key := cache.TranscriptKey(clip.Data, string(clip.Format), r.s.language)
	if text, ok := r.e.deps.Cache.Transcript(ctx, key); ok {
		r.s.tracer.RecordSpan(r.traceID, "transcribe", started, "cache", text, nil)
		return text, r.checkpoint(ctx)
	}

	text, err := r.e.deps.Transcriber.Transcribe(ctx, clip, r.s.language)
	metrics.StageDuration.WithLabelValues("transcribe").Observe(time.Since(started).Seconds())
	if cerr := r.checkpoint(ctx); cerr != nil {
		return "", cerr
	}
	text = strings.TrimSpace(text)
	r.s.tracer.RecordSpan(r.traceID, "transcribe", started, clip.Duration.String(), text, err)
	if err != nil {
		return "", err
	}
	if !Unintelligible(text) {
		r.e.deps.Cache.PutTranscript(ctx, key, text)
	}
	return text, nil
}

func (r *run) route(text string) triage.Decision {
	started := time.Now()
	dec := r.e.deps.Router.Route(text, r.s.sc)
	metrics.StageDuration.WithLabelValues("route").Observe(time.Since(started).Seconds())
	r.s.tracer.RecordSpan(r.traceID, "route", started, text, strings.Join(dec.Names(), ","), nil)
	slog.Info("routed", "session_id", r.s.id, "unit_id", r.st.unitID, "candidates", dec.Names(), "denied", dec.Denied)
	return dec
}

// plan turns a routing decision into coordinator units. With nothing
// selected it falls back to the general handler, or returns the prompt to
// speak instead.
func (r *run) plan(dec triage.Decision) ([]coordinator.Unit, string) {
	reg := r.e.deps.Registry
	selected := dec.Select(r.e.deps.Router.SelectRatio())
	if len(selected) == 0 {
		if len(dec.Denied) > 0 {
			return nil, prompts.PermissionDenied
		}
		fb := r.e.cfg.FallbackHandler
		if fb == "" {
			return nil, prompts.Clarification
		}
		if _, _, err := reg.Authorize(fb, r.s.sc); err != nil {
			return nil, prompts.Clarification
		}
		selected = []string{fb}
	}

	seen := make(map[string]bool, len(selected))
	var units []coordinator.Unit
	var add func(name string)
	add = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		d, ok := reg.Get(name)
		if !ok {
			units = append(units, coordinator.Unit{Handler: name})
			return
		}
		for _, dep := range d.DependsOn {
			if _, _, err := reg.Authorize(dep, r.s.sc); err == nil {
				add(dep)
			}
		}
		units = append(units, coordinator.Unit{Handler: name, DependsOn: d.DependsOn})
	}
	for _, name := range selected {
		add(name)
	}
	return units, ""
}

// execute runs the planned units. Handler calls are not interrupted by
// cancellation; the unit checks its flag once they return.
func (r *run) execute(ctx context.Context, request string, units []coordinator.Unit) string {
	sequential := false
	for i := range units {
		units[i].Request = request
		if len(units[i].DependsOn) > 0 {
			sequential = true
		}
	}

	started := time.Now()
	hctx := context.WithoutCancel(ctx)
	var batch coordinator.BatchResult
	if sequential {
		batch = r.e.deps.Coordinator.RunSequential(hctx, r.s.sc, units)
	} else {
		batch = r.e.deps.Coordinator.RunConcurrent(hctx, r.s.sc, units)
	}
	metrics.StageDuration.WithLabelValues("execute").Observe(time.Since(started).Seconds())

	outputs := batch.Outputs()
	texts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		r.handlers = append(r.handlers, o.Handler)
		texts = append(texts, o.Output)
	}
	if batch.Failed > 0 {
		r.degraded = true
		slog.Warn("handlers failed", "session_id", r.s.id, "unit_id", r.st.unitID, "failed", batch.Failed, "error", batch.Err())
	}
	response := prompts.Combine(texts, batch.Failed)
	r.s.tracer.RecordSpan(r.traceID, "execute", started, request, response, batch.Err())
	return response
}

// respond synthesizes text sentence by sentence, then sends the final text
// response. A synthesis failure stops audio and degrades to text only.
func (r *run) respond(ctx context.Context, text string) error {
	r.response = text
	hasAudio := false
	if r.e.deps.Synthesizer != nil {
		started := time.Now()
		var synthErr error
		for i, sentence := range SplitSentences(StripMarkdown(text)) {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
			wav, err := r.speak(ctx, sentence)
			if cerr := r.checkpoint(ctx); cerr != nil {
				return cerr
			}
			if err != nil {
				synthErr = err
				r.degraded = true
				slog.Error("synthesis failed, falling back to text", "session_id", r.s.id, "unit_id", r.st.unitID, "error", err)
				break
			}
			if err := r.emit(Message{Type: MsgAudio, Seq: i + 1, Text: sentence, Audio: wav}); err != nil {
				return err
			}
			hasAudio = true
		}
		metrics.StageDuration.WithLabelValues("synthesize").Observe(time.Since(started).Seconds())
		r.s.tracer.RecordSpan(r.traceID, "synthesize", started, text, "", synthErr)
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	return r.emit(Message{
		Type:     MsgResponse,
		Text:     text,
		Handlers: r.handlers,
		Degraded: r.degraded,
		HasAudio: hasAudio,
	})
}

func (r *run) speak(ctx context.Context, sentence string) ([]byte, error) {
	key := cache.SpeechKey(r.s.voice, sentence)
	if wav, ok := r.e.deps.Cache.Speech(ctx, key); ok {
		return wav, nil
	}
	wav, err := r.e.deps.Synthesizer.Synthesize(ctx, sentence, r.s.voice)
	if err != nil {
		return nil, err
	}
	r.e.deps.Cache.PutSpeech(ctx, key, wav)
	return wav, nil
}
