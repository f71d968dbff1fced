package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/cache"
	"github.com/hubenschmidt/hero365-voice/internal/coordinator"
	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/prompts"
	"github.com/hubenschmidt/hero365-voice/internal/trace"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/turn"
)

const waitTimeout = 3 * time.Second

// tone returns 20ms of loud 16kHz PCM.
func tone() []byte {
	b := make([]byte, 640)
	for i := 0; i < len(b); i += 2 {
		v := int16(16000)
		if (i/2)%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(b[i:], uint16(v))
	}
	return b
}

// silence returns 20ms of zeroed 16kHz PCM.
func silence() []byte {
	return make([]byte, 640)
}

type fakeTranscriber struct {
	mu     sync.Mutex
	text   string
	err    error
	gate   chan struct{} // when set, calls block until closed or ctx is done
	calls  int
	chunks []int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip audio.Combined, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.chunks = append(f.chunks, clip.Chunks)
	gate, text, err := f.gate, f.text, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

func (f *fakeTranscriber) set(text string, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text, f.gate = text, gate
}

func (f *fakeTranscriber) snapshot() (int, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]int(nil), f.chunks...)
}

type fakeSynth struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSynth) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, &SynthesisError{Backend: "fake", Err: f.err}
	}
	return []byte("wav:" + text), nil
}

type recorder struct {
	mu     sync.Mutex
	msgs   []Message
	ch     chan Message
	closed bool
	sends  int
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Message, 128)}
}

func (r *recorder) Send(_ string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
	if r.closed {
		return ErrSessionClosed
	}
	r.msgs = append(r.msgs, msg)
	select {
	case r.ch <- msg:
	default:
	}
	return nil
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, typ string) Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-r.ch:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message within %s", typ, waitTimeout)
		}
	}
}

func ofType(msgs []Message, typ string) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	asr     *fakeTranscriber
	tts     *fakeSynth
	relay   *recorder
	invoked sync.Map // handler name -> request
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		asr:   &fakeTranscriber{},
		tts:   &fakeSynth{},
		relay: newRecorder(),
	}

	reg := handlers.NewRegistry()
	answer := func(name, out string) handlers.Handler {
		return handlers.HandlerFunc(func(_ context.Context, request string, _ handlers.SessionContext) (string, error) {
			h.invoked.Store(name, request)
			return out, nil
		})
	}
	reg.MustRegister(handlers.Descriptor{Name: "scheduling", Keywords: []string{"schedule", "appointment"}, Priority: 8},
		answer("scheduling", "You're booked for nine tomorrow. See you then."))
	reg.MustRegister(handlers.Descriptor{Name: "jobs", Keywords: []string{"job"}, Priority: 5},
		answer("jobs", "Job 42 is complete."))
	reg.MustRegister(handlers.Descriptor{Name: "invoicing", Keywords: []string{"invoice"}, Priority: 5,
		RequiredPermissions: []string{"invoices"}, DependsOn: []string{"jobs"}},
		answer("invoicing", "Invoice sent for job 42."))
	reg.MustRegister(handlers.Descriptor{Name: "general"},
		answer("general", "Happy to help with that."))

	cfg := DefaultConfig()
	cfg.Turn = turn.Config{PauseThreshold: time.Hour, MinAudio: 40 * time.Millisecond}
	cfg.GracePeriod = time.Second
	deps := Deps{
		Transcriber: h.asr,
		Synthesizer: h.tts,
		Registry:    reg,
		Router:      triage.NewRouter(reg, triage.DefaultOptions()),
		Coordinator: coordinator.New(reg, coordinator.DefaultOptions()),
		Relay:       h.relay,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.engine = NewEngine(cfg, deps)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) open(t *testing.T, perms ...string) string {
	t.Helper()
	id, err := h.engine.OpenSession(SessionOptions{
		Context: handlers.SessionContext{UserID: "u1", BusinessID: "b1", Permissions: perms},
	})
	require.NoError(t, err)
	return id
}

func (h *harness) openStream(t *testing.T, format audio.Format, rate int) string {
	t.Helper()
	id, err := h.engine.OpenSession(SessionOptions{
		Context:    handlers.SessionContext{UserID: "u1"},
		Format:     format,
		SampleRate: rate,
	})
	require.NoError(t, err)
	return id
}

func frames(frame []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = frame
	}
	return out
}

func (h *harness) speak(t *testing.T, id string, chunks int) {
	t.Helper()
	for i := 0; i < chunks; i++ {
		require.NoError(t, h.engine.Ingest(id, tone()))
	}
}

func (h *harness) called(name string) (string, bool) {
	v, ok := h.invoked.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func TestEngineRespondsWithSpeech(t *testing.T) {
	h := newHarness(t)
	h.asr.set("Can I schedule an appointment for tomorrow?", nil)
	id := h.open(t)

	h.speak(t, id, 10)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, "You're booked for nine tomorrow. See you then.", resp.Text)
	assert.Equal(t, []string{"scheduling"}, resp.Handlers)
	assert.True(t, resp.HasAudio)
	assert.False(t, resp.Degraded)
	assert.Equal(t, id, resp.SessionID)

	msgs := h.relay.all()
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i] = m.Type
	}
	assert.Equal(t, []string{MsgStatus, MsgTranscript, MsgRouting, MsgAudio, MsgAudio, MsgResponse}, types)

	audioMsgs := ofType(msgs, MsgAudio)
	assert.Equal(t, 1, audioMsgs[0].Seq)
	assert.Equal(t, 2, audioMsgs[1].Seq)
	assert.Equal(t, []byte("wav:See you then."), audioMsgs[1].Audio)
	for _, m := range msgs {
		assert.Equal(t, resp.UnitID, m.UnitID)
	}
	assert.Eventually(t, func() bool { return !h.engine.IsProcessing(id) }, waitTimeout, 5*time.Millisecond)
}

func TestEngineEmptyBufferIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.open(t)

	h.engine.StartProcessing(id)
	assert.False(t, h.engine.IsProcessing(id))
	assert.Empty(t, h.relay.all())
	calls, _ := h.asr.snapshot()
	assert.Zero(t, calls)
}

func TestEngineUnintelligibleTranscript(t *testing.T) {
	h := newHarness(t)
	h.asr.set("[noise]", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, prompts.Unintelligible, resp.Text)
	assert.Empty(t, ofType(h.relay.all(), MsgTranscript))
	assert.Empty(t, ofType(h.relay.all(), MsgRouting))
}

func TestEngineTranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.asr.err = &TranscriptionError{Backend: "whisper", Err: errors.New("503")}
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, prompts.Apology, resp.Text)
	assert.True(t, resp.Degraded)
	assert.True(t, resp.HasAudio)
}

func TestEngineSynthesisFailureFallsBackToText(t *testing.T) {
	h := newHarness(t)
	h.tts.err = errors.New("polly throttled")
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, "You're booked for nine tomorrow. See you then.", resp.Text)
	assert.False(t, resp.HasAudio)
	assert.True(t, resp.Degraded)
	assert.Empty(t, ofType(h.relay.all(), MsgAudio))
	assert.EqualValues(t, 1, h.tts.calls.Load())
}

func TestEngineTextOnlyWithoutSynthesizer(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Synthesizer = nil })
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.False(t, resp.HasAudio)
	assert.False(t, resp.Degraded)
}

func TestEngineFallsBackToGeneralHandler(t *testing.T) {
	h := newHarness(t)
	h.asr.set("what's the weather like", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, "Happy to help with that.", resp.Text)
	assert.Equal(t, []string{"general"}, resp.Handlers)
}

func TestEngineClarifiesWithoutFallback(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.FallbackHandler = "" })
	h.asr.set("what's the weather like", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, prompts.Clarification, resp.Text)
	assert.Empty(t, resp.Handlers)
}

func TestEnginePermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.asr.set("send the invoice", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, prompts.PermissionDenied, resp.Text)
	_, ok := h.called("invoicing")
	assert.False(t, ok)
	_, ok = h.called("general")
	assert.False(t, ok)
}

func TestEngineRunsDependenciesFirst(t *testing.T) {
	h := newHarness(t)
	h.asr.set("send the invoice", nil)
	id := h.open(t, "invoices")

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)

	assert.Equal(t, []string{"jobs", "invoicing"}, resp.Handlers)
	assert.Equal(t, "Job 42 is complete. Invoice sent for job 42.", resp.Text)
	req, ok := h.called("invoicing")
	require.True(t, ok)
	assert.Equal(t, "send the invoice\n\n[jobs]\nJob 42 is complete.", req)
}

func TestEngineBargeInCancelsUnit(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.asr.set("schedule an appointment", gate)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	first := h.relay.waitFor(t, MsgStatus)
	require.True(t, h.engine.IsProcessing(id))

	h.speak(t, id, 1)
	cancelled := h.relay.waitFor(t, MsgCancelled)
	assert.Equal(t, first.UnitID, cancelled.UnitID)
	assert.False(t, h.engine.IsProcessing(id))

	h.asr.set("schedule an appointment", nil)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)
	assert.NotEqual(t, first.UnitID, resp.UnitID)

	for _, m := range h.relay.all() {
		if m.UnitID == first.UnitID {
			assert.Contains(t, []string{MsgStatus, MsgCancelled}, m.Type)
		}
	}
	_, calls := h.asr.snapshot()
	assert.Equal(t, []int{5, 1}, calls)
}

func TestEngineStartCancelsPriorBeforeNext(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.asr.set("schedule an appointment", gate)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	first := h.relay.waitFor(t, MsgStatus)

	require.NoError(t, h.engine.Ingest(id, silence()))
	h.asr.set("schedule an appointment", nil)
	h.engine.StartProcessing(id)
	resp := h.relay.waitFor(t, MsgResponse)
	require.NotEqual(t, first.UnitID, resp.UnitID)

	msgs := h.relay.all()
	cancelledAt, secondAt := -1, -1
	for i, m := range msgs {
		if m.UnitID == first.UnitID && m.Type == MsgCancelled {
			cancelledAt = i
		}
		if m.UnitID == resp.UnitID && secondAt < 0 {
			secondAt = i
		}
		if m.UnitID == first.UnitID {
			assert.NotEqual(t, MsgResponse, m.Type)
		}
	}
	require.GreaterOrEqual(t, cancelledAt, 0)
	assert.Less(t, cancelledAt, secondAt)
}

func TestEngineKeepsAudioArrivingDuringUnit(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.asr.set("schedule an appointment", gate)
	id := h.open(t)

	h.speak(t, id, 3)
	h.engine.StartProcessing(id)
	h.relay.waitFor(t, MsgStatus)

	require.NoError(t, h.engine.Ingest(id, silence()))
	require.NoError(t, h.engine.Ingest(id, silence()))
	close(gate)
	h.relay.waitFor(t, MsgResponse)
	assert.Eventually(t, func() bool { return !h.engine.IsProcessing(id) }, waitTimeout, 5*time.Millisecond)

	h.engine.StartProcessing(id)
	h.relay.waitFor(t, MsgResponse)
	_, chunks := h.asr.snapshot()
	assert.Equal(t, []int{3, 2}, chunks)
}

func TestEngineAbandonsUnitWhenRelayCloses(t *testing.T) {
	h := newHarness(t)
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)
	h.relay.closed = true

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	assert.Eventually(t, func() bool { return !h.engine.IsProcessing(id) }, waitTimeout, 5*time.Millisecond)

	h.relay.mu.Lock()
	sends := h.relay.sends
	h.relay.mu.Unlock()
	assert.Equal(t, 1, sends)
	calls, _ := h.asr.snapshot()
	assert.Zero(t, calls)
}

func TestEngineCachesTranscriptsAndSpeech(t *testing.T) {
	c := cache.New(cache.NewLocalStore(64), time.Minute, time.Minute)
	h := newHarness(t, func(_ *Config, d *Deps) { d.Cache = c })
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	for i := 0; i < 2; i++ {
		h.speak(t, id, 5)
		h.engine.StartProcessing(id)
		h.relay.waitFor(t, MsgResponse)
		require.Eventually(t, func() bool { return !h.engine.IsProcessing(id) }, waitTimeout, 5*time.Millisecond)
	}

	calls, _ := h.asr.snapshot()
	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 2, h.tts.calls.Load())
	assert.Len(t, ofType(h.relay.all(), MsgResponse), 2)
}

func TestEngineFiresOnPause(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.Turn = turn.Config{PauseThreshold: 60 * time.Millisecond, MinAudio: 40 * time.Millisecond, Interval: 20 * time.Millisecond}
	})
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	resp := h.relay.waitFor(t, MsgResponse)
	assert.Equal(t, []string{"scheduling"}, resp.Handlers)
}

func TestEngineStreamFormatsReachOneTranscription(t *testing.T) {
	wavFirst := append(audio.PCMToWAV(nil, 16000), tone()...)
	cases := []struct {
		name   string
		format audio.Format
		rate   int
		frames [][]byte
	}{
		{name: "g711 ulaw", format: audio.FormatG711Ulaw, rate: 8000, frames: frames(bytes.Repeat([]byte{0x00}, 160), 40)},
		{name: "wav", format: audio.FormatWAV, rate: 16000, frames: append([][]byte{wavFirst}, frames(tone(), 39)...)},
		{name: "opus", format: audio.FormatOpus, rate: 48000, frames: frames(bytes.Repeat([]byte{0x4f}, 80), 40)},
		{name: "webm", format: audio.FormatWebM, rate: 48000, frames: frames(bytes.Repeat([]byte{0x1a}, 80), 40)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config, _ *Deps) {
				c.Turn = turn.Config{PauseThreshold: 200 * time.Millisecond, MinAudio: 100 * time.Millisecond, Interval: 25 * time.Millisecond}
			})
			h.asr.set("schedule an appointment", nil)
			id := h.openStream(t, tc.format, tc.rate)

			// paced past the pre-speech window so nothing may be pruned
			for _, f := range tc.frames {
				require.NoError(t, h.engine.Ingest(id, f))
				time.Sleep(10 * time.Millisecond)
			}

			resp := h.relay.waitFor(t, MsgResponse)
			assert.Equal(t, []string{"scheduling"}, resp.Handlers)
			calls, chunks := h.asr.snapshot()
			assert.Equal(t, 1, calls)
			assert.Equal(t, []int{len(tc.frames)}, chunks)
		})
	}
}

func TestEngineCommitSkipsPause(t *testing.T) {
	h := newHarness(t)
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	h.speak(t, id, 2)
	require.NoError(t, h.engine.Commit(id))
	h.relay.waitFor(t, MsgResponse)
	assert.ErrorIs(t, h.engine.Commit("missing"), ErrUnknownSession)
}

func TestEngineCloseSessionCancelsUnit(t *testing.T) {
	h := newHarness(t)
	h.asr.set("schedule an appointment", make(chan struct{}))
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	h.relay.waitFor(t, MsgStatus)

	h.engine.CloseSession(id)
	assert.Zero(t, h.engine.Sessions())
	assert.False(t, h.engine.IsProcessing(id))
	assert.ErrorIs(t, h.engine.Ingest(id, tone()), ErrUnknownSession)
	for _, m := range h.relay.all() {
		assert.NotEqual(t, MsgResponse, m.Type)
		assert.NotEqual(t, MsgCancelled, m.Type)
	}

	h.engine.CloseSession(id)
	h.engine.StartProcessing(id)
}

func TestEngineSessionIDs(t *testing.T) {
	h := newHarness(t)
	id, err := h.engine.OpenSession(SessionOptions{ID: "call-1"})
	require.NoError(t, err)
	assert.Equal(t, "call-1", id)

	_, err = h.engine.OpenSession(SessionOptions{ID: "call-1"})
	assert.ErrorIs(t, err, ErrSessionExists)

	generated := h.open(t)
	assert.NotEmpty(t, generated)
	assert.Equal(t, 2, h.engine.Sessions())
}

type unitLog struct {
	mu    sync.Mutex
	units []trace.Unit
	spans []string
}

func (l *unitLog) CreateSession(context.Context, trace.Session) error  { return nil }
func (l *unitLog) EndSession(context.Context, string, time.Time) error { return nil }
func (l *unitLog) CreateUnit(context.Context, trace.Unit) error        { return nil }
func (l *unitLog) FinishUnit(_ context.Context, u trace.Unit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = append(l.units, u)
	return nil
}
func (l *unitLog) CreateSpan(_ context.Context, sp trace.Span) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spans = append(l.spans, sp.Name)
	return nil
}

func TestEngineTracesUnits(t *testing.T) {
	log := &unitLog{}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Traces = log })
	h.asr.set("schedule an appointment", nil)
	id := h.open(t)

	h.speak(t, id, 5)
	h.engine.StartProcessing(id)
	h.relay.waitFor(t, MsgResponse)
	h.engine.CloseSession(id)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.units, 1)
	u := log.units[0]
	assert.Equal(t, trace.StatusCompleted, u.Status)
	assert.Equal(t, "schedule an appointment", u.Transcript)
	assert.Equal(t, "scheduling", u.Handlers)
	assert.True(t, strings.HasPrefix(u.Response, "You're booked"))
	assert.Equal(t, []string{"transcribe", "route", "execute", "synthesize"}, log.spans)
}
