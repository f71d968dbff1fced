package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen     = 500
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// Writer is the persistence side of a Tracer. *Store implements it.
type Writer interface {
	CreateSession(ctx context.Context, sess Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
	CreateUnit(ctx context.Context, u Unit) error
	FinishUnit(ctx context.Context, u Unit) error
	CreateSpan(ctx context.Context, sp Span) error
}

type traceMsg struct {
	kind    string // "session_end", "unit_create", "unit_finish", "span"
	at      time.Time
	unit    Unit
	span    Span
	session Session
}

// Tracer writes one session's trace asynchronously through a buffered
// channel. Writes never block the caller: when the queue is full the record
// is dropped. All methods are no-ops on a nil receiver.
type Tracer struct {
	w         Writer
	sessionID string
	ch        chan traceMsg
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewTracer records sess and returns its tracer. Call Close when the session
// ends.
func NewTracer(w Writer, sess Session) *Tracer {
	t := &Tracer{
		w:         w,
		sessionID: sess.ID,
		ch:        make(chan traceMsg, queueSize),
		done:      make(chan struct{}),
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	t.ch <- traceMsg{kind: "session_create", session: sess}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	writers := map[string]func() error{
		"session_create": func() error { return t.w.CreateSession(ctx, m.session) },
		"session_end":    func() error { return t.w.EndSession(ctx, t.sessionID, m.at) },
		"unit_create":    func() error { return t.w.CreateUnit(ctx, m.unit) },
		"unit_finish":    func() error { return t.w.FinishUnit(ctx, m.unit) },
		"span":           func() error { return t.w.CreateSpan(ctx, m.span) },
	}
	fn, ok := writers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "session_id", t.sessionID, "error", err)
	}
}

func (t *Tracer) enqueue(m traceMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace queue full, dropping record", "kind", m.kind, "session_id", t.sessionID)
	}
}

// StartUnit begins a processing unit and returns its id.
func (t *Tracer) StartUnit() string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.enqueue(traceMsg{kind: "unit_create", unit: Unit{ID: id, SessionID: t.sessionID, StartedAt: time.Now()}})
	return id
}

// FinishUnit records a unit's outcome.
func (t *Tracer) FinishUnit(u Unit) {
	if t == nil || u.ID == "" {
		return
	}
	u.SessionID = t.sessionID
	u.Transcript = truncate(u.Transcript, maxIOLen)
	u.Response = truncate(u.Response, maxIOLen)
	t.enqueue(traceMsg{kind: "unit_finish", unit: u})
}

// RecordSpan records a completed stage. A nil err means status "ok".
func (t *Tracer) RecordSpan(unitID, name string, startedAt time.Time, input, output string, err error) {
	if t == nil || unitID == "" {
		return
	}
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
	}
	t.enqueue(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			UnitID:     unitID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(time.Since(startedAt).Microseconds()) / 1000,
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      errMsg,
		},
	})
}

// Close ends the session, drains pending writes and stops the writer.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{kind: "session_end", at: time.Now()})
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	t.mu.Unlock()
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
