// Package ws carries the session protocol over websockets: a JSON start
// frame, binary audio chunks, JSON control frames, and outbound JSON messages
// with synthesized audio as a preceding binary frame.
package ws

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
	"github.com/hubenschmidt/hero365-voice/internal/pipeline"
)

//go:embed start.schema.json
var startSchema []byte

const (
	startWait = 10 * time.Second
	schemaURL = "mem://start.schema.json"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Engine is the session engine the handler drives. *pipeline.Engine
// satisfies it.
type Engine interface {
	OpenSession(opts pipeline.SessionOptions) (string, error)
	Ingest(sessionID string, data []byte) error
	Commit(sessionID string) error
	CloseSession(sessionID string)
}

// Options configure admission and stream defaults.
type Options struct {
	MaxSessions int64
	Format      audio.Format
	SampleRate  int
}

// Handler upgrades connections and runs one engine session per socket.
type Handler struct {
	engine Engine
	hub    *Hub
	opts   Options
	sem    *semaphore.Weighted
	schema *jsonschema.Schema
}

// NewHandler creates a handler. Connections beyond MaxSessions get 503.
func NewHandler(engine Engine, hub *Hub, opts Options) (*Handler, error) {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 100
	}
	if opts.Format == "" {
		opts.Format = audio.FormatPCM16
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	schema, err := compileStartSchema()
	if err != nil {
		return nil, err
	}
	return &Handler{
		engine: engine,
		hub:    hub,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxSessions),
		schema: schema,
	}, nil
}

func compileStartSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(startSchema)); err != nil {
		return nil, fmt.Errorf("add start schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile start schema: %w", err)
	}
	return schema, nil
}

// startFrame is the first text frame sent by the client.
type startFrame struct {
	Format       string   `json:"format"`
	SampleRate   int      `json:"sample_rate"`
	Language     string   `json:"language"`
	Voice        string   `json:"voice"`
	UserID       string   `json:"user_id"`
	BusinessID   string   `json:"business_id"`
	BusinessType string   `json:"business_type"`
	Permissions  []string `json:"permissions"`
}

type controlFrame struct {
	Type string `json:"type"`
}

// ServeHTTP admits, upgrades and runs the session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.sem.TryAcquire(1) {
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(&client{conn: conn})
}

func (h *Handler) runSession(c *client) {
	start, err := h.readStart(c.conn)
	if err != nil {
		slog.Warn("rejecting session", "error", err)
		_ = c.send(pipeline.Message{Type: pipeline.MsgError, Reason: err.Error()})
		return
	}

	id, err := h.engine.OpenSession(h.sessionOptions(start))
	if err != nil {
		_ = c.send(pipeline.Message{Type: pipeline.MsgError, Reason: err.Error()})
		return
	}
	h.hub.attach(id, c)
	defer func() {
		h.hub.detach(id)
		h.engine.CloseSession(id)
	}()

	if err := h.hub.Send(id, pipeline.Message{Type: pipeline.MsgSessionStarted, SessionID: id}); err != nil {
		return
	}
	h.readLoop(id, c)
}

func (h *Handler) readStart(conn *websocket.Conn) (startFrame, error) {
	var frame startFrame
	_ = conn.SetReadDeadline(time.Now().Add(startWait))
	defer conn.SetReadDeadline(time.Time{})

	typ, data, err := conn.ReadMessage()
	if err != nil {
		return frame, fmt.Errorf("read start frame: %w", err)
	}
	if typ != websocket.TextMessage {
		return frame, errors.New("first frame must be a JSON start frame")
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return frame, fmt.Errorf("decode start frame: %w", err)
	}
	if err := h.schema.Validate(payload); err != nil {
		return frame, fmt.Errorf("invalid start frame: %w", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode start frame: %w", err)
	}
	return frame, nil
}

func (h *Handler) sessionOptions(f startFrame) pipeline.SessionOptions {
	format := audio.Format(f.Format)
	if format == "" {
		format = h.opts.Format
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = h.opts.SampleRate
	}
	return pipeline.SessionOptions{
		Format:     format,
		SampleRate: rate,
		Voice:      f.Voice,
		Language:   f.Language,
		Context: handlers.SessionContext{
			UserID:       f.UserID,
			BusinessID:   f.BusinessID,
			BusinessType: f.BusinessType,
			Permissions:  f.Permissions,
		},
	}
}

// readLoop feeds binary frames to the engine and handles control frames
// until the client ends the session or the connection drops.
func (h *Handler) readLoop(id string, c *client) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("connection closed", "session_id", id, "error", err)
			}
			return
		}

		if typ == websocket.BinaryMessage {
			if err := h.engine.Ingest(id, data); err != nil {
				slog.Error("ingest", "session_id", id, "error", err)
				return
			}
			continue
		}

		var ctl controlFrame
		if err := json.Unmarshal(data, &ctl); err != nil {
			_ = h.hub.Send(id, pipeline.Message{Type: pipeline.MsgError, Reason: "malformed control frame"})
			continue
		}
		switch ctl.Type {
		case "commit":
			if err := h.engine.Commit(id); err != nil {
				return
			}
		case "end":
			slog.Info("session ended by client", "session_id", id)
			return
		default:
			_ = h.hub.Send(id, pipeline.Message{Type: pipeline.MsgError, Reason: fmt.Sprintf("unknown control %q", ctl.Type)})
		}
	}
}
