package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/trace"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/upstream"
)

// defaultTraceSessionLimit is how many trace sessions are returned when the
// caller omits ?limit=.
const defaultTraceSessionLimit = 20

type deps struct {
	registry  *handlers.Registry
	router    *triage.Router
	prober    *upstream.Prober
	wsHandler http.Handler
	traces    *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/readyz", d.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/handlers", d.handleHandlers)
	mux.HandleFunc("POST /api/route", d.handleRoute)
	mux.HandleFunc("GET /api/upstreams", d.handleUpstreams)
	registerTraceRoutes(mux, d.traces)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := d.prober.Ready(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (d deps) handleHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"handlers": d.registry.All()})
}

type routeRequest struct {
	Utterance    string   `json:"utterance"`
	BusinessType string   `json:"business_type"`
	Permissions  []string `json:"permissions"`
}

func (d deps) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Utterance == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sc := handlers.SessionContext{BusinessType: req.BusinessType, Permissions: req.Permissions}
	dec := d.router.Route(req.Utterance, sc)
	writeJSON(w, http.StatusOK, map[string]any{
		"decision": dec,
		"selected": dec.Select(d.router.SelectRatio()),
	})
}

func (d deps) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"upstreams": d.prober.StatusAll()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, units, err := store.GetSession(r.Context(), r.PathValue("id"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "units": units})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/units/{unitId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		unit, spans, err := store.GetUnit(r.Context(), r.PathValue("id"), r.PathValue("unitId"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unit": unit, "spans": spans})
	})
}
