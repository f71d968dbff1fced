package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/upstream"
)

func testMux(t *testing.T, up map[string]upstream.Meta) (*http.ServeMux, *upstream.Prober) {
	t.Helper()
	reg, err := newRegistry(config{}, nil)
	require.NoError(t, err)
	prober := upstream.NewProber(upstream.NewRegistry(up), time.Minute)
	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		registry:  reg,
		router:    triage.NewRouter(reg, triage.DefaultOptions()),
		prober:    prober,
		wsHandler: http.NotFoundHandler(),
	})
	return mux, prober
}

func TestHandlersEndpoint(t *testing.T) {
	mux, _ := testMux(t, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Handlers []handlers.Descriptor `json:"handlers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	names := make([]string, len(body.Handlers))
	for i, d := range body.Handlers {
		names[i] = d.Name
	}
	assert.Contains(t, names, "scheduling")
	assert.Contains(t, names, "general")
}

func TestRouteEndpoint(t *testing.T) {
	mux, _ := testMux(t, nil)
	payload := `{"utterance":"can you reschedule my appointment","permissions":[]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Decision triage.Decision `json:"decision"`
		Selected []string        `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Decision.Candidates)
	assert.Equal(t, "scheduling", body.Decision.Candidates[0].Name)
	assert.Equal(t, "scheduling", body.Selected[0])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/route", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzFollowsRequiredUpstreams(t *testing.T) {
	mux, prober := testMux(t, map[string]upstream.Meta{
		"whisper-server": {Category: "stt", Required: true, Check: func(context.Context) error { return nil }},
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	prober.ProbeAll(context.Background())
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/upstreams", nil))
	assert.Contains(t, rec.Body.String(), `"whisper-server"`)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestTraceRoutesDisabled(t *testing.T) {
	mux, _ := testMux(t, nil)
	for _, path := range []string{"/api/traces/sessions", "/api/traces/sessions/abc", "/api/traces/sessions/abc/units/u1"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	mux, _ := testMux(t, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"route", "send", "the", "invoice", "for", "the", "job", "--permission", "invoices"})
	require.NoError(t, cmd.Execute())

	var body struct {
		Decision triage.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Contains(t, body.Decision.Names(), "invoicing")
	assert.Contains(t, body.Decision.Names(), "jobs")
}

func TestHandlersCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"handlers"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "invoicing")
}
