package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProberStatuses(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	reg := NewRegistry(map[string]Meta{
		"whisper": {Category: "stt", HealthURL: healthy.URL, Required: true},
		"piper":   {Category: "tts", HealthURL: failing.URL},
		"redis":   {Category: "cache", Check: func(context.Context) error { return errors.New("connection refused") }},
	})
	p := NewProber(reg, time.Minute)

	for _, info := range p.StatusAll() {
		assert.Equal(t, StatusUnknown, info.Status)
	}
	require.Error(t, p.Ready())

	p.ProbeAll(context.Background())
	got := map[string]Info{}
	for _, info := range p.StatusAll() {
		got[info.Name] = info
	}
	assert.Equal(t, []string{"piper", "redis", "whisper"}, reg.Names())
	assert.Equal(t, StatusHealthy, got["whisper"].Status)
	assert.Equal(t, StatusUnhealthy, got["piper"].Status)
	assert.Contains(t, got["piper"].Error, "503")
	assert.Equal(t, StatusUnhealthy, got["redis"].Status)
	assert.NoError(t, p.Ready(), "only required upstreams gate readiness")
}

func TestProberReadyFailsOnRequired(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Add("llm", Meta{Category: "llm", Required: true, Check: func(context.Context) error { return errors.New("down") }})
	p := NewProber(reg, time.Minute)

	p.ProbeAll(context.Background())
	err := p.Ready()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "llm")
}

func TestProberRunStopsWithContext(t *testing.T) {
	reg := NewRegistry(map[string]Meta{"noop": {Category: "trace", Required: true}})
	p := NewProber(reg, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return p.Ready() == nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
