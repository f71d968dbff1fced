package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/hero365-voice/internal/cache"
	"github.com/hubenschmidt/hero365-voice/internal/coordinator"
	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/pipeline"
	"github.com/hubenschmidt/hero365-voice/internal/trace"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/upstream"
	"github.com/hubenschmidt/hero365-voice/internal/ws"
)

// app holds every long-lived component of the gateway.
type app struct {
	cfg      config
	registry *handlers.Registry
	router   *triage.Router
	engine   *pipeline.Engine
	hub      *ws.Hub
	asr      *pipeline.ASRRouter
	tts      *pipeline.TTSRouter
	prober   *upstream.Prober
	traces   *trace.Store
	redis    *cache.RedisStore
}

// newRegistry loads the handler catalog and binds each entry to an LLM agent.
func newRegistry(cfg config, llm handlers.Completer) (*handlers.Registry, error) {
	descs, err := handlers.LoadCatalog(cfg.catalogPath)
	if err != nil {
		return nil, err
	}
	reg := handlers.NewRegistry()
	if err := handlers.RegisterCatalog(reg, descs, handlers.AgentFactory(llm)); err != nil {
		return nil, err
	}
	return reg, nil
}

func newASR(cfg config) *pipeline.ASRRouter {
	backends := map[string]pipeline.Transcriber{}
	if cfg.whisperServerURL != "" {
		backends["whisper-server"] = pipeline.NewWhisperServerClient(cfg.whisperServerURL, cfg.sttPoolSize)
	}
	if cfg.openaiSTTURL != "" {
		backends["openai"] = pipeline.NewOpenAITranscriptionClient(cfg.openaiSTTURL, cfg.openaiSTTModel, cfg.sttPoolSize)
	}
	return pipeline.NewASRRouter(backends, cfg.sttEngine)
}

func newTTS(cfg config) *pipeline.TTSRouter {
	client := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	backends := map[string]pipeline.Synthesizer{}
	if cfg.piperURL != "" {
		backends["piper"] = pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.ttsVoice, client)
	}
	if cfg.kokoroURL != "" {
		backends["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "kokoro", "af_heart", "", client)
	}
	if cfg.pollyRegion != "" {
		backends["polly"] = pipeline.NewPollySynthesizer(pipeline.PollyConfig{
			Region: cfg.pollyRegion,
			Voice:  cfg.pollyVoice,
			Engine: cfg.pollyEngine,
		})
	}
	return pipeline.NewTTSRouter(backends, cfg.ttsEngine)
}

func newCache(cfg config) (*cache.Cache, *cache.RedisStore) {
	local := cache.NewLocalStore(cfg.cacheLocalEntries)
	if cfg.redisAddr == "" {
		return cache.New(local, cfg.cacheSTTTTL, cfg.cacheTTSTTL), nil
	}
	rs := cache.NewRedisStore(cfg.redisAddr, cfg.redisPassword, cfg.redisDB, 10)
	tiered := cache.NewTieredStore(rs, local, 30*time.Second)
	slog.Info("cache enabled", "redis", cfg.redisAddr, "local_entries", cfg.cacheLocalEntries)
	return cache.New(tiered, cfg.cacheSTTTTL, cfg.cacheTTSTTL), rs
}

func healthURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}

func newUpstreams(cfg config, a *app) *upstream.Registry {
	reg := upstream.NewRegistry(nil)
	if cfg.whisperServerURL != "" {
		reg.Add("whisper-server", upstream.Meta{Category: "stt", HealthURL: healthURL(cfg.whisperServerURL, "/health"), Required: cfg.sttEngine == "whisper-server"})
	}
	if cfg.piperURL != "" {
		reg.Add("piper", upstream.Meta{Category: "tts", HealthURL: healthURL(cfg.piperURL, "/health"), Required: cfg.ttsEngine == "piper"})
	}
	if cfg.kokoroURL != "" {
		reg.Add("kokoro", upstream.Meta{Category: "tts", HealthURL: healthURL(cfg.kokoroURL, "/health"), Required: cfg.ttsEngine == "kokoro"})
	}
	reg.Add("llm", upstream.Meta{Category: "llm", HealthURL: healthURL(cfg.llmBaseURL, "/models")})
	if a.redis != nil {
		reg.Add("redis", upstream.Meta{Category: "cache", Check: a.redis.Ping})
	}
	if a.traces != nil {
		reg.Add("trace-db", upstream.Meta{Category: "trace", Check: a.traces.Ping})
	}
	return reg
}

// wireApp builds the gateway. The returned app owns open connections and
// must be closed.
func wireApp(ctx context.Context, cfg config) (*app, error) {
	llm := handlers.NewOpenAICompatibleLLM(cfg.llmBaseURL, cfg.llmAPIKey, cfg.llmModel, cfg.llmMaxTokens)
	reg, err := newRegistry(cfg, llm)
	if err != nil {
		return nil, fmt.Errorf("handler catalog: %w", err)
	}

	a := &app{
		cfg:      cfg,
		registry: reg,
		router:   triage.NewRouter(reg, cfg.triage),
		hub:      ws.NewHub(),
		asr:      newASR(cfg),
		tts:      newTTS(cfg),
	}

	respCache, rs := newCache(cfg)
	a.redis = rs

	var traces trace.Writer
	if cfg.traceDatabaseURL != "" {
		store, err := trace.Open(ctx, cfg.traceDatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("trace store: %w", err)
		}
		a.traces = store
		traces = store
		slog.Info("tracing enabled")
	}

	var synth pipeline.Synthesizer
	if cfg.ttsEngine != "none" {
		synth = a.tts
	}
	a.engine = pipeline.NewEngine(cfg.engine, pipeline.Deps{
		Transcriber: a.asr,
		Synthesizer: synth,
		Registry:    reg,
		Router:      a.router,
		Coordinator: coordinator.New(reg, cfg.coordinator),
		Cache:       respCache,
		Relay:       a.hub,
		Traces:      traces,
	})
	a.prober = upstream.NewProber(newUpstreams(cfg, a), cfg.probeInterval)
	return a, nil
}

// Close ends all sessions and releases connections.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.traces != nil {
		a.traces.Close()
	}
}
