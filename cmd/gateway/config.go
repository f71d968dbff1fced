package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/coordinator"
	"github.com/hubenschmidt/hero365-voice/internal/pipeline"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/turn"
)

type config struct {
	port        string
	logLevel    string
	maxSessions int64

	format     audio.Format
	sampleRate int

	engine      pipeline.Config
	coordinator coordinator.Options
	triage      triage.Options
	catalogPath string

	sttEngine        string
	whisperServerURL string
	openaiSTTURL     string
	openaiSTTModel   string
	sttPoolSize      int

	ttsEngine   string
	ttsVoice    string
	piperURL    string
	kokoroURL   string
	pollyRegion string
	pollyVoice  string
	pollyEngine string
	ttsPoolSize int

	llmBaseURL   string
	llmAPIKey    string
	llmModel     string
	llmMaxTokens int

	redisAddr         string
	redisPassword     string
	redisDB           int
	cacheLocalEntries int
	cacheSTTTTL       time.Duration
	cacheTTSTTL       time.Duration

	traceDatabaseURL string
	probeInterval    time.Duration
}

func setDefaults(v *viper.Viper) {
	act := audio.DefaultActivityConfig()
	buf := audio.DefaultBufferConfig()
	tc := turn.DefaultConfig()
	pc := pipeline.DefaultConfig()
	cc := coordinator.DefaultOptions()
	tr := triage.DefaultOptions()

	v.SetDefault("port", "8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_sessions", 100)
	v.SetDefault("audio_format", string(audio.FormatPCM16))
	v.SetDefault("audio_sample_rate", 16000)

	v.SetDefault("vad_silence_threshold", act.SilenceThreshold)
	v.SetDefault("vad_activity_threshold", act.ActivityThreshold)
	v.SetDefault("vad_pause_threshold_ms", tc.PauseThreshold.Milliseconds())
	v.SetDefault("vad_min_audio_ms", tc.MinAudio.Milliseconds())
	v.SetDefault("vad_debounce_ms", buf.Debounce.Milliseconds())
	v.SetDefault("vad_max_buffer_age_ms", buf.MaxAge.Milliseconds())
	v.SetDefault("vad_pre_speech_ms", buf.PreSpeech.Milliseconds())

	v.SetDefault("pipeline_grace_period_ms", pc.GracePeriod.Milliseconds())
	v.SetDefault("pipeline_language", pc.Language)
	v.SetDefault("handler_max_concurrent", cc.MaxConcurrent)
	v.SetDefault("handler_timeout_ms", cc.Timeout.Milliseconds())
	v.SetDefault("handler_catalog", "")
	v.SetDefault("triage_max_candidates", tr.MaxCandidates)
	v.SetDefault("triage_select_ratio", tr.SelectRatio)
	v.SetDefault("triage_fallback_handler", pc.FallbackHandler)

	v.SetDefault("stt_engine", "whisper-server")
	v.SetDefault("whisper_server_url", "http://localhost:8178")
	v.SetDefault("openai_stt_url", "")
	v.SetDefault("openai_stt_model", "whisper-1")
	v.SetDefault("stt_pool_size", 50)

	v.SetDefault("tts_engine", "piper")
	v.SetDefault("tts_voice", "en_US-lessac-medium")
	v.SetDefault("piper_url", "http://localhost:5100")
	v.SetDefault("kokoro_url", "")
	v.SetDefault("polly_region", "")
	v.SetDefault("polly_voice", "Joanna")
	v.SetDefault("polly_engine", "neural")
	v.SetDefault("tts_pool_size", 50)

	v.SetDefault("llm_base_url", "http://localhost:11434/v1")
	v.SetDefault("llm_api_key", "ollama")
	v.SetDefault("llm_model", "llama3.2:3b")
	v.SetDefault("llm_max_tokens", 200)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_local_entries", 1024)
	v.SetDefault("cache_stt_ttl", 10*time.Minute)
	v.SetDefault("cache_tts_ttl", 24*time.Hour)

	v.SetDefault("trace_database_url", "")
	v.SetDefault("upstream_probe_interval", 15*time.Second)
}

// newViper returns a viper instance with defaults and environment binding.
// A non-empty path is read as a config file.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func ms(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func loadConfig(v *viper.Viper) (config, error) {
	act := audio.ActivityConfig{
		SilenceThreshold:  v.GetFloat64("vad_silence_threshold"),
		ActivityThreshold: v.GetFloat64("vad_activity_threshold"),
		LowGain:           audio.DefaultActivityConfig().LowGain,
		HighGain:          audio.DefaultActivityConfig().HighGain,
	}
	if act.SilenceThreshold >= act.ActivityThreshold {
		return config{}, fmt.Errorf("vad_silence_threshold (%v) must be below vad_activity_threshold (%v)", act.SilenceThreshold, act.ActivityThreshold)
	}

	format := audio.Format(v.GetString("audio_format"))
	if !format.Valid() {
		return config{}, fmt.Errorf("unsupported audio_format %q", format)
	}

	engine := pipeline.Config{
		Activity: act,
		Buffer: audio.BufferConfig{
			SilenceThreshold:  act.SilenceThreshold,
			ActivityThreshold: act.ActivityThreshold,
			Debounce:          ms(v, "vad_debounce_ms"),
			MaxAge:            ms(v, "vad_max_buffer_age_ms"),
			PreSpeech:         ms(v, "vad_pre_speech_ms"),
		},
		Turn: turn.Config{
			PauseThreshold: ms(v, "vad_pause_threshold_ms"),
			MinAudio:       ms(v, "vad_min_audio_ms"),
		},
		GracePeriod:     ms(v, "pipeline_grace_period_ms"),
		Language:        v.GetString("pipeline_language"),
		Voice:           v.GetString("tts_voice"),
		FallbackHandler: v.GetString("triage_fallback_handler"),
	}
	if engine.Turn.PauseThreshold <= 0 {
		return config{}, fmt.Errorf("vad_pause_threshold_ms must be positive")
	}

	tr := triage.DefaultOptions()
	tr.MaxCandidates = v.GetInt("triage_max_candidates")
	tr.SelectRatio = v.GetFloat64("triage_select_ratio")

	return config{
		port:        v.GetString("port"),
		logLevel:    v.GetString("log_level"),
		maxSessions: v.GetInt64("max_sessions"),
		format:      format,
		sampleRate:  v.GetInt("audio_sample_rate"),
		engine:      engine,
		coordinator: coordinator.Options{
			MaxConcurrent: v.GetInt("handler_max_concurrent"),
			Timeout:       ms(v, "handler_timeout_ms"),
		},
		triage:      tr,
		catalogPath: v.GetString("handler_catalog"),

		sttEngine:        v.GetString("stt_engine"),
		whisperServerURL: v.GetString("whisper_server_url"),
		openaiSTTURL:     v.GetString("openai_stt_url"),
		openaiSTTModel:   v.GetString("openai_stt_model"),
		sttPoolSize:      v.GetInt("stt_pool_size"),

		ttsEngine:   v.GetString("tts_engine"),
		ttsVoice:    v.GetString("tts_voice"),
		piperURL:    v.GetString("piper_url"),
		kokoroURL:   v.GetString("kokoro_url"),
		pollyRegion: v.GetString("polly_region"),
		pollyVoice:  v.GetString("polly_voice"),
		pollyEngine: v.GetString("polly_engine"),
		ttsPoolSize: v.GetInt("tts_pool_size"),

		llmBaseURL:   v.GetString("llm_base_url"),
		llmAPIKey:    v.GetString("llm_api_key"),
		llmModel:     v.GetString("llm_model"),
		llmMaxTokens: v.GetInt("llm_max_tokens"),

		redisAddr:         v.GetString("redis_addr"),
		redisPassword:     v.GetString("redis_password"),
		redisDB:           v.GetInt("redis_db"),
		cacheLocalEntries: v.GetInt("cache_local_entries"),
		cacheSTTTTL:       v.GetDuration("cache_stt_ttl"),
		cacheTTSTTL:       v.GetDuration("cache_tts_ttl"),

		traceDatabaseURL: v.GetString("trace_database_url"),
		probeInterval:    v.GetDuration("upstream_probe_interval"),
	}, nil
}
