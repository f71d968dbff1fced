package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// Synthesizer turns text into audio. Failures are *SynthesisError.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// TTSRouter dispatches to a named text-to-speech backend.
type TTSRouter struct {
	*Router[Synthesizer]
	engine string
}

// NewTTSRouter creates a router whose Synthesize uses engine.
func NewTTSRouter(backends map[string]Synthesizer, engine string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, engine), engine: engine}
}

// Synthesize implements Synthesizer.
func (r *TTSRouter) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	backend, name, err := r.Route(r.engine)
	if err != nil {
		return nil, &SynthesisError{Backend: r.engine, Err: err}
	}
	out, err := backend.Synthesize(ctx, text, voice)
	if err != nil {
		var se *SynthesisError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &SynthesisError{Backend: name, Err: err}
	}
	return out, nil
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

// NewPiperSynthesizer targets a piper HTTP server's /synthesize endpoint.
func NewPiperSynthesizer(url, voice string, client *http.Client) Synthesizer {
	return &piperSynthesizer{url: strings.TrimRight(url, "/"), voice: voice, client: client}
}

func (p *piperSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = p.voice
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doTTSRequest(p.client, req, "piper")
}

// --- OpenAI-compatible backend (Kokoro, OpenAI: /v1/audio/speech) ---

type openaiSynthesizer struct {
	url    string
	model  string
	voice  string
	apiKey string
	client *http.Client
}

// NewOpenAISynthesizer targets any server exposing /v1/audio/speech.
func NewOpenAISynthesizer(url, model, voice, apiKey string, client *http.Client) Synthesizer {
	return &openaiSynthesizer{url: strings.TrimRight(url, "/"), model: model, voice: voice, apiKey: apiKey, client: client}
}

func (o *openaiSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = o.voice
	}
	body, err := json.Marshal(struct {
		Input          string `json:"input"`
		Model          string `json:"model"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, ResponseFormat: "wav"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	return doTTSRequest(o.client, req, "openai-tts")
}

func doTTSRequest(client *http.Client, req *http.Request, label string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("synthesize", "http").Inc()
		return nil, &SynthesisError{Backend: label, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("synthesize", "status").Inc()
		return nil, &SynthesisError{Backend: label, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SynthesisError{Backend: label, Err: fmt.Errorf("read body: %w", err)}
	}
	return out, nil
}
