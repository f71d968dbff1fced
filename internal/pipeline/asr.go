package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// Transcriber turns a combined utterance into text. An empty result means
// nothing intelligible was said; failures are *TranscriptionError.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Combined, language string) (string, error)
}

// ASRRouter dispatches to a named speech-to-text backend.
type ASRRouter struct {
	*Router[Transcriber]
	engine string
}

// NewASRRouter creates a router whose Transcribe uses engine.
func NewASRRouter(backends map[string]Transcriber, engine string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, engine), engine: engine}
}

// Transcribe implements Transcriber.
func (r *ASRRouter) Transcribe(ctx context.Context, clip audio.Combined, language string) (string, error) {
	backend, name, err := r.Route(r.engine)
	if err != nil {
		return "", &TranscriptionError{Backend: r.engine, Err: err}
	}
	text, err := backend.Transcribe(ctx, clip, language)
	if err != nil {
		return "", asTranscriptionError(name, err)
	}
	return text, nil
}

func asTranscriptionError(backend string, err error) error {
	var te *TranscriptionError
	if errors.As(err, &te) {
		return err
	}
	return &TranscriptionError{Backend: backend, Err: err}
}

// MultipartASRClient posts audio as a multipart file to a whisper-compatible
// endpoint. Backends differ only in path and the extra form fields they take.
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	model    string
	client   *http.Client
}

// NewWhisperServerClient targets whisper.cpp's server (/inference).
func NewWhisperServerClient(url string, poolSize int) *MultipartASRClient {
	return &MultipartASRClient{
		url:      strings.TrimRight(url, "/"),
		endpoint: "/inference",
		label:    "whisper-server",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// NewOpenAITranscriptionClient targets any /v1/audio/transcriptions API.
func NewOpenAITranscriptionClient(url, model string, poolSize int) *MultipartASRClient {
	return &MultipartASRClient{
		url:      strings.TrimRight(url, "/"),
		endpoint: "/v1/audio/transcriptions",
		label:    "openai-asr",
		model:    model,
		client:   NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Name returns the backend label.
func (c *MultipartASRClient) Name() string {
	return c.label
}

// Transcribe implements Transcriber.
func (c *MultipartASRClient) Transcribe(ctx context.Context, clip audio.Combined, language string) (string, error) {
	payload, ext, err := audio.ForTranscription(clip.Data, clip.Format, clip.SampleRate)
	if err != nil {
		return "", &TranscriptionError{Backend: c.label, Err: err}
	}

	body, contentType, err := c.buildForm(payload, ext, language)
	if err != nil {
		return "", &TranscriptionError{Backend: c.label, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+c.endpoint, body)
	if err != nil {
		return "", &TranscriptionError{Backend: c.label, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("transcribe", "http").Inc()
		return "", &TranscriptionError{Backend: c.label, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("transcribe", "status").Inc()
		return "", &TranscriptionError{Backend: c.label, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var result transcriptionResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &TranscriptionError{Backend: c.label, Err: fmt.Errorf("decode response: %w", err)}
	}
	return strings.TrimSpace(result.Text), nil
}

func (c *MultipartASRClient) buildForm(payload []byte, ext, language string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}

	fields := map[string]string{"response_format": "json"}
	if language != "" {
		fields["language"] = language
	}
	if c.model != "" {
		fields["model"] = c.model
	}
	for k, v := range fields {
		if err = writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}
