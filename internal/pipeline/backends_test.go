package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
)

func TestWhisperServerClient(t *testing.T) {
	var form map[string]string
	var fileHead []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		fileHead, _ = io.ReadAll(io.LimitReader(f, 4))
		json.NewEncoder(w).Encode(map[string]string{"text": "  book a plumber  "})
	}))
	defer srv.Close()

	c := NewWhisperServerClient(srv.URL, 2)
	clip := audio.Combined{Data: make([]byte, 3200), Format: audio.FormatPCM16, SampleRate: 16000}
	text, err := c.Transcribe(context.Background(), clip, "en")
	require.NoError(t, err)
	assert.Equal(t, "book a plumber", text)
	assert.Equal(t, "en", form["language"])
	assert.Equal(t, "json", form["response_format"])
	assert.NotContains(t, form, "model")
	assert.Equal(t, "RIFF", string(fileHead))
}

func TestOpenAITranscriptionClientSendsModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		w.Write([]byte(`{"text":"hello"}`))
	}))
	defer srv.Close()

	c := NewOpenAITranscriptionClient(srv.URL+"/", "whisper-1", 1)
	text, err := c.Transcribe(context.Background(), audio.Combined{Data: make([]byte, 320), Format: audio.FormatPCM16, SampleRate: 16000}, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "openai-asr", c.Name())
}

func TestTranscriptionFailuresAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	router := NewASRRouter(map[string]Transcriber{"whisper-server": NewWhisperServerClient(srv.URL, 1)}, "whisper-server")
	_, err := router.Transcribe(context.Background(), audio.Combined{Data: make([]byte, 320), Format: audio.FormatPCM16, SampleRate: 16000}, "en")

	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "whisper-server", te.Backend)
	assert.Contains(t, err.Error(), "503")

	empty := NewASRRouter(nil, "whisper-server")
	_, err = empty.Transcribe(context.Background(), audio.Combined{}, "")
	assert.ErrorAs(t, err, &te)
}

func TestPiperSynthesizer(t *testing.T) {
	var got struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	s := NewPiperSynthesizer(srv.URL, "en_US-lessac-medium", NewPooledHTTPClient(1, time.Second))
	out, err := s.Synthesize(context.Background(), "Your crew arrives at nine.", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), out)
	assert.Equal(t, "Your crew arrives at nine.", got.Text)
	assert.Equal(t, "en_US-lessac-medium", got.Voice)
}

func TestOpenAISynthesizerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wav", body["response_format"])
		assert.Equal(t, "nova", body["voice"])
		w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	s := NewOpenAISynthesizer(srv.URL, "tts-1", "alloy", "sk-test", http.DefaultClient)
	_, err := s.Synthesize(context.Background(), "Done.", "nova")
	require.NoError(t, err)
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestTTSRouterWrapsAndFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	router := NewTTSRouter(map[string]Synthesizer{"piper": NewPiperSynthesizer(srv.URL, "v", http.DefaultClient)}, "piper")
	_, err := router.Synthesize(context.Background(), "hi", "")
	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "piper", se.Backend)

	router = NewTTSRouter(map[string]Synthesizer{"custom": failingSynth{}}, "custom")
	_, err = router.Synthesize(context.Background(), "hi", "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "custom", se.Backend)
	assert.Equal(t, []string{"custom"}, router.Engines())
	assert.True(t, router.Has("custom"))
}
