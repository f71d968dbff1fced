package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/hubenschmidt/hero365-voice/internal/audio"
	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

const pollySampleRate = 16000

type pollyClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig selects the Polly region, voice and engine.
type PollyConfig struct {
	Region string
	Voice  string
	Engine string // "neural" or "standard"
}

// PollySynthesizer synthesizes with Amazon Polly and returns 16kHz WAV.
type PollySynthesizer struct {
	cfg PollyConfig

	mu     sync.Mutex
	client pollyClient
}

// NewPollySynthesizer creates a synthesizer. AWS credentials are resolved
// lazily from the default chain on first use.
func NewPollySynthesizer(cfg PollyConfig) *PollySynthesizer {
	return newPollySynthesizer(cfg, nil)
}

func newPollySynthesizer(cfg PollyConfig, client pollyClient) *PollySynthesizer {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "Joanna"
	}
	if cfg.Engine == "" {
		cfg.Engine = "neural"
	}
	return &PollySynthesizer{cfg: cfg, client: client}
}

// Synthesize implements Synthesizer.
func (p *PollySynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, &SynthesisError{Backend: "polly", Err: err}
	}
	if voice == "" {
		voice = p.cfg.Voice
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   aws.String(fmt.Sprint(pollySampleRate)),
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("synthesize", "polly").Inc()
		return nil, &SynthesisError{Backend: "polly", Err: classifyPollyError(err)}
	}
	if out == nil || out.AudioStream == nil {
		return nil, &SynthesisError{Backend: "polly", Err: errors.New("empty audio stream")}
	}
	defer out.AudioStream.Close()

	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, &SynthesisError{Backend: "polly", Err: fmt.Errorf("read audio: %w", err)}
	}
	return audio.PCMToWAV(pcm, pollySampleRate), nil
}

func (p *PollySynthesizer) resolveClient(ctx context.Context) (pollyClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

// classifyPollyError keeps context errors intact and labels API faults by
// code so logs separate throttling from bad input.
func classifyPollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("transport: %w", err)
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "ThrottlingException":
		return fmt.Errorf("throttled: %w", err)
	case "InvalidSsmlException", "TextLengthExceededException", "InvalidSampleRateException", "LexiconNotFoundException":
		return fmt.Errorf("rejected input: %w", err)
	default:
		return fmt.Errorf("service error: %w", err)
	}
}
