package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/hero365-voice/internal/metrics"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty model response")

// Completer produces one completion for a named agent.
type Completer interface {
	Complete(ctx context.Context, agentName, instructions, input string) (string, error)
}

// AgentLLM runs single-turn agents against an OpenAI-compatible provider
// using the openai-agents-go SDK.
type AgentLLM struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentLLM wraps an existing provider.
func NewAgentLLM(provider agents.ModelProvider, model string, maxTokens int) *AgentLLM {
	return &AgentLLM{provider: provider, model: model, maxTokens: maxTokens}
}

// NewOpenAICompatibleLLM targets any chat-completions endpoint (Ollama, vLLM,
// OpenAI).
func NewOpenAICompatibleLLM(baseURL, apiKey, model string, maxTokens int) *AgentLLM {
	provider := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(baseURL),
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	})
	return NewAgentLLM(provider, model, maxTokens)
}

// Complete streams a single-turn run and returns the collected text.
func (a *AgentLLM) Complete(ctx context.Context, agentName, instructions, input string) (string, error) {
	agent := agents.New(agentName).
		WithInstructions(instructions).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()
	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		return "", fmt.Errorf("llm stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		collectDelta(ev, &text)
	}
	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return "", fmt.Errorf("llm stream: %w", streamErr)
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return text.String(), nil
}

func collectDelta(ev agents.StreamEvent, text *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	text.WriteString(raw.Data.Delta)
}

// AgentHandler executes a catalog entry by running its instructions as an
// agent.
type AgentHandler struct {
	desc Descriptor
	llm  Completer
}

// NewAgentHandler binds a descriptor to a model backend.
func NewAgentHandler(d Descriptor, llm Completer) *AgentHandler {
	return &AgentHandler{desc: d, llm: llm}
}

// Execute implements Handler.
func (h *AgentHandler) Execute(ctx context.Context, request string, sc SessionContext) (string, error) {
	out, err := h.llm.Complete(ctx, h.desc.Name, buildInstructions(h.desc, sc), request)
	if err != nil {
		return "", fmt.Errorf("%s: %w", h.desc.Name, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%s: %w", h.desc.Name, ErrEmptyResponse)
	}
	return out, nil
}

// AgentFactory returns a Factory producing AgentHandlers over llm.
func AgentFactory(llm Completer) Factory {
	return func(d Descriptor) Handler {
		return NewAgentHandler(d, llm)
	}
}

func buildInstructions(d Descriptor, sc SessionContext) string {
	var b strings.Builder
	b.WriteString(d.Instructions)
	if d.Instructions == "" {
		b.WriteString(d.Description)
	}
	b.WriteString("\nYour reply is spoken aloud: plain sentences, no markdown, no lists.")
	if sc.BusinessType != "" {
		fmt.Fprintf(&b, "\nBusiness type: %s.", sc.BusinessType)
	}
	if sc.Language != "" && sc.Language != "en" {
		fmt.Fprintf(&b, "\nReply in language %q.", sc.Language)
	}
	return b.String()
}
