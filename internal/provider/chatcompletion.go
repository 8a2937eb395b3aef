package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"
)

// ChatCompletion dispatches prompts over an HTTPS chat-completions API via
// maruel/genai, the same library the teacher uses for its title-generation
// LLM call (server/titlegen.go). One ChatCompletion wraps one genai
// provider factory (e.g. "openai", "anthropic"); each registered agent
// config supplies its own model override.
type ChatCompletion struct {
	tag     string
	factory func(ctx context.Context, opts ...genai.ProviderOption) (genai.Provider, error)
	cap     Capabilities
}

var _ Provider = (*ChatCompletion)(nil)

// NewChatCompletion creates a ChatCompletion backend for the given genai
// provider name (a key in providers.All, e.g. "openai" or "anthropic").
// Returns an error if the name is not registered with genai.
func NewChatCompletion(name string, cap Capabilities) (*ChatCompletion, error) {
	cfg, ok := providers.All[name]
	if !ok || cfg.Factory == nil {
		return nil, fmt.Errorf("unknown chat-completions provider %q", name)
	}
	cap.ProtocolVariant = "chat-completions"
	cap.SupportsTokenCounting = false
	return &ChatCompletion{tag: name, factory: cfg.Factory, cap: cap}, nil
}

// Tag returns the provider tag.
func (c *ChatCompletion) Tag() string { return c.tag }

// Capabilities returns the declared capabilities.
func (c *ChatCompletion) Capabilities() Capabilities { return c.cap }

// Send calls the chat-completions API via genai.Provider.GenSync, honoring
// timeoutMs via context cancellation (the genai HTTP transport aborts the
// in-flight request when its context is done).
func (c *ChatCompletion) Send(ctx context.Context, agent AgentConfig, prompt string, maxTokens, timeoutMs int) Response {
	start := time.Now()
	resp := Response{AgentID: agent.ID, Model: agent.Model, Timestamp: start}

	ctx, cancel := WithTimeout(ctx, timeoutMs)
	defer cancel()

	var opts []genai.ProviderOption
	if agent.Model != "" {
		opts = append(opts, genai.ProviderOptionModel(agent.Model))
	}
	p, err := c.factory(ctx, opts...)
	if err != nil {
		resp.Err = fmt.Errorf("create chat-completions provider: %w", err)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp
	}

	genOpts := &genai.GenOptionText{MaxTokens: maxTokens}
	result, err := p.GenSync(ctx, genai.Messages{genai.NewTextMessage(prompt)}, genOpts)
	resp.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		resp.Success = false
		if ctx.Err() != nil {
			resp.Err = fmt.Errorf("chat-completions dispatch cancelled: %w", ctx.Err())
		} else {
			resp.Err = fmt.Errorf("chat-completions call failed: %w", err)
		}
		return resp
	}

	content := result.String()
	resp.Content = content
	resp.Success = true
	// genai's GenSync result does not expose a stable token-count accessor
	// across every provider; fall back to the §4.E length heuristic rather
	// than guess at a provider-specific usage field.
	resp.TokenCount = EstimateTokens(prompt, content)
	resp.TokenCountEstimated = true
	resp.CostUnits = CostFromTokens(agent.CostMultiplier, resp.TokenCount)
	return resp
}
