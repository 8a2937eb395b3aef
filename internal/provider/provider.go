// Package provider implements the Provider Dispatch Contract (§4.E): a
// uniform call from prompt to usage-annotated response, with timeout and
// cancellation semantics that every backend (subprocess CLI, HTTP
// chat-completions, message-style API) must honour identically.
package provider

import (
	"context"
	"math"
	"time"
)

// BillingModel describes how a provider's cost is computed.
type BillingModel string

// Supported billing models.
const (
	BillingPerToken   BillingModel = "per-token"
	BillingSubscription BillingModel = "subscription"
)

// ProtocolVariant names the wire protocol a provider speaks, purely
// informational for dashboards/routing heuristics.
type ProtocolVariant string

// Capabilities are declared once at registration time (§4.E "Providers
// declare capabilities"). They are informational for the router and any
// dashboard; the router does not gate dispatch on them beyond what the
// registry's tag/state filters already do.
type Capabilities struct {
	SupportsTokenCounting bool
	SupportsStreaming     bool
	BillingModel          BillingModel
	ConcurrencySafe       bool
	ProtocolVariant       ProtocolVariant
}

// AgentConfig is the subset of an agentreg.Config a Provider needs to
// dispatch a prompt. Kept independent of agentreg to avoid an import
// cycle (agentreg does not know about providers; the router glues them).
type AgentConfig struct {
	ID             string
	Model          string
	Endpoint       string
	Argv           []string
	Env            map[string]string
	BinaryPath     string
	ExtraArgs      []string
	WorkDir        string
	CostMultiplier float64
}

// Response is the per-agent, per-dispatch result (§3 "Agent response").
type Response struct {
	AgentID             string
	Model               string
	Content             string
	TokenCount          int64
	TokenCountEstimated bool
	LatencyMs           int64
	CostUnits           float64
	PremiumRequests     int64
	Success             bool
	Err                 error
	Timestamp           time.Time
}

// Provider is the uniform adapter every backend implements (§4.E).
type Provider interface {
	// Send dispatches prompt to agent and blocks until a response is
	// available or timeoutMs elapses. It must never panic and must
	// never block past timeoutMs: on timeout it cancels the in-flight
	// work (HTTP request abort, subprocess kill, etc.) and returns a
	// Response with Success=false and a cancellation error.
	Send(ctx context.Context, agent AgentConfig, prompt string, maxTokens, timeoutMs int) Response

	// Capabilities returns this provider's declared capabilities.
	Capabilities() Capabilities

	// Tag returns the provider tag used for registration and for
	// Config.Provider matching.
	Tag() string
}

// WithTimeout derives a context bounded by timeoutMs (falling back to 60s
// if timeoutMs <= 0) and returns it along with its cancel func. Every
// Provider implementation should call this at the top of Send so the
// timeout/cancel behavior is identical across backends.
func WithTimeout(ctx context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	d := 60 * time.Second
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	return context.WithTimeout(ctx, d)
}

// EstimateTokens implements the §4.E fallback token-count heuristic:
// ceil((len(prompt)+len(content))/4), used whenever the provider does not
// return a real count.
func EstimateTokens(prompt, content string) int64 {
	total := len(prompt) + len(content)
	return int64(math.Ceil(float64(total) / 4))
}

// CostFromTokens implements the §4.E baseline per-token cost formula.
func CostFromTokens(costMultiplier float64, tokens int64) float64 {
	return costMultiplier * float64(tokens) / 1_000_000
}
