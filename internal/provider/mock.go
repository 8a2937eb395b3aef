package provider

import (
	"context"
	"time"
)

// Mock is a deterministic, in-memory Provider used by router and
// automation tests (§8 scenarios 1, 2 and 6 all drive a mock provider).
// It is part of the package, not a _test.go file, so router/automation
// tests in other packages can construct scenarios without duplicating a
// fake.
type Mock struct {
	tag   string
	cap   Capabilities
	Delay time.Duration

	// Respond, if set, computes the full response for a dispatch. When
	// nil, Send echoes prompt back as Content with Success=true.
	Respond func(agent AgentConfig, prompt string) Response
}

var _ Provider = (*Mock)(nil)

// NewMock creates a Mock provider registered under tag.
func NewMock(tag string) *Mock {
	return &Mock{tag: tag, cap: Capabilities{SupportsTokenCounting: true, ConcurrencySafe: true, ProtocolVariant: "mock"}}
}

// Tag returns the provider tag.
func (m *Mock) Tag() string { return m.tag }

// Capabilities returns the declared capabilities.
func (m *Mock) Capabilities() Capabilities { return m.cap }

// Send waits m.Delay (respecting ctx cancellation) then returns either the
// Respond callback's result or an echo response.
func (m *Mock) Send(ctx context.Context, agent AgentConfig, prompt string, maxTokens, timeoutMs int) Response {
	start := time.Now()
	ctx, cancel := WithTimeout(ctx, timeoutMs)
	defer cancel()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Response{
				AgentID:   agent.ID,
				Model:     agent.Model,
				Success:   false,
				Err:       ctx.Err(),
				LatencyMs: time.Since(start).Milliseconds(),
				Timestamp: start,
			}
		}
	}

	var resp Response
	if m.Respond != nil {
		resp = m.Respond(agent, prompt)
	} else {
		resp = Response{Content: prompt, Success: true}
	}
	resp.AgentID = agent.ID
	resp.Model = agent.Model
	resp.Timestamp = start
	resp.LatencyMs = time.Since(start).Milliseconds()
	if resp.TokenCount == 0 && resp.Success {
		resp.TokenCount = EstimateTokens(prompt, resp.Content)
		resp.TokenCountEstimated = true
	}
	return resp
}
