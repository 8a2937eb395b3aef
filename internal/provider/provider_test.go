package provider

import (
	"context"
	"testing"
	"time"
)

func TestMockRespectsTimeout(t *testing.T) {
	m := NewMock("mock")
	m.Delay = 200 * time.Millisecond
	resp := m.Send(context.Background(), AgentConfig{ID: "a"}, "hi", 0, 20)
	if resp.Success {
		t.Error("expected Success=false on timeout")
	}
	if resp.Err == nil {
		t.Error("expected a cancellation error")
	}
	if resp.LatencyMs > 100 {
		t.Errorf("LatencyMs = %d, want close to timeout (20ms), not full delay", resp.LatencyMs)
	}
}

func TestMockEchoesPromptByDefault(t *testing.T) {
	m := NewMock("mock")
	resp := m.Send(context.Background(), AgentConfig{ID: "a", CostMultiplier: 1}, "hello", 0, 0)
	if !resp.Success || resp.Content != "hello" {
		t.Errorf("resp = %+v, want echoed content", resp)
	}
	if !resp.TokenCountEstimated || resp.TokenCount <= 0 {
		t.Errorf("expected estimated positive token count, got %+v", resp)
	}
}

func TestRegistryGetMissingReturnsNil(t *testing.T) {
	r := NewRegistry()
	if r.Get("nope") != nil {
		t.Error("expected nil for unregistered tag")
	}
	r.Register(NewMock("m"))
	if r.Get("m") == nil {
		t.Error("expected registered provider")
	}
}

func TestEstimateTokensCeilsQuarterLength(t *testing.T) {
	got := EstimateTokens("abcd", "ef") // 6 chars -> ceil(6/4) = 2
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}
