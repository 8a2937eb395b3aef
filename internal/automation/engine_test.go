package automation

import (
	"testing"
	"time"

	"github.com/jagilber-org/agentmgr/internal/agentreg"
	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/provider"
	"github.com/jagilber-org/agentmgr/internal/router"
	"github.com/jagilber-org/agentmgr/internal/skill"
)

func newFixture(t *testing.T, respond func(provider.AgentConfig, string) provider.Response) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus()

	skills, err := skill.New(bus, "")
	if err != nil {
		t.Fatalf("skill.New: %v", err)
	}
	agents, err := agentreg.New(bus, "")
	if err != nil {
		t.Fatalf("agentreg.New: %v", err)
	}
	providers := provider.NewRegistry()
	mock := provider.NewMock("mock")
	mock.Respond = respond
	providers.Register(mock)

	if err := agents.Register(agentreg.Config{ID: "agent1", Name: "agent1", Provider: "mock", MaxConcurrency: 5, CostMultiplier: 1}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := skills.Register(skill.Skill{ID: "echo", Name: "echo", PromptTemplate: "{x}", Strategy: skill.StrategySingle}); err != nil {
		t.Fatalf("register skill: %v", err)
	}

	rt := router.New(bus, skills, agents, providers)
	eng, err := New(bus, "", rt, agents)
	if err != nil {
		t.Fatalf("automation.New: %v", err)
	}
	return eng, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// Scenario 3: throttle leading, groupBy=path (§8).
func TestThrottleLeadingGroupByPath(t *testing.T) {
	eng, bus := newFixture(t, func(agent provider.AgentConfig, prompt string) provider.Response {
		return provider.Response{Content: "ok", Success: true, TokenCount: 1}
	})

	rule := Rule{
		ID:      "git-rule",
		Name:    "git-rule",
		Enabled: true,
		Matcher: Matcher{Events: []eventbus.Name{eventbus.WorkspaceGitEvent}},
		SkillID: "echo",
		Throttle: &Throttle{
			IntervalMs: 30000,
			Mode:       ThrottleLeading,
			GroupBy:    "path",
		},
	}
	if err := eng.RegisterRule(rule); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", "/a"))
	}
	bus.Publish(eventbus.New(eventbus.WorkspaceGitEvent, "path", "/b"))

	waitFor(t, 2*time.Second, func() bool {
		return len(eng.GetExecutions(ExecutionFilter{RuleID: "git-rule"})) == 6
	})

	execs := eng.GetExecutions(ExecutionFilter{RuleID: "git-rule"})
	var throttledA, completedA, completedB int
	for _, ex := range execs {
		path, _ := lookupPath(ex.TriggerData, "path")
		switch {
		case path == "/a" && ex.Status == StatusThrottled:
			throttledA++
		case path == "/a" && ex.Status == StatusCompleted:
			completedA++
		case path == "/b" && ex.Status == StatusCompleted:
			completedB++
		}
	}
	if throttledA != 4 {
		t.Errorf("throttledA = %d, want 4", throttledA)
	}
	if completedA != 1 {
		t.Errorf("completedA = %d, want 1", completedA)
	}
	if completedB != 1 {
		t.Errorf("completedB = %d, want 1", completedB)
	}
}

// Retry invariant (§8): maxRetries=N yields at most N+1 execution records
// with strictly increasing retryAttempt.
func TestRetryBoundedWithIncreasingAttempt(t *testing.T) {
	eng, bus := newFixture(t, func(agent provider.AgentConfig, prompt string) provider.Response {
		return provider.Response{Content: "", Success: false, TokenCount: 1}
	})

	rule := Rule{
		ID:         "retry-rule",
		Name:       "retry-rule",
		Enabled:    true,
		Matcher:    Matcher{Events: []eventbus.Name{eventbus.MessageReceived}},
		SkillID:    "echo",
		MaxRetries: 2,
	}
	if err := eng.RegisterRule(rule); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	bus.Publish(eventbus.New(eventbus.MessageReceived, "x", "hi"))

	waitFor(t, 6*time.Second, func() bool {
		execs := eng.GetExecutions(ExecutionFilter{RuleID: "retry-rule"})
		return len(execs) == 3
	})

	execs := eng.GetExecutions(ExecutionFilter{RuleID: "retry-rule"})
	if len(execs) > 3 {
		t.Fatalf("len(execs) = %d, want at most 3 (maxRetries+1)", len(execs))
	}
	// execs is newest-first; attempts should be 2,1,0.
	for i, ex := range execs {
		wantAttempt := len(execs) - 1 - i
		if ex.RetryAttempt != wantAttempt {
			t.Errorf("execs[%d].RetryAttempt = %d, want %d", i, ex.RetryAttempt, wantAttempt)
		}
		if ex.Status != StatusFailed {
			t.Errorf("execs[%d].Status = %q, want failed", i, ex.Status)
		}
	}
}

func TestConditionsGateDispatch(t *testing.T) {
	eng, bus := newFixture(t, func(agent provider.AgentConfig, prompt string) provider.Response {
		return provider.Response{Content: "ok", Success: true, TokenCount: 1}
	})

	rule := Rule{
		ID:         "gated-rule",
		Name:       "gated-rule",
		Enabled:    true,
		Matcher:    Matcher{Events: []eventbus.Name{eventbus.MessageReceived}},
		SkillID:    "echo",
		Conditions: []Condition{{Type: "min-agents", Value: float64(5)}},
	}
	if err := eng.RegisterRule(rule); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	bus.Publish(eventbus.New(eventbus.MessageReceived, "x", "hi"))

	waitFor(t, time.Second, func() bool {
		return len(eng.GetExecutions(ExecutionFilter{RuleID: "gated-rule"})) == 1
	})
	execs := eng.GetExecutions(ExecutionFilter{RuleID: "gated-rule"})
	if execs[0].Status != StatusSkipped {
		t.Errorf("Status = %q, want skipped (min-agents condition unmet)", execs[0].Status)
	}
}

func TestDryRunDoesNotDispatch(t *testing.T) {
	dispatched := false
	eng, _ := newFixture(t, func(agent provider.AgentConfig, prompt string) provider.Response {
		dispatched = true
		return provider.Response{Content: "ok", Success: true, TokenCount: 1}
	})

	rule := Rule{
		ID:      "dry-rule",
		Name:    "dry-rule",
		Enabled: true,
		Matcher: Matcher{Events: []eventbus.Name{eventbus.MessageReceived}},
		SkillID: "echo",
	}
	if err := eng.RegisterRule(rule); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	exec, err := eng.TriggerRule("dry-rule", map[string]any{"x": "hi"}, true)
	if err != nil {
		t.Fatalf("TriggerRule: %v", err)
	}
	if exec.Status != StatusSkipped {
		t.Errorf("Status = %q, want skipped", exec.Status)
	}
	if dispatched {
		t.Error("dry run must not dispatch to the provider")
	}
}
