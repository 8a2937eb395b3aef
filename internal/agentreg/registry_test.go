package agentreg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

func testConfig(id string, maxConc int) Config {
	return Config{ID: id, Name: id, Provider: "mock", MaxConcurrency: maxConc, CostMultiplier: 1}
}

func TestRegisterPublishesEvent(t *testing.T) {
	bus := eventbus.NewBus()
	var got eventbus.Event
	bus.Subscribe(eventbus.AgentRegistered, func(e eventbus.Event) { got = e })

	r, err := New(bus, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testConfig("a", 1)); err != nil {
		t.Fatal(err)
	}
	if got.Data["agentId"] != "a" {
		t.Errorf("event agentId = %v, want a", got.Data["agentId"])
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	bus := eventbus.NewBus()
	r, _ := New(bus, "")
	if err := r.Register(testConfig("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testConfig("a", 1)); err == nil {
		t.Error("expected error on duplicate id")
	}
}

func TestConcurrencyInvariantNeverNegativeOrOverCap(t *testing.T) {
	bus := eventbus.NewBus()
	r, _ := New(bus, "")
	if err := r.Register(testConfig("a", 2)); err != nil {
		t.Fatal(err)
	}

	// Over-releasing must not drive ActiveTasks negative.
	if err := r.RecordTaskComplete("a", 0, 0, true, 0); err != nil {
		t.Fatal(err)
	}
	if got := r.Get("a").ActiveTasks; got != 0 {
		t.Errorf("ActiveTasks = %d, want 0 (never negative)", got)
	}

	if err := r.RecordTaskStart("a"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordTaskStart("a"); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordTaskStart("a"); err == nil {
		t.Error("expected error exceeding maxConcurrency")
	}
	if got := r.Get("a").ActiveTasks; got > r.Get("a").Config.MaxConcurrency {
		t.Errorf("ActiveTasks = %d exceeds MaxConcurrency = %d", got, r.Get("a").Config.MaxConcurrency)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	bus := eventbus.NewBus()
	r, _ := New(bus, "")
	r.Register(testConfig("a", 2))

	if got := r.Get("a").State; got != StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	r.RecordTaskStart("a")
	if got := r.Get("a").State; got != StateRunning {
		t.Errorf("state after first start = %s, want running", got)
	}

	r.RecordTaskStart("a")
	if got := r.Get("a").State; got != StateBusy {
		t.Errorf("state at max concurrency = %s, want busy", got)
	}

	r.RecordTaskComplete("a", 10, 0.01, true, 0)
	if got := r.Get("a").State; got != StateRunning {
		t.Errorf("state after one completion = %s, want running", got)
	}

	r.RecordTaskComplete("a", 10, 0.01, true, 0)
	if got := r.Get("a").State; got != StateIdle {
		t.Errorf("state after all complete = %s, want idle", got)
	}
}

func TestFindAvailableFiltersOnStateCapacityAndTags(t *testing.T) {
	bus := eventbus.NewBus()
	r, _ := New(bus, "")
	a := testConfig("a", 1)
	a.Tags = []string{"fast"}
	r.Register(a)
	b := testConfig("b", 1)
	b.Tags = []string{"slow"}
	r.Register(b)
	r.RecordTaskStart("b") // b now at capacity (busy)

	avail := r.FindAvailable(nil)
	if len(avail) != 1 || avail[0].Config.ID != "a" {
		t.Errorf("FindAvailable(nil) = %v, want only a", idsOf(avail))
	}

	avail = r.FindAvailable([]string{"fast"})
	if len(avail) != 1 || avail[0].Config.ID != "a" {
		t.Errorf("FindAvailable(fast) = %v, want only a", idsOf(avail))
	}

	r.SetState("a", StateStopped, "")
	avail = r.FindAvailable(nil)
	if len(avail) != 0 {
		t.Errorf("FindAvailable(nil) after stop = %v, want none", idsOf(avail))
	}
}

func idsOf(instances []*Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.Config.ID
	}
	return out
}

// TestExternalEditReconciliation is scenario 4 from §8: registry contains
// {x: activeTasks 0} and {y: activeTasks 1}; an external write replaces the
// file with [{id: z}]. After debounce: registry contains {y, z}; x is
// dropped; y is retained; no agent:registered fires for y.
func TestExternalEditReconciliation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte(`[
		{"id":"x","provider":"mock","maxConcurrency":1,"costMultiplier":1},
		{"id":"y","provider":"mock","maxConcurrency":2,"costMultiplier":1}
	]`), 0o600); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus()
	var registeredEvents int
	bus.Subscribe(eventbus.AgentRegistered, func(eventbus.Event) { registeredEvents++ })

	r, err := New(bus, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.RecordTaskStart("y"); err != nil {
		t.Fatal(err)
	}
	registeredEvents = 0 // ignore setup

	if err := os.WriteFile(path, []byte(`[{"id":"z","provider":"mock","maxConcurrency":1,"costMultiplier":1}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Get("z") != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if r.Get("x") != nil {
		t.Error("x should have been dropped (activeTasks==0, removed from file)")
	}
	if r.Get("y") == nil {
		t.Error("y should be retained (activeTasks>0)")
	}
	if r.Get("z") == nil {
		t.Error("z should have been added")
	}
	if registeredEvents != 0 {
		t.Errorf("agent:registered fired %d times, want 0 (reload is non-emitting)", registeredEvents)
	}
}

func TestReloadRejectsWipingNonEmptyToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte(`[{"id":"x","provider":"mock","maxConcurrency":1,"costMultiplier":1}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.NewBus()
	r, err := New(bus, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)

	if r.Get("x") == nil {
		t.Error("reload should have been rejected, keeping x")
	}
}
