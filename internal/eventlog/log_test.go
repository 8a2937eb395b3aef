package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

func TestCorruptEventsFileSkipsBadLinesSilently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	content := "garbage\n" +
		`{"ts":"2026-01-01T00:00:00Z","event":"task:started","taskId":"t1"}` + "\n" +
		"{broken\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus()
	l, err := New(bus, path, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	entries := l.GetRecentEvents(100)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Event != eventbus.TaskStarted {
		t.Errorf("event = %q, want %q", entries[0].Event, eventbus.TaskStarted)
	}

	// Subsequent publishes continue to append and the ring grows.
	bus.Publish(eventbus.New(eventbus.TaskCompleted, "taskId", "t1"))
	entries = l.GetRecentEvents(100)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 after publish", len(entries))
	}
	if entries[0].Event != eventbus.TaskCompleted {
		t.Errorf("newest entry = %q, want task:completed", entries[0].Event)
	}
}

func TestGetRecentEventsLimit(t *testing.T) {
	bus := eventbus.NewBus()
	l, err := New(bus, "", 200)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		bus.Publish(eventbus.New(eventbus.AgentRegistered, "i", i))
	}
	got := l.GetRecentEvents(2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Data["i"] != float64(4) {
		t.Errorf("newest = %v, want i=4", got[0].Data["i"])
	}
}

func TestRingBoundedToSize(t *testing.T) {
	bus := eventbus.NewBus()
	l, err := New(bus, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		bus.Publish(eventbus.New(eventbus.AgentRegistered, "i", i))
	}
	got := l.GetRecentEvents(100)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Data["i"] != float64(9) {
		t.Errorf("newest = %v, want i=9", got[0].Data["i"])
	}
}
