package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestMonitorDetectsChatSessionFileChange(t *testing.T) {
	root := t.TempDir()
	chatDir := filepath.Join(root, ".vscode", "chatSessions")
	if err := os.MkdirAll(chatDir, 0o755); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus()
	events := make(chan eventbus.Event, 16)
	bus.Subscribe(eventbus.WorkspaceFileChanged, func(ev eventbus.Event) { events <- ev })

	mon := newMonitor(bus, root, 100, 100, defaultMaxJSONLLines)
	if err := mon.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mon.stop(StopManual)

	if err := os.WriteFile(filepath.Join(chatDir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Name != eventbus.WorkspaceFileChanged {
			t.Fatalf("unexpected event name %s", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workspace:file-changed")
	}
}

func TestMonitorMinesSessionJSONLAndEnrichesFromState(t *testing.T) {
	root := t.TempDir()
	sessionID := uuid.NewString()
	chatDir := filepath.Join(root, ".vscode", "chatSessions")
	if err := os.MkdirAll(chatDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sessionDir := filepath.Join(chatDir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}

	lines := []string{
		`{"title":"first turn","model":"gpt-5","timestamp":"2026-07-30T10:00:00Z","usage":{"promptTokens":10,"outputTokens":20}}`,
		`not json, should be skipped`,
		`{"model":"gpt-5","timestamp":"2026-07-30T10:05:00Z","usage":{"promptTokens":5,"outputTokens":8},"error":"boom"}`,
	}
	jsonlPath := filepath.Join(chatDir, sessionID+".jsonl")
	if err := os.WriteFile(jsonlPath, []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatal(err)
	}

	state := map[string]any{
		"title":        "state title should not override",
		"requestCount": float64(99),
		"__proto__":    map[string]any{"polluted": true},
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "state.json"), stateData, 0o644); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.NewBus()
	mon := newMonitor(bus, root, 100, 50, defaultMaxJSONLLines)
	if err := mon.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mon.stop(StopManual)

	waitForCondition(t, 2*time.Second, func() bool {
		st := mon.status()
		return len(st.Sessions) == 1
	})

	st := mon.status()
	if len(st.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(st.Sessions))
	}
	s := st.Sessions[0]
	if s.Title != "first turn" {
		t.Errorf("Title = %q, want %q (first non-empty line wins, state.json title should not override)", s.Title, "first turn")
	}
	if s.RequestCount != 99 {
		t.Errorf("RequestCount = %d, want 99 (merged from state.json since it's larger)", s.RequestCount)
	}
	if s.PromptTokens != 15 || s.OutputTokens != 28 {
		t.Errorf("tokens = %d/%d, want 15/28", s.PromptTokens, s.OutputTokens)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestManagerPersistsAndResumesMonitoredPaths(t *testing.T) {
	configDir := t.TempDir()
	workspaceA := t.TempDir()

	bus := eventbus.NewBus()
	mgr, err := NewManager(bus, filepath.Join(configDir, "monitors.json"), filepath.Join(configDir, "history.json"), 100, 100, defaultMaxJSONLLines)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(workspaceA); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(workspaceA); err == nil {
		t.Fatal("expected error starting an already-monitored path twice")
	}

	if _, ok := mgr.Status(workspaceA); !ok {
		t.Fatal("expected status for monitored path")
	}

	mgr.StopAll(StopShutdown, true)

	var persisted []string
	data, err := os.ReadFile(filepath.Join(configDir, "monitors.json"))
	if err != nil {
		t.Fatalf("reading persisted monitors.json: %v", err)
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range persisted {
		if p == workspaceA {
			found = true
		}
	}
	if !found {
		t.Fatalf("skipPersist=true shutdown should leave %q in monitors.json, got %v", workspaceA, persisted)
	}

	mgr2, err := NewManager(bus, filepath.Join(configDir, "monitors.json"), filepath.Join(configDir, "history.json"), 100, 100, defaultMaxJSONLLines)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mgr2.Status(workspaceA); !ok {
		t.Fatal("expected manager to resume monitoring workspaceA on restart")
	}
	mgr2.StopAll(StopShutdown, true)
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
