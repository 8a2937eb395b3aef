package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type widget struct {
	ID string `json:"id"`
}

func TestReadArrayMissingFileIsEmpty(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing.json"))
	var out []widget
	ReadArray(s, &out)
	if out != nil {
		t.Errorf("out = %v, want nil/empty", out)
	}
}

func TestReadArrayCorruptContentIsEmpty(t *testing.T) {
	for _, content := range []string{"not json at all", `{"not":"an array"}`, "", "\x00\x01binary"} {
		dir := t.TempDir()
		path := filepath.Join(dir, "f.json")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		s := Open(path)
		var out []widget
		ReadArray(s, &out)
		if len(out) != 0 {
			t.Errorf("content %q: out = %v, want empty", content, out)
		}
	}
}

func TestWriteArrayThenReadRoundTrips(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "f.json"))
	want := []widget{{ID: "a"}, {ID: "b"}}
	if err := WriteArray(s, want); err != nil {
		t.Fatal(err)
	}
	var got []widget
	ReadArray(s, &got)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("got = %v, want %v", got, want)
	}
}

func TestWriteEmptyBacksUpNonEmptyContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	s := Open(path)
	if err := WriteArray(s, []widget{{ID: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := WriteArray(s, []widget{}); err != nil {
		t.Fatal(err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("expected .bak file: %v", err)
	}
	var got []widget
	if err := json.Unmarshal(bak, &got); err != nil || len(got) != 1 {
		t.Errorf(".bak content = %s, want one widget", bak)
	}
}

func TestReadArrayWithBackupFallsBackWhenPrimaryEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	s := Open(path)
	if err := WriteArray(s, []widget{{ID: "x"}}); err != nil {
		t.Fatal(err)
	}
	// Force primary empty, leaving the prior content in .bak.
	if err := WriteArray(s, []widget{}); err != nil {
		t.Fatal(err)
	}
	var out []widget
	ReadArrayWithBackup(s, &out)
	if len(out) != 1 || out[0].ID != "x" {
		t.Errorf("out = %v, want fallback to .bak content", out)
	}
}

func TestMarkSelfWriteSuppressesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")
	if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := Open(path)
	var calls int32
	if err := s.Watch(func() { atomic.AddInt32(&calls, 1) }); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.MarkSelfWrite()
	if err := os.WriteFile(path, []byte(`[{"id":"a"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("calls = %d, want 0 within self-write window", calls)
	}
}

func TestExternalEditTriggersDebouncedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")
	if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := Open(path)
	done := make(chan struct{}, 1)
	if err := s.Watch(func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := os.WriteFile(path, []byte(`[{"id":"z"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("external edit did not trigger reload")
	}
}
