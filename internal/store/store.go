// Package store implements the crash-safe read/rewrite-in-full JSON
// persistence used by every persisted document in §3 (agents, skills,
// rules, workspace history, metrics), plus the directory-level fsnotify
// watch and self-write suppression window that lets the Agent Registry
// reconcile external edits per §4.C.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfWriteWindow is how long after MarkSelfWrite a directory event for
// this file is suppressed, per §4.C / §8.
const selfWriteWindow = time.Second

// debounceDelay coalesces bursts of external filesystem events (editors
// often write via temp+rename, firing several events per save) before
// invoking the reload callback.
const debounceDelay = 300 * time.Millisecond

// Store manages one JSON document on disk: an array file (agents, skills,
// rules, workspace history) or an object file (metrics). Callers read and
// write through the generic helpers below; JSON shape (array vs object) is
// the caller's concern, not the store's.
type Store struct {
	Path string

	mu             sync.Mutex
	selfWriteUntil time.Time

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	debounce  *time.Timer
	onChange  func()
	watchDone chan struct{}
}

// Open returns a Store bound to path. It does not read or create the file;
// Read*/Write* do that lazily.
func Open(path string) *Store {
	return &Store{Path: path}
}

// ReadArray decodes the JSON array at Path into out (a pointer to a
// slice). Per §4.C / §8: a missing file yields an empty slice; unreadable
// or non-array content also yields an empty slice, logged as a warning.
func ReadArray[T any](s *Store, out *[]T) {
	*out = nil
	data, err := os.ReadFile(filepath.Clean(s.Path))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read store file", "path", s.Path, "err", err)
		}
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn("parse store file as array; using empty collection", "path", s.Path, "err", err)
		return
	}
	*out = items
}

// ReadArrayWithBackup is ReadArray, but if the primary file is missing or
// decodes to an empty slice, it falls back to reading Path+".bak". This is
// the agents-specific backup-consultation rule in §4.C.
func ReadArrayWithBackup[T any](s *Store, out *[]T) {
	ReadArray(s, out)
	if len(*out) > 0 {
		return
	}
	bak := Open(s.Path + ".bak")
	ReadArray(bak, out)
}

// ReadObject decodes the JSON object at Path into out (a pointer to a
// struct or map). Missing/unreadable/non-object content yields the zero
// value of *out, logged as a warning for the latter two cases.
func ReadObject[T any](s *Store, out *T) {
	var zero T
	*out = zero
	data, err := os.ReadFile(filepath.Clean(s.Path))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read store file", "path", s.Path, "err", err)
		}
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("parse store file as object; using empty state", "path", s.Path, "err", err)
		return
	}
	*out = v
}

// WriteArray rewrites Path in full with items marshaled as a JSON array.
// Before overwriting a non-empty existing file with an empty collection,
// the current content is copied to Path+".bak" (§4.C).
func WriteArray[T any](s *Store, items []T) error {
	return s.write(len(items) == 0, items)
}

// WriteObject rewrites Path in full with v marshaled as a JSON object.
func WriteObject[T any](s *Store, v T) error {
	return s.write(false, v)
}

func (s *Store) write(writingEmpty bool, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if writingEmpty {
		if cur, err := os.ReadFile(filepath.Clean(s.Path)); err == nil && len(bytes.TrimSpace(cur)) > 2 {
			if err := os.WriteFile(s.Path+".bak", cur, 0o600); err != nil {
				slog.Warn("backup before empty overwrite", "path", s.Path, "err", err)
			}
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	s.markSelfWriteLocked()
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// MarkSelfWrite opens a one-second window during which directory events
// naming this file are treated as our own write and do not trigger a
// reload. WriteArray/WriteObject call this automatically; exposed
// separately for callers that write Path by other means (e.g. renaming a
// temp file into place).
func (s *Store) MarkSelfWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSelfWriteLocked()
}

func (s *Store) markSelfWriteLocked() {
	s.selfWriteUntil = time.Now().Add(selfWriteWindow)
}

func (s *Store) withinSelfWriteWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.selfWriteUntil)
}

// Watch starts a directory-level fsnotify watch on Path's parent (so that
// atomic temp+rename writes by external editors are caught) and invokes
// onChange, debounced 300ms, whenever an event names this file and falls
// outside the self-write window. It returns immediately; the watch runs
// until Close is called.
func (s *Store) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = w.Close()
		return fmt.Errorf("create watch dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	s.watchMu.Lock()
	s.watcher = w
	s.onChange = onChange
	s.watchDone = make(chan struct{})
	s.watchMu.Unlock()

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	base := filepath.Base(s.Path)
	defer close(s.watchDone)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if s.withinSelfWriteWindow() {
				continue
			}
			s.scheduleDebounced()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("store watcher error", "path", s.Path, "err", err)
		}
	}
}

func (s *Store) scheduleDebounced() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(debounceDelay, func() {
		if s.withinSelfWriteWindow() {
			return
		}
		s.onChange()
	})
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.watchMu.Lock()
	w := s.watcher
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.watchMu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
