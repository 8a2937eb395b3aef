package workspace

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

const (
	maxRecent = 50

	defaultGitFetchIntervalMs = 300_000
	gitFetchTimeout           = 30 * time.Second

	defaultMiningIntervalMs = 60_000
	defaultMaxJSONLLines    = 5000

	jsonlDebounce = 5 * time.Second
)

// Monitor watches one workspace path: its VS Code chatSessions storage,
// .vscode directory, and .git metadata, plus two background tickers for
// remote-fetch polling and chat-session mining.
type Monitor struct {
	path             string
	bus              *eventbus.Bus
	fetchIntervalMs  int
	miningIntervalMs int
	maxJSONLLines    int

	chatSessionsDir string

	mu            sync.Mutex
	recentChanges []FileChange
	gitEvents     []GitEvent
	sessions      map[string]SessionSummary
	startedAt     time.Time

	watchers []*fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup

	jsonlDebounceMu sync.Mutex
	jsonlTimers     map[string]*time.Timer
}

// newMonitor creates a Monitor for path. It does not start watching;
// call start for that.
func newMonitor(bus *eventbus.Bus, path string, fetchIntervalMs, miningIntervalMs, maxJSONLLines int) *Monitor {
	if fetchIntervalMs <= 0 {
		fetchIntervalMs = defaultGitFetchIntervalMs
	}
	if miningIntervalMs <= 0 {
		miningIntervalMs = defaultMiningIntervalMs
	}
	if maxJSONLLines <= 0 {
		maxJSONLLines = defaultMaxJSONLLines
	}
	return &Monitor{
		path:             path,
		bus:              bus,
		fetchIntervalMs:  fetchIntervalMs,
		miningIntervalMs: miningIntervalMs,
		maxJSONLLines:    maxJSONLLines,
		sessions:         make(map[string]SessionSummary),
		jsonlTimers:      make(map[string]*time.Timer),
	}
}

// start wires every watcher and background ticker (§4.G). Individual
// watcher failures are logged and skipped; a workspace with no .git or
// no discoverable chatSessions directory still monitors what it has.
func (m *Monitor) start() error {
	m.startedAt = time.Now().UTC()
	m.done = make(chan struct{})

	m.chatSessionsDir = discoverChatSessionsDir(m.path)
	if m.chatSessionsDir != "" {
		if err := m.watchRecursive(m.chatSessionsDir, m.onChatSessionsEvent); err != nil {
			slog.Warn("workspace monitor: chatSessions watch failed", "path", m.path, "err", err)
		}
	}

	vscodeDir := filepath.Join(m.path, ".vscode")
	if dirExists(vscodeDir) {
		if err := m.watchRecursive(vscodeDir, m.onVSCodeEvent); err != nil {
			slog.Warn("workspace monitor: .vscode watch failed", "path", m.path, "err", err)
		}
	}

	gitDir := filepath.Join(m.path, ".git")
	if dirExists(gitDir) {
		if err := m.watchGit(gitDir); err != nil {
			slog.Warn("workspace monitor: .git watch failed", "path", m.path, "err", err)
		}
	}

	m.wg.Add(2)
	go m.runFetchLoop()
	go m.runMiningLoop()

	m.bus.Publish(eventbus.New(eventbus.WorkspaceMonitoring, "path", m.path))
	return nil
}

// stop closes every watcher and background ticker and publishes
// workspace:stopped with the elapsed duration and reason
// (§5 "Resource cleanup").
func (m *Monitor) stop(reason StopReason) {
	close(m.done)
	for _, w := range m.watchers {
		_ = w.Close()
	}
	m.wg.Wait()

	m.jsonlDebounceMu.Lock()
	for _, t := range m.jsonlTimers {
		t.Stop()
	}
	m.jsonlDebounceMu.Unlock()

	duration := time.Since(m.startedAt).Milliseconds()
	m.bus.Publish(eventbus.New(eventbus.WorkspaceStopped, "path", m.path, "reason", string(reason), "durationMs", duration))
}

func (m *Monitor) status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return Status{
		Path:          m.path,
		Monitoring:    true,
		RecentChanges: append([]FileChange(nil), m.recentChanges...),
		GitEvents:     append([]GitEvent(nil), m.gitEvents...),
		Sessions:      sessions,
		StartedAt:     m.startedAt,
	}
}

func (m *Monitor) recordChange(path, kind string) {
	m.mu.Lock()
	m.recentChanges = boundedAppend(m.recentChanges, FileChange{Path: path, Kind: kind, At: time.Now().UTC()}, maxRecent)
	m.mu.Unlock()
}

func (m *Monitor) recordGitEvent(kind GitEventKind, ref string) {
	m.mu.Lock()
	m.gitEvents = boundedAppend(m.gitEvents, GitEvent{Kind: kind, Ref: ref, At: time.Now().UTC()}, maxRecent)
	m.mu.Unlock()
}

// onChatSessionsEvent handles a watch event under the chatSessions
// directory: state.json writes emit workspace:session-updated and schedule
// a re-mine of the session's JSONL; every other file emits
// workspace:file-changed, and *.jsonl writes also schedule a re-mine.
// Re-mines are debounced 5s per file (scheduleMine).
func (m *Monitor) onChatSessionsEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	switch {
	case base == "state.json":
		m.recordChange(ev.Name, "session-updated")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceSessionUpdated, "path", ev.Name))
		m.scheduleMine(sessionJSONLFromStateDir(ev.Name))
	case filepath.Ext(base) == ".jsonl":
		m.recordChange(ev.Name, "file-changed")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceFileChanged, "path", ev.Name))
		m.scheduleMine(ev.Name)
	default:
		m.recordChange(ev.Name, "file-changed")
		m.bus.Publish(eventbus.New(eventbus.WorkspaceFileChanged, "path", ev.Name))
	}
}

func (m *Monitor) onVSCodeEvent(ev fsnotify.Event) {
	m.recordChange(ev.Name, "file-changed")
	m.bus.Publish(eventbus.New(eventbus.WorkspaceFileChanged, "path", ev.Name))
}

// scheduleMine debounces repeated JSONL writes (editors/CLIs often append
// many small writes per turn) 5s before re-mining jsonlPath.
func (m *Monitor) scheduleMine(jsonlPath string) {
	if jsonlPath == "" {
		return
	}
	m.jsonlDebounceMu.Lock()
	defer m.jsonlDebounceMu.Unlock()
	if t, ok := m.jsonlTimers[jsonlPath]; ok {
		t.Stop()
	}
	m.jsonlTimers[jsonlPath] = time.AfterFunc(jsonlDebounce, func() {
		m.mineOne(jsonlPath)
	})
}

// watchRecursive adds a watch on root and every subdirectory, dispatching
// every event to handler on its own goroutine loop.
func (m *Monitor) watchRecursive(root string, handler func(fsnotify.Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees
		}
		if d.IsDir() {
			if addErr := w.Add(p); addErr != nil {
				slog.Warn("workspace monitor: watch subdir failed", "path", p, "err", addErr)
			}
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return err
	}

	m.watchers = append(m.watchers, w)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				handler(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("workspace monitor: watcher error", "path", root, "err", err)
			}
		}
	}()
	return nil
}

func discoverChatSessionsDir(workspacePath string) string {
	candidate := filepath.Join(workspacePath, ".vscode", "chatSessions")
	if dirExists(candidate) {
		return candidate
	}
	return ""
}

func sessionJSONLFromStateDir(stateJSONPath string) string {
	dir := filepath.Dir(stateJSONPath)
	sessionID := filepath.Base(dir)
	return filepath.Join(filepath.Dir(dir), sessionID+".jsonl")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// boundedAppend drops the oldest element once len(s) would exceed max.
func boundedAppend[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
