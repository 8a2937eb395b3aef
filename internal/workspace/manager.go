package workspace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/store"
)

const maxHistoryEntries = 200

// Manager owns every active Monitor and the persisted set of monitored
// paths and history entries (§6 "config/monitors.json",
// "config/workspace-history.json").
type Manager struct {
	bus          *eventbus.Bus
	pathsStore   *store.Store
	historyStore *store.Store

	fetchIntervalMs  int
	miningIntervalMs int
	maxJSONLLines    int

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewManager creates a Manager and resumes any paths persisted in
// monitorsPath. Pass "" for either path to skip persistence (tests).
func NewManager(bus *eventbus.Bus, monitorsPath, historyPath string, fetchIntervalMs, miningIntervalMs, maxJSONLLines int) (*Manager, error) {
	m := &Manager{
		bus:              bus,
		monitors:         make(map[string]*Monitor),
		fetchIntervalMs:  fetchIntervalMs,
		miningIntervalMs: miningIntervalMs,
		maxJSONLLines:    maxJSONLLines,
	}
	if monitorsPath != "" {
		m.pathsStore = store.Open(monitorsPath)
	}
	if historyPath != "" {
		m.historyStore = store.Open(historyPath)
	}

	if m.pathsStore != nil {
		var paths []string
		store.ReadArray(m.pathsStore, &paths)
		for _, p := range paths {
			if err := m.Start(p); err != nil {
				slog.Warn("workspace manager: resume failed", "path", p, "err", err)
			}
		}
	}
	return m, nil
}

// Start begins monitoring path. Returns an error if path is already
// monitored.
func (m *Manager) Start(path string) error {
	m.mu.Lock()
	if _, ok := m.monitors[path]; ok {
		m.mu.Unlock()
		return fmt.Errorf("workspace %q already monitored", path)
	}
	mon := newMonitor(m.bus, path, m.fetchIntervalMs, m.miningIntervalMs, m.maxJSONLLines)
	m.monitors[path] = mon
	m.mu.Unlock()

	if err := mon.start(); err != nil {
		m.mu.Lock()
		delete(m.monitors, path)
		m.mu.Unlock()
		return err
	}

	m.persistPaths()
	m.appendHistory(HistoryEntry{Path: path, Event: "started", At: time.Now().UTC()})
	return nil
}

// Stop ends monitoring of path with the given reason. If skipPersist is
// true, the monitored-paths file is left unchanged so the path resumes
// on the next startup (§5: graceful shutdown stops monitors with
// skipPersist=true).
func (m *Manager) Stop(path string, reason StopReason, skipPersist bool) error {
	m.mu.Lock()
	mon, ok := m.monitors[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("workspace %q not monitored", path)
	}
	delete(m.monitors, path)
	m.mu.Unlock()

	startedAt := mon.startedAt
	mon.stop(reason)

	if !skipPersist {
		m.persistPaths()
	}
	m.appendHistory(HistoryEntry{
		Path:       path,
		Event:      "stopped",
		Reason:     reason,
		At:         time.Now().UTC(),
		DurationMs: time.Since(startedAt).Milliseconds(),
	})
	return nil
}

// StopAll stops every active monitor, as used during graceful shutdown
// (§5) with skipPersist=true.
func (m *Manager) StopAll(reason StopReason, skipPersist bool) {
	m.mu.Lock()
	paths := make([]string, 0, len(m.monitors))
	for p := range m.monitors {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		if err := m.Stop(p, reason, skipPersist); err != nil {
			slog.Warn("workspace manager: stop failed", "path", p, "err", err)
		}
	}
}

// Status returns the monitoring snapshot for path.
func (m *Manager) Status(path string) (Status, bool) {
	m.mu.Lock()
	mon, ok := m.monitors[path]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return mon.status(), true
}

// ListStatuses returns a snapshot for every actively monitored path.
func (m *Manager) ListStatuses() []Status {
	m.mu.Lock()
	mons := make([]*Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		mons = append(mons, mon)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(mons))
	for _, mon := range mons {
		out = append(out, mon.status())
	}
	return out
}

func (m *Manager) persistPaths() {
	if m.pathsStore == nil {
		return
	}
	m.mu.Lock()
	paths := make([]string, 0, len(m.monitors))
	for p := range m.monitors {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	if err := store.WriteArray(m.pathsStore, paths); err != nil {
		slog.Warn("workspace manager: persist monitored paths failed", "err", err)
	}
}

func (m *Manager) appendHistory(entry HistoryEntry) {
	if m.historyStore == nil {
		return
	}
	var hist []HistoryEntry
	store.ReadArray(m.historyStore, &hist)
	hist = boundedAppend(hist, entry, maxHistoryEntries)
	if err := store.WriteArray(m.historyStore, hist); err != nil {
		slog.Warn("workspace manager: persist history failed", "err", err)
	}
}
