// Package eventlog wraps the event bus with a bounded in-memory ring and an
// append-only JSONL tail file, so that dashboards and the automation engine
// can ask "what happened recently" without re-subscribing from empty state.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

// defaultRingSize is the default number of entries kept in memory.
const defaultRingSize = 200

// Entry is one recorded event: {ts, event, ...data} on the wire.
type Entry struct {
	TS    time.Time
	Event eventbus.Name
	Data  map[string]any
}

// MarshalJSON flattens TS/Event/Data into a single JSON object, matching
// the {ts, event, ...data} wire shape §4.B specifies.
func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		flat[k] = v
	}
	flat["ts"] = e.TS.Format(time.RFC3339Nano)
	flat["event"] = e.Event
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON, pulling ts/event out and leaving the
// rest as Data.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["ts"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		e.TS = ts
		delete(raw, "ts")
	}
	if v, ok := raw["event"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		e.Event = eventbus.Name(s)
		delete(raw, "event")
	}
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		data[k] = val
	}
	e.Data = data
	return nil
}

// Log is the bounded ring + JSONL tail described in §4.B.
type Log struct {
	path     string
	ringSize int

	mu     sync.Mutex
	ring   []Entry
	seeded bool

	writeMu sync.Mutex
	file    *os.File
}

// New subscribes to every known event name on bus and returns a Log that
// appends each to both the in-memory ring and the JSONL file at path. If
// path is empty, only the in-memory ring is maintained.
func New(bus *eventbus.Bus, path string, ringSize int) (*Log, error) {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	l := &Log{path: path, ringSize: ringSize}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		l.file = f
	}
	for _, name := range eventbus.Names() {
		bus.Subscribe(name, l.record)
	}
	return l, nil
}

// record appends e to the ring and the JSONL tail. It is the bus handler
// installed for every event name; it must not block on anything slow.
func (l *Log) record(e eventbus.Event) {
	entry := Entry{TS: time.Now().UTC(), Event: e.Name, Data: e.Data}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("marshal event log entry", "event", e.Name, "err", err)
	} else {
		// The ring holds the same JSON shape as the file (numbers as
		// float64), so entries seeded from the file and entries published
		// since look alike to readers.
		var norm Entry
		if json.Unmarshal(data, &norm) == nil {
			entry = norm
		}
	}

	l.mu.Lock()
	l.ring = boundedAppend(l.ring, entry, l.ringSize)
	l.mu.Unlock()

	if l.file == nil || err != nil {
		return
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		slog.Warn("append event log entry", "event", e.Name, "err", err)
	}
}

// GetRecentEvents returns up to limit of the newest entries, newest first.
// The first call seeds the ring from the tail of the JSONL file so that a
// freshly started process can answer "recent events" before anything new
// has been published.
func (l *Log) GetRecentEvents(limit int) []Entry {
	l.mu.Lock()
	if !l.seeded {
		l.seeded = true
		if l.path != "" {
			// Entries published since open are already in the ring and
			// were also appended to the file, so the last len(l.ring)
			// lines of the tail are dropped from the seed; the rest is
			// older than the ring and goes before it.
			seed := readTail(l.path, l.ringSize+len(l.ring))
			if n := len(seed) - len(l.ring); n > 0 {
				seed = seed[:n]
			} else {
				seed = nil
			}
			l.ring = append(seed, l.ring...)
			if len(l.ring) > l.ringSize {
				l.ring = l.ring[len(l.ring)-l.ringSize:]
			}
		}
	}
	ring := l.ring
	l.mu.Unlock()

	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Entry, limit)
	// ring is oldest-first; newest-first output takes from the tail.
	for i := range limit {
		out[i] = ring[len(ring)-1-i]
	}
	return out
}

// Close closes the underlying JSONL file, if any.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// boundedAppend appends v to s, dropping the oldest entries once s exceeds
// max. The automation and workspace packages carry identical copies for
// their bounded buffers (execution history, review queue, recentChanges,
// gitEvents), so truncation behaves the same everywhere.
func boundedAppend[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// readTail reads up to the last n JSONL lines from path and parses them
// into Entry values. Corrupt lines are skipped silently, per §4.B/§8.
func readTail(path string, n int) []Entry {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var lines [][]byte
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
