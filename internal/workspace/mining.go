package workspace

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxStateFileBytes = 10 << 20 // 10 MB

// forbiddenKeys are stripped recursively from state.json content before
// it enriches a SessionSummary. Go's map[string]any assignment has no
// prototype-pollution hazard the way a JS object merge would, but the
// reviver rule is carried over verbatim so a state.json crafted for the
// original host cannot smuggle these keys into anything this process
// later serialises back out.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// runMiningLoop periodically re-mines every chat-session JSONL file,
// skipping files whose size hasn't changed since the last mine
// (§4.G bullet 5).
func (m *Monitor) runMiningLoop() {
	defer m.wg.Done()
	if m.chatSessionsDir == "" {
		return
	}
	ticker := time.NewTicker(time.Duration(m.miningIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mineAll()
		}
	}
}

func (m *Monitor) mineAll() {
	entries, err := os.ReadDir(m.chatSessionsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		m.mineOne(filepath.Join(m.chatSessionsDir, entry.Name()))
	}
}

// mineOne mines one JSONL path, skipping it if its size is unchanged
// since the previous mine.
func (m *Monitor) mineOne(jsonlPath string) {
	info, err := os.Stat(jsonlPath)
	if err != nil {
		return
	}

	sessionID := strings.TrimSuffix(filepath.Base(jsonlPath), ".jsonl")

	m.mu.Lock()
	prev, seen := m.sessions[sessionID]
	m.mu.Unlock()
	if seen && prev.LastSize == info.Size() {
		return
	}

	summary, err := mineSessionFile(jsonlPath, m.maxJSONLLines)
	if err != nil {
		slog.Warn("workspace monitor: mine session failed", "path", jsonlPath, "err", err)
		return
	}
	summary.SessionID = sessionID
	summary.Path = jsonlPath
	summary.LastSize = info.Size()

	if _, uuidErr := uuid.Parse(sessionID); uuidErr == nil {
		enrichFromState(&summary, filepath.Join(m.chatSessionsDir, sessionID, "state.json"))
	}

	m.mu.Lock()
	m.sessions[sessionID] = summary
	m.mu.Unlock()
}

// jsonlRecord is the subset of a chat-session JSONL line this process
// understands. Unknown fields are ignored; malformed lines are skipped.
type jsonlRecord struct {
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     any    `json:"error,omitempty"`
	Usage     *struct {
		PromptTokens int64 `json:"promptTokens"`
		OutputTokens int64 `json:"outputTokens"`
	} `json:"usage,omitempty"`
}

// mineSessionFile stream-reads up to maxLines of jsonlPath, extracting
// title, model set, request count, token counts, error count, and
// first/last request timestamps (§4.G bullet 5). Malformed lines are
// skipped silently, matching the event log's and reader's tolerance for
// corrupt input.
func mineSessionFile(jsonlPath string, maxLines int) (SessionSummary, error) {
	f, err := os.Open(jsonlPath) //nolint:gosec // path constructed from a discovered chatSessions directory
	if err != nil {
		return SessionSummary{}, err
	}
	defer f.Close()

	var summary SessionSummary
	modelSet := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lines := 0
	for scanner.Scan() && lines < maxLines {
		lines++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Title != "" && summary.Title == "" {
			summary.Title = rec.Title
		}
		if rec.Model != "" {
			modelSet[rec.Model] = struct{}{}
			summary.RequestCount++
		}
		if rec.Usage != nil {
			summary.PromptTokens += rec.Usage.PromptTokens
			summary.OutputTokens += rec.Usage.OutputTokens
		}
		if rec.Error != nil {
			summary.ErrorCount++
		}
		if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			if summary.FirstRequest.IsZero() || ts.Before(summary.FirstRequest) {
				summary.FirstRequest = ts
			}
			if ts.After(summary.LastRequest) {
				summary.LastRequest = ts
			}
		}
	}

	summary.Models = make([]string, 0, len(modelSet))
	for model := range modelSet {
		summary.Models = append(summary.Models, model)
	}
	return summary, nil
}

// enrichFromState folds a companion state.json into summary: size-capped
// at 10 MB, keys sanitised of forbiddenKeys, request/error counts merged
// in if present.
func enrichFromState(summary *SessionSummary, stateJSONPath string) {
	info, err := os.Stat(stateJSONPath)
	if err != nil || info.Size() > maxStateFileBytes {
		return
	}
	data, err := os.ReadFile(stateJSONPath) //nolint:gosec // size-capped above
	if err != nil {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("workspace monitor: unreadable state.json", "path", stateJSONPath, "err", err)
		return
	}
	sanitizeKeys(raw)

	if title, ok := raw["title"].(string); ok && summary.Title == "" {
		summary.Title = title
	}
	if n, ok := raw["requestCount"].(float64); ok && int(n) > summary.RequestCount {
		summary.RequestCount = int(n)
	}
	if n, ok := raw["errorCount"].(float64); ok && int(n) > summary.ErrorCount {
		summary.ErrorCount = int(n)
	}
}

// sanitizeKeys recursively deletes forbiddenKeys from v in place.
func sanitizeKeys(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k := range forbiddenKeys {
			delete(t, k)
		}
		for _, child := range t {
			sanitizeKeys(child)
		}
	case []any:
		for _, child := range t {
			sanitizeKeys(child)
		}
	}
}
