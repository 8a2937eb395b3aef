// Package workspace implements the Workspace Monitor (§4.G): per-path
// filesystem watchers over a workspace's chat-session storage, .vscode
// directory and .git metadata, periodic remote-fetch polling, and
// periodic chat-session JSONL mining.
package workspace

import "time"

// StopReason records why a monitor stopped, for its history entry
// (§5 "Resource cleanup").
type StopReason string

// Recognised stop reasons.
const (
	StopManual   StopReason = "manual"
	StopShutdown StopReason = "shutdown"
	StopError    StopReason = "error"
)

// GitEventKind classifies a detected .git metadata change.
type GitEventKind string

// Recognised git event kinds.
const (
	GitBranchSwitch GitEventKind = "branch-switch"
	GitCommit       GitEventKind = "commit"
	GitCommitMsg    GitEventKind = "commit-message"
	GitFetchFailed  GitEventKind = "fetch-failed"
)

// FileChange is one entry in a monitor's bounded recentChanges buffer.
type FileChange struct {
	Path string    `json:"path"`
	Kind string    `json:"kind"` // "session-updated" | "file-changed"
	At   time.Time `json:"at"`
}

// GitEvent is one entry in a monitor's bounded gitEvents buffer.
type GitEvent struct {
	Kind GitEventKind `json:"kind"`
	Ref  string       `json:"ref,omitempty"`
	At   time.Time    `json:"at"`
}

// SessionSummary is what session mining extracts from one chat-session
// JSONL file plus its companion state.json (§4.G "session-mining task").
type SessionSummary struct {
	SessionID     string    `json:"sessionId"`
	Path          string    `json:"path"`
	Title         string    `json:"title,omitempty"`
	Models        []string  `json:"models,omitempty"`
	RequestCount  int       `json:"requestCount"`
	PromptTokens  int64     `json:"promptTokens"`
	OutputTokens  int64     `json:"outputTokens"`
	ErrorCount    int       `json:"errorCount"`
	FirstRequest  time.Time `json:"firstRequest,omitempty"`
	LastRequest   time.Time `json:"lastRequest,omitempty"`
	LastSize      int64     `json:"-"`
}

// HistoryEntry records one monitor start/stop for config/workspace-history.json.
type HistoryEntry struct {
	Path       string     `json:"path"`
	Event      string     `json:"event"` // "started" | "stopped"
	Reason     StopReason `json:"reason,omitempty"`
	At         time.Time  `json:"at"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// Status is a monitor's point-in-time snapshot.
type Status struct {
	Path          string       `json:"path"`
	Monitoring    bool         `json:"monitoring"`
	RecentChanges []FileChange `json:"recentChanges"`
	GitEvents     []GitEvent   `json:"gitEvents"`
	Sessions      []SessionSummary `json:"sessions"`
	StartedAt     time.Time    `json:"startedAt"`
}
