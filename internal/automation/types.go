// Package automation implements the Automation Engine (§4.H): event-driven
// rule matching, throttling, retry with backoff, and a bounded execution
// history and review queue.
package automation

import (
	"fmt"
	"time"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
)

// ThrottleMode is a rule's throttle discipline.
type ThrottleMode string

// Supported throttle modes.
const (
	ThrottleLeading  ThrottleMode = "leading"
	ThrottleTrailing ThrottleMode = "trailing"
)

// Throttle bounds how often a rule may fire per bucket (§4.H step a).
type Throttle struct {
	IntervalMs int          `json:"intervalMs"`
	Mode       ThrottleMode `json:"mode"`
	GroupBy    string       `json:"groupBy,omitempty"`
}

// Condition gates dispatch (§4.H step c). The only recognised type is
// "min-agents"; unrecognised types are treated as satisfied and logged.
type Condition struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Matcher selects which events a rule reacts to (§4.H step 1).
type Matcher struct {
	Events  []eventbus.Name   `json:"events"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Rule is a persisted automation rule (§3 "Automation rule").
type Rule struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Enabled        bool              `json:"enabled"`
	Priority       int               `json:"priority"`
	Matcher        Matcher           `json:"matcher"`
	SkillID        string            `json:"skillId"`
	StaticParams   map[string]string `json:"staticParams,omitempty"`
	TemplateParams map[string]string `json:"templateParams,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	TargetAgents   []string          `json:"targetAgents,omitempty"`
	TargetTags     []string          `json:"targetTags,omitempty"`
	Throttle       *Throttle         `json:"throttle,omitempty"`
	MaxConcurrent  int               `json:"maxConcurrent,omitempty"`
	MaxRetries     int               `json:"maxRetries,omitempty"`
	Conditions     []Condition       `json:"conditions,omitempty"`
	RequireReview  bool              `json:"requireReview,omitempty"`
	DryRun         bool              `json:"dryRun,omitempty"`
}

// Validate checks the required fields of a Rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("automation rule: missing id")
	}
	if r.Name == "" {
		return fmt.Errorf("automation rule: missing name")
	}
	if r.SkillID == "" {
		return fmt.Errorf("automation rule: missing skillId")
	}
	if len(r.Matcher.Events) == 0 {
		return fmt.Errorf("automation rule: matcher.events must be non-empty")
	}
	return nil
}

// Status is an execution record's lifecycle status.
type Status string

// Supported execution statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusThrottled Status = "throttled"
)

// Execution is a bounded-history record of one rule firing (§3 "Execution
// record").
type Execution struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"ruleId"`
	SkillID        string         `json:"skillId"`
	TriggerEvent   string         `json:"triggerEvent"`
	TriggerData    map[string]any `json:"triggerData,omitempty"`
	ResolvedParams map[string]string `json:"resolvedParams,omitempty"`
	Status         Status         `json:"status"`
	RetryAttempt   int            `json:"retryAttempt"`
	DurationMs     int64          `json:"durationMs"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    time.Time      `json:"completedAt"`
	Err            string         `json:"err,omitempty"`
	TaskID         string         `json:"taskId,omitempty"`
	ResultSummary  string         `json:"resultSummary,omitempty"`
}

// ReviewStatus is a review item's disposition.
type ReviewStatus string

// Supported review statuses.
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewFlagged  ReviewStatus = "flagged"
)

// Review is a queued review item (§3 "Review item").
type Review struct {
	ID              string       `json:"id"`
	ExecutionID     string       `json:"executionId"`
	AgentID         string       `json:"agentId,omitempty"`
	ExecutionStatus Status       `json:"executionStatus"`
	ReviewStatus    ReviewStatus `json:"reviewStatus"`
	DurationMs      int64        `json:"durationMs"`
	Notes           string       `json:"notes,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewedAt,omitempty"`
}

// RuleStats summarises one rule's execution history for getRuleStats.
type RuleStats struct {
	RuleID     string `json:"ruleId"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Throttled  int    `json:"throttled"`
}

// EngineStatus summarises the engine's own operating state for getStatus.
type EngineStatus struct {
	Enabled        bool `json:"enabled"`
	RuleCount      int  `json:"ruleCount"`
	ExecutionCount int  `json:"executionCount"`
	ReviewCount    int  `json:"reviewCount"`
}

// ExecutionFilter narrows getExecutions.
type ExecutionFilter struct {
	RuleID string
	Status Status
	Limit  int
}
