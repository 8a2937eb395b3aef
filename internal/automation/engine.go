package automation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jagilber-org/agentmgr/internal/agentreg"
	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/router"
	"github.com/jagilber-org/agentmgr/internal/store"
)

const (
	maxExecutionHistory = 200
	maxReviewHistory    = 200

	retryBase   = time.Second
	retryFactor = 2.0
	retryCap    = 30 * time.Second
	retryJitter = 0.2

	maxSnapshotLen = 500
	maxSummaryLen  = 500
)

// bucketState is the per-throttle-bucket state: last leading run, and the
// pending trailing timer plus the latest event it will fire with.
type bucketState struct {
	mu          sync.Mutex
	lastRun     time.Time
	timer       *time.Timer
	latestEvent eventbus.Event
}

// Engine is the process-wide Automation Engine (§4.H). One Engine
// subscribes to the full closed set of event names and owns every
// automation rule, execution record, and review item.
type Engine struct {
	bus    *eventbus.Bus
	store  *store.Store
	router *router.Router
	agents *agentreg.Registry

	enabled atomic.Bool

	mu    sync.Mutex
	rules map[string]Rule
	order []string

	execMu     sync.Mutex
	executions []Execution
	ordinals   map[string]int

	reviewMu sync.Mutex
	reviews  []Review

	throttleMu    sync.Mutex
	throttleState map[string]*bucketState

	activeMu sync.Mutex
	active   map[string]int

	unsubs []func()
}

// New creates an Engine wired to bus, rt and agents. If path is non-empty,
// rules persist there; pass "" for a registry-only instance (tests).
func New(bus *eventbus.Bus, path string, rt *router.Router, agents *agentreg.Registry) (*Engine, error) {
	e := &Engine{
		bus:           bus,
		router:        rt,
		agents:        agents,
		rules:         make(map[string]Rule),
		ordinals:      make(map[string]int),
		throttleState: make(map[string]*bucketState),
		active:        make(map[string]int),
	}
	e.enabled.Store(true)

	if path != "" {
		e.store = store.Open(path)
		var rules []Rule
		store.ReadArray(e.store, &rules)
		for _, r := range rules {
			e.rules[r.ID] = r
			e.order = append(e.order, r.ID)
		}
	}

	for _, name := range eventbus.Names() {
		unsub := bus.Subscribe(name, func(ev eventbus.Event) {
			go e.handleEvent(ev)
		})
		e.unsubs = append(e.unsubs, unsub)
	}
	return e, nil
}

// Close unsubscribes from the event bus.
func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
}

// SetEnabled turns automation processing on or off process-wide. Disabled
// engines still accept rule CRUD but no longer react to events.
func (e *Engine) SetEnabled(on bool) {
	e.enabled.Store(on)
}

// GetStatus reports the engine's current operating state.
func (e *Engine) GetStatus() EngineStatus {
	e.mu.Lock()
	ruleCount := len(e.rules)
	e.mu.Unlock()
	e.execMu.Lock()
	execCount := len(e.executions)
	e.execMu.Unlock()
	e.reviewMu.Lock()
	reviewCount := len(e.reviews)
	e.reviewMu.Unlock()
	return EngineStatus{Enabled: e.enabled.Load(), RuleCount: ruleCount, ExecutionCount: execCount, ReviewCount: reviewCount}
}

// RegisterRule persists a new rule, or replaces an existing one with the
// same id.
func (e *Engine) RegisterRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if _, exists := e.rules[r.ID]; !exists {
		e.order = append(e.order, r.ID)
	}
	e.rules[r.ID] = r
	e.mu.Unlock()
	e.persist()
	return nil
}

// UpdateRule merges partial's non-zero fields over the existing rule for
// id; Enabled, RequireReview and DryRun are always taken from partial, so
// a partial that leaves them unset turns them off. The rule's id is never
// changed.
func (e *Engine) UpdateRule(id string, partial Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("automation rule %q not found", id)
	}
	merged := mergeRule(existing, partial)
	merged.ID = id
	if err := merged.Validate(); err != nil {
		return err
	}
	e.rules[id] = merged
	e.persistLocked()
	return nil
}

func mergeRule(dst, partial Rule) Rule {
	if partial.Name != "" {
		dst.Name = partial.Name
	}
	if partial.Description != "" {
		dst.Description = partial.Description
	}
	dst.Enabled = partial.Enabled
	if partial.Priority != 0 {
		dst.Priority = partial.Priority
	}
	if len(partial.Matcher.Events) > 0 {
		dst.Matcher = partial.Matcher
	}
	if partial.SkillID != "" {
		dst.SkillID = partial.SkillID
	}
	if partial.StaticParams != nil {
		dst.StaticParams = partial.StaticParams
	}
	if partial.TemplateParams != nil {
		dst.TemplateParams = partial.TemplateParams
	}
	if partial.Tags != nil {
		dst.Tags = partial.Tags
	}
	if partial.TargetAgents != nil {
		dst.TargetAgents = partial.TargetAgents
	}
	if partial.TargetTags != nil {
		dst.TargetTags = partial.TargetTags
	}
	if partial.Throttle != nil {
		dst.Throttle = partial.Throttle
	}
	if partial.MaxConcurrent != 0 {
		dst.MaxConcurrent = partial.MaxConcurrent
	}
	if partial.MaxRetries != 0 {
		dst.MaxRetries = partial.MaxRetries
	}
	if partial.Conditions != nil {
		dst.Conditions = partial.Conditions
	}
	dst.RequireReview = partial.RequireReview
	dst.DryRun = partial.DryRun
	return dst
}

// RemoveRule deletes the rule with id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("automation rule %q not found", id)
	}
	delete(e.rules, id)
	for i, x := range e.order {
		if x == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.persist()
	return nil
}

// ListRules returns every rule, in registration order.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

// GetRule returns the rule for id and whether it was found.
func (e *Engine) GetRule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	return r, ok
}

func (e *Engine) persist() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistLocked()
}

func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	rules := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		rules = append(rules, e.rules[id])
	}
	if err := store.WriteArray(e.store, rules); err != nil {
		slog.Warn("automation: persist rules failed", "err", err)
	}
}

// TriggerRule runs the pipeline for rule id outside the event bus, using
// data as the synthetic event payload (§4.H "triggerRule"). The rule's
// throttle and its Enabled flag are not consulted.
func (e *Engine) TriggerRule(id string, data map[string]any, dryRun bool) (Execution, error) {
	e.mu.Lock()
	rule, ok := e.rules[id]
	e.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("automation rule %q not found", id)
	}
	name := eventbus.Name("manual:trigger")
	if len(rule.Matcher.Events) > 0 {
		name = rule.Matcher.Events[0]
	}
	ev := eventbus.Event{Name: name, Data: data}
	return e.runPipeline(rule, ev, dryRun), nil
}

// GetExecutions returns bounded-history executions matching filter,
// newest first.
func (e *Engine) GetExecutions(filter ExecutionFilter) []Execution {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	var out []Execution
	for i := len(e.executions) - 1; i >= 0; i-- {
		ex := e.executions[i]
		if filter.RuleID != "" && ex.RuleID != filter.RuleID {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		out = append(out, ex)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// GetRuleStats summarises id's execution history.
func (e *Engine) GetRuleStats(id string) RuleStats {
	stats := RuleStats{RuleID: id}
	e.execMu.Lock()
	defer e.execMu.Unlock()
	for _, ex := range e.executions {
		if ex.RuleID != id {
			continue
		}
		stats.Total++
		switch ex.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusSkipped:
			stats.Skipped++
		case StatusThrottled:
			stats.Throttled++
		}
	}
	return stats
}

// handleEvent is the bus subscriber callback: §4.H step 1-3 applied to one
// published event. It runs on its own goroutine (see New) so a slow rule
// pipeline never stalls the publisher.
func (e *Engine) handleEvent(ev eventbus.Event) {
	if !e.enabled.Load() {
		return
	}
	for _, rule := range e.matchingRules(ev) {
		e.processRule(rule, ev, false)
	}
}

// matchingRules implements §4.H step 1: enabled rules whose matcher.events
// contains ev.Name and whose matcher.filters all equal the event payload,
// returned in descending priority order (step 2).
func (e *Engine) matchingRules(ev eventbus.Event) []Rule {
	e.mu.Lock()
	var out []Rule
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled {
			continue
		}
		if !containsEventName(r.Matcher.Events, ev.Name) {
			continue
		}
		if !filtersMatch(r.Matcher.Filters, ev.Data) {
			continue
		}
		out = append(out, r)
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func containsEventName(events []eventbus.Name, name eventbus.Name) bool {
	for _, n := range events {
		if n == name {
			return true
		}
	}
	return false
}

func filtersMatch(filters map[string]string, data map[string]any) bool {
	for k, want := range filters {
		got, ok := data[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// processRule applies the rule's throttle (§4.H step a) and, if it
// passes, the rest of the pipeline.
func (e *Engine) processRule(rule Rule, ev eventbus.Event, forceDryRun bool) Execution {
	if rule.Throttle != nil && !e.checkThrottle(rule, ev) {
		return Execution{}
	}
	return e.runPipeline(rule, ev, forceDryRun)
}

// checkThrottle implements §4.H step a. It returns true when the caller
// should proceed immediately; for trailing mode it never returns true —
// the deferred run is scheduled internally and fires via runPipeline.
func (e *Engine) checkThrottle(rule Rule, ev eventbus.Event) bool {
	key := e.bucketKey(rule, ev)

	e.throttleMu.Lock()
	st, ok := e.throttleState[key]
	if !ok {
		st = &bucketState{}
		e.throttleState[key] = st
	}
	e.throttleMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	interval := time.Duration(rule.Throttle.IntervalMs) * time.Millisecond

	if rule.Throttle.Mode == ThrottleTrailing {
		st.latestEvent = ev
		if st.timer == nil {
			st.timer = time.AfterFunc(interval, func() {
				st.mu.Lock()
				latest := st.latestEvent
				st.timer = nil
				st.lastRun = time.Now()
				st.mu.Unlock()
				e.runPipeline(rule, latest, false)
			})
		}
		e.recordExecution(rule, ev, StatusThrottled, nil, 0, "", "coalesced into trailing run", 0, "")
		return false
	}

	// Leading.
	if st.lastRun.IsZero() || time.Since(st.lastRun) >= interval {
		st.lastRun = time.Now()
		return true
	}
	e.recordExecution(rule, ev, StatusThrottled, nil, 0, "", "throttled", 0, "")
	return false
}

// bucketKey derives the throttle bucket: the rule id, optionally suffixed
// with the groupBy field's value from the event payload.
func (e *Engine) bucketKey(rule Rule, ev eventbus.Event) string {
	key := rule.ID
	if rule.Throttle != nil && rule.Throttle.GroupBy != "" {
		if v, ok := lookupPath(ev.Data, rule.Throttle.GroupBy); ok {
			key += "|" + v
		}
	}
	return key
}

// runPipeline implements §4.H steps b-g.
func (e *Engine) runPipeline(rule Rule, ev eventbus.Event, forceDryRun bool) Execution {
	if rule.MaxConcurrent > 0 {
		e.activeMu.Lock()
		if e.active[rule.ID] >= rule.MaxConcurrent {
			e.activeMu.Unlock()
			return e.recordExecution(rule, ev, StatusSkipped, nil, 0, "", "max concurrent executions reached", 0, "")
		}
		e.active[rule.ID]++
		e.activeMu.Unlock()
		defer func() {
			e.activeMu.Lock()
			e.active[rule.ID]--
			e.activeMu.Unlock()
		}()
	}

	if !e.evaluateConditions(rule.Conditions) {
		return e.recordExecution(rule, ev, StatusSkipped, nil, 0, "", "conditions not met", 0, "")
	}

	params := resolveParams(rule, ev)
	taskID := uuid.NewString()

	if rule.DryRun || forceDryRun {
		return e.recordExecution(rule, ev, StatusSkipped, params, 0, taskID, "[DRY RUN] "+summarizeParams(params), 0, "")
	}

	return e.attemptDispatch(rule, ev, params, taskID, 0)
}

// evaluateConditions implements §4.H step c. The only recognised
// condition type is "min-agents"; unknown types pass through, logged.
func (e *Engine) evaluateConditions(conditions []Condition) bool {
	for _, c := range conditions {
		switch c.Type {
		case "min-agents":
			if len(e.agents.FindAvailable(nil)) < toInt(c.Value) {
				return false
			}
		default:
			slog.Warn("automation: unknown condition type, treating as satisfied", "type", c.Type)
		}
	}
	return true
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

// resolveParams implements §4.H step d.
func resolveParams(rule Rule, ev eventbus.Event) map[string]string {
	out := make(map[string]string, len(rule.StaticParams)+len(rule.TemplateParams))
	for k, v := range rule.StaticParams {
		out[k] = v
	}
	for k, tmpl := range rule.TemplateParams {
		out[k] = expandEventTemplate(tmpl, ev)
	}
	return out
}

// expandEventTemplate substitutes {event.<path>} placeholders literally,
// the same scanning approach as skill.Resolve.
func expandEventTemplate(tmpl string, ev eventbus.Event) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		end += open
		b.WriteString(tmpl[i:open])
		key := tmpl[open+1 : end]
		b.WriteString(lookupEventTemplateKey(ev, key))
		i = end + 1
	}
	return b.String()
}

func lookupEventTemplateKey(ev eventbus.Event, key string) string {
	const prefix = "event."
	if !strings.HasPrefix(key, prefix) {
		slog.Warn("automation: templateParams placeholder missing event. prefix, substituting empty string", "key", key)
		return ""
	}
	path := key[len(prefix):]
	if path == "name" {
		return string(ev.Name)
	}
	v, ok := lookupPath(ev.Data, path)
	if !ok {
		slog.Warn("automation: templateParams path not found in event data, substituting empty string", "path", path)
		return ""
	}
	return v
}

// lookupPath walks a dotted path through nested map[string]any values.
func lookupPath(data map[string]any, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		v, ok := m[p]
		if !ok {
			return "", false
		}
		cur = v
	}
	return fmt.Sprint(cur), true
}

func summarizeParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return truncate(strings.Join(parts, " "), maxSummaryLen)
}

// attemptDispatch implements §4.H steps f-g, including exponential-backoff
// retry scheduling on failure.
func (e *Engine) attemptDispatch(rule Rule, ev eventbus.Event, params map[string]string, taskID string, attempt int) Execution {
	start := time.Now()
	result := e.router.RouteTask(context.Background(), router.TaskRequest{
		ID:        taskID,
		SkillID:   rule.SkillID,
		Params:    params,
		Priority:  rule.Priority,
		CreatedAt: start,
	})
	duration := time.Since(start).Milliseconds()

	var exec Execution
	if result.Success {
		exec = e.recordExecution(rule, ev, StatusCompleted, params, attempt, taskID, summarizeResult(result), duration, "")
	} else {
		exec = e.recordExecution(rule, ev, StatusFailed, params, attempt, taskID, summarizeResult(result), duration, "task did not succeed")
		if attempt < rule.MaxRetries {
			backoff := computeBackoff(attempt)
			next := attempt + 1
			time.AfterFunc(backoff, func() {
				e.attemptDispatch(rule, ev, params, taskID, next)
			})
		}
	}

	if rule.RequireReview {
		e.enqueueReview(exec, agentIDFromResult(result))
	}
	return exec
}

func agentIDFromResult(result router.TaskResult) string {
	if len(result.Responses) == 0 {
		return ""
	}
	return result.Responses[0].AgentID
}

func summarizeResult(result router.TaskResult) string {
	return truncate(result.FinalContent, maxSummaryLen)
}

// computeBackoff implements §4.H / §8's retry schedule: base 1s, factor
// 2, jitter +-20%, capped at 30s.
func computeBackoff(attempt int) time.Duration {
	d := float64(retryBase) * math.Pow(retryFactor, float64(attempt))
	if d > float64(retryCap) {
		d = float64(retryCap)
	}
	jitter := d * retryJitter * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// GetReviews returns every queued review, newest first.
func (e *Engine) GetReviews() []Review {
	e.reviewMu.Lock()
	defer e.reviewMu.Unlock()
	out := make([]Review, len(e.reviews))
	for i, r := range e.reviews {
		out[len(e.reviews)-1-i] = r
	}
	return out
}

// ResolveReview sets the status of the review identified by id (the
// feedback tool-plane adapter's approve/reject/flag operation).
func (e *Engine) ResolveReview(id string, status ReviewStatus) error {
	e.reviewMu.Lock()
	defer e.reviewMu.Unlock()
	for i := range e.reviews {
		if e.reviews[i].ID == id {
			e.reviews[i].ReviewStatus = status
			return nil
		}
	}
	return fmt.Errorf("review %q not found", id)
}

func (e *Engine) enqueueReview(exec Execution, agentID string) {
	if exec.Status != StatusCompleted && exec.Status != StatusFailed {
		return
	}
	review := Review{
		ID:              uuid.NewString(),
		ExecutionID:     exec.ID,
		AgentID:         agentID,
		ExecutionStatus: exec.Status,
		ReviewStatus:    ReviewPending,
		DurationMs:      exec.DurationMs,
	}
	e.reviewMu.Lock()
	e.reviews = boundedAppend(e.reviews, review, maxReviewHistory)
	e.reviewMu.Unlock()
}

// recordExecution implements §4.H step g plus the history bound in step
// 3: drop the oldest entry once over maxExecutionHistory.
func (e *Engine) recordExecution(rule Rule, ev eventbus.Event, status Status, params map[string]string, retryAttempt int, taskID, summary string, durationMs int64, errMsg string) Execution {
	e.execMu.Lock()
	e.ordinals[rule.ID]++
	ordinal := e.ordinals[rule.ID]
	e.execMu.Unlock()

	now := time.Now().UTC()
	exec := Execution{
		ID:             fmt.Sprintf("%s-%d", rule.ID, ordinal),
		RuleID:         rule.ID,
		SkillID:        rule.SkillID,
		TriggerEvent:   string(ev.Name),
		TriggerData:    snapshotData(ev.Data),
		ResolvedParams: params,
		Status:         status,
		RetryAttempt:   retryAttempt,
		DurationMs:     durationMs,
		StartedAt:      now.Add(-time.Duration(durationMs) * time.Millisecond),
		CompletedAt:    now,
		Err:            errMsg,
		TaskID:         taskID,
		ResultSummary:  summary,
	}

	e.execMu.Lock()
	e.executions = boundedAppend(e.executions, exec, maxExecutionHistory)
	e.execMu.Unlock()
	return exec
}

// snapshotData copies data, truncating long string values (§3 "Execution
// record": "data snapshot (long values truncated)").
func snapshotData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = truncate(s, maxSnapshotLen)
			continue
		}
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// boundedAppend drops the oldest element once len(s) would exceed max,
// matching the ring-buffer discipline used throughout (event log,
// execution history, review queue, workspace recentChanges/gitEvents).
func boundedAppend[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
