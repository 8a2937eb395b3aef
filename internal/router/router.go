// Package router implements the Task Router (§4.F): skill lookup, prompt
// template substitution, candidate agent selection, and the seven
// dispatch strategies that fan a task across one or more agents and
// aggregate their responses into a TaskResult.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jagilber-org/agentmgr/internal/agentreg"
	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/provider"
	"github.com/jagilber-org/agentmgr/internal/skill"
)

// responseJoiner separates per-agent responses when mergeResults combines
// them into a single final content string (fan-out, and consensus when no
// synthesiser answers).
const responseJoiner = "\n\n---\n\n"

// TaskRequest is one unit of routing work (§3 "Task request").
type TaskRequest struct {
	ID            string
	SkillID       string
	Params        map[string]string
	Priority      int
	CreatedAt     time.Time
	CallerContext map[string]any

	// Prompt is set by the router after template substitution; callers
	// should leave it empty.
	Prompt string
}

// TaskResult is the aggregated outcome of routing a task (§3 "Task
// result").
type TaskResult struct {
	TaskID         string
	SkillID        string
	Responses      []provider.Response
	FinalContent   string
	TotalTokens    int64
	TotalCost      float64
	TotalLatencyMs int64
	Success        bool
	CompletedAt    time.Time
	Err            error
}

// Router ties together the skill registry, agent registry, and provider
// registry to execute routeTask.
type Router struct {
	bus       *eventbus.Bus
	skills    *skill.Registry
	agents    *agentreg.Registry
	providers *provider.Registry
}

// New creates a Router over the given skill registry, agent registry and
// provider registry.
func New(bus *eventbus.Bus, skills *skill.Registry, agents *agentreg.Registry, providers *provider.Registry) *Router {
	return &Router{bus: bus, skills: skills, agents: agents, providers: providers}
}

// RouteTask implements §4.F's six-step routeTask entry point.
func (r *Router) RouteTask(ctx context.Context, req TaskRequest) TaskResult {
	sk, ok := r.skills.Get(req.SkillID)
	if !ok {
		return TaskResult{TaskID: req.ID, SkillID: req.SkillID, Success: false, CompletedAt: time.Now().UTC()}
	}

	req.Prompt = skill.Resolve(sk.PromptTemplate, req.Params)

	candidates := r.selectCandidates(sk)
	if len(candidates) == 0 {
		return TaskResult{TaskID: req.ID, SkillID: req.SkillID, Success: false, CompletedAt: time.Now().UTC()}
	}

	r.bus.Publish(eventbus.New(eventbus.TaskStarted, "taskId", req.ID, "skillId", sk.ID, "agentCount", len(candidates)))

	var responses []provider.Response
	var final string
	var success bool

	switch sk.Strategy {
	case skill.StrategySingle:
		responses, final, success = r.runSingle(ctx, sk, req, candidates)
	case skill.StrategyRace:
		responses, final, success = r.runRace(ctx, sk, req, candidates)
	case skill.StrategyFanOut:
		responses, final, success = r.runFanOut(ctx, sk, req, candidates)
	case skill.StrategyConsensus:
		responses, final, success = r.runConsensus(ctx, sk, req, candidates)
	case skill.StrategyFallback:
		responses, final, success = r.runFallback(ctx, sk, req, candidates)
	case skill.StrategyCostOptimized:
		responses, final, success = r.runCostOptimized(ctx, sk, req, candidates)
	case skill.StrategyEvaluate:
		responses, final, success = r.runEvaluate(ctx, sk, req, candidates)
	default:
		responses, final, success = r.runSingle(ctx, sk, req, candidates)
	}

	result := aggregate(req, responses, final, success)
	r.bus.Publish(eventbus.New(eventbus.TaskCompleted, "taskId", req.ID, "skillId", sk.ID, "success", result.Success, "totalTokens", result.TotalTokens))
	return result
}

// selectCandidates implements §4.F step 3: union of targetAgents and
// targetTags, intersected with findAvailable.
func (r *Router) selectCandidates(sk skill.Skill) []*agentreg.Instance {
	seen := make(map[string]*agentreg.Instance)
	if len(sk.TargetTags) > 0 || len(sk.TargetAgents) == 0 {
		for _, inst := range r.agents.FindAvailable(sk.TargetTags) {
			seen[inst.Config.ID] = inst
		}
	}
	for _, id := range sk.TargetAgents {
		inst := r.agents.Get(id)
		if inst == nil {
			continue
		}
		if inst.State != agentreg.StateIdle && inst.State != agentreg.StateRunning {
			continue
		}
		if inst.ActiveTasks >= inst.Config.MaxConcurrency {
			continue
		}
		seen[id] = inst
	}
	// When neither targetAgents nor targetTags is set, any available agent
	// is a candidate (already covered by FindAvailable(nil) above).
	out := make([]*agentreg.Instance, 0, len(seen))
	for _, inst := range seen {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// dispatch sends prompt to a single candidate, bracketing the call with
// the registry's concurrency accounting per §4.F step 5.
func (r *Router) dispatch(ctx context.Context, inst *agentreg.Instance, prompt string, maxTokens, timeoutMs int) provider.Response {
	cfg := inst.Config
	p := r.providers.Get(cfg.Provider)
	if p == nil {
		return provider.Response{AgentID: cfg.ID, Model: cfg.Model, Success: false, Timestamp: time.Now().UTC()}
	}

	if err := r.agents.RecordTaskStart(cfg.ID); err != nil {
		return provider.Response{AgentID: cfg.ID, Model: cfg.Model, Success: false, Err: err, Timestamp: time.Now().UTC()}
	}

	resp := p.Send(ctx, provider.AgentConfig{
		ID:             cfg.ID,
		Model:          cfg.Model,
		Endpoint:       cfg.Endpoint,
		Argv:           cfg.Argv,
		Env:            cfg.Env,
		BinaryPath:     cfg.BinaryPath,
		ExtraArgs:      cfg.ExtraArgs,
		WorkDir:        cfg.WorkDir,
		CostMultiplier: cfg.CostMultiplier,
	}, prompt, maxTokens, timeoutMs)

	_ = r.agents.RecordTaskComplete(cfg.ID, resp.TokenCount, resp.CostUnits, resp.Success, resp.PremiumRequests)
	return resp
}

// byCostThenConcurrencyThenID implements the §4.F "single" tie-break:
// lowest costMultiplier, then highest maxConcurrency, then id lexical.
func byCostThenConcurrencyThenID(c []*agentreg.Instance) []*agentreg.Instance {
	out := append([]*agentreg.Instance(nil), c...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Config, out[j].Config
		if a.CostMultiplier != b.CostMultiplier {
			return a.CostMultiplier < b.CostMultiplier
		}
		if a.MaxConcurrency != b.MaxConcurrency {
			return a.MaxConcurrency > b.MaxConcurrency
		}
		return a.ID < b.ID
	})
	return out
}

func (r *Router) runSingle(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	ordered := byCostThenConcurrencyThenID(candidates)
	resp := r.dispatch(ctx, ordered[0], req.Prompt, sk.MaxTokens, sk.TimeoutMs)
	return []provider.Response{resp}, resp.Content, resp.Success
}

func (r *Router) runRace(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		idx  int
		resp provider.Response
	}
	results := make(chan result, len(candidates))
	var wg sync.WaitGroup
	for i, inst := range candidates {
		wg.Add(1)
		go func(i int, inst *agentreg.Instance) {
			defer wg.Done()
			resp := r.dispatch(raceCtx, inst, req.Prompt, sk.MaxTokens, sk.TimeoutMs)
			results <- result{idx: i, resp: resp}
		}(i, inst)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	all := make([]provider.Response, len(candidates))
	got := make([]bool, len(candidates))
	winner := -1
	for res := range results {
		all[res.idx] = res.resp
		got[res.idx] = true
		if winner < 0 && res.resp.Success {
			winner = res.idx
			cancel() // stop the remaining in-flight dispatches
		}
	}

	out := make([]provider.Response, 0, len(candidates))
	for i, ok := range got {
		if ok {
			out = append(out, all[i])
		}
	}
	if winner < 0 {
		return out, "", false
	}
	return out, all[winner].Content, true
}

func (r *Router) runFanOut(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	responses := r.dispatchAll(ctx, sk, req, candidates)
	final, success := mergeOrFirstSuccess(responses, sk.MergeResults)
	return responses, final, success
}

// dispatchAll dispatches to every candidate concurrently and returns
// responses in candidate order.
func (r *Router) dispatchAll(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) []provider.Response {
	out := make([]provider.Response, len(candidates))
	var wg sync.WaitGroup
	for i, inst := range candidates {
		wg.Add(1)
		go func(i int, inst *agentreg.Instance) {
			defer wg.Done()
			out[i] = r.dispatch(ctx, inst, req.Prompt, sk.MaxTokens, sk.TimeoutMs)
		}(i, inst)
	}
	wg.Wait()
	return out
}

func mergeOrFirstSuccess(responses []provider.Response, merge bool) (string, bool) {
	anySuccess := false
	for _, resp := range responses {
		if resp.Success {
			anySuccess = true
			break
		}
	}
	if !anySuccess {
		return "", false
	}
	if merge {
		parts := make([]string, 0, len(responses))
		for _, resp := range responses {
			if resp.Success {
				parts = append(parts, resp.Content)
			}
		}
		return strings.Join(parts, responseJoiner), true
	}
	for _, resp := range responses {
		if resp.Success {
			return resp.Content, true
		}
	}
	return "", false
}

func (r *Router) runConsensus(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	responses := r.dispatchAll(ctx, sk, req, candidates)

	synth := synthesizer(candidates, sk.SynthesizerTags)
	if synth == nil {
		final, success := mergeOrFirstSuccess(responses, true)
		return responses, final, success
	}

	var b strings.Builder
	b.WriteString(req.Prompt)
	for i, resp := range responses {
		if !resp.Success {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(candidates[i].Config.ID)
		b.WriteString(": ")
		b.WriteString(resp.Content)
	}

	synthResp := r.dispatch(ctx, synth, b.String(), sk.MaxTokens, sk.TimeoutMs)
	all := append(append([]provider.Response(nil), responses...), synthResp)
	if !synthResp.Success {
		final, success := mergeOrFirstSuccess(responses, true)
		return all, final, success
	}
	return all, synthResp.Content, true
}

// synthesizer picks the consensus synthesiser per §4.F: a candidate whose
// tags match synthesizerTags, or else the cheapest candidate.
func synthesizer(candidates []*agentreg.Instance, synthesizerTags []string) *agentreg.Instance {
	if len(candidates) == 0 {
		return nil
	}
	if len(synthesizerTags) > 0 {
		tagSet := make(map[string]struct{}, len(synthesizerTags))
		for _, t := range synthesizerTags {
			tagSet[t] = struct{}{}
		}
		for _, inst := range candidates {
			for _, t := range inst.Config.Tags {
				if _, ok := tagSet[t]; ok {
					return inst
				}
			}
		}
	}
	ordered := byCostThenConcurrencyThenID(candidates)
	return ordered[0]
}

func (r *Router) runFallback(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	ordered := byCostThenConcurrencyThenID(candidates)
	var responses []provider.Response
	for _, inst := range ordered {
		resp := r.dispatch(ctx, inst, req.Prompt, sk.MaxTokens, sk.TimeoutMs)
		responses = append(responses, resp)
		if resp.Success && (!sk.FallbackOnEmpty || resp.Content != "") {
			return responses, resp.Content, true
		}
	}
	return responses, "", false
}

func (r *Router) runCostOptimized(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	ordered := byCostThenConcurrencyThenID(candidates)
	var responses []provider.Response
	for _, inst := range ordered {
		resp := r.dispatch(ctx, inst, req.Prompt, sk.MaxTokens, sk.TimeoutMs)
		responses = append(responses, resp)
		if !resp.Success {
			continue
		}
		if sk.FallbackOnEmpty && resp.Content == "" {
			continue
		}
		if sk.QualityThreshold > 0 && float64(len(resp.Content)) < sk.QualityThreshold {
			continue
		}
		return responses, resp.Content, true
	}
	return responses, "", false
}

func (r *Router) runEvaluate(ctx context.Context, sk skill.Skill, req TaskRequest, candidates []*agentreg.Instance) ([]provider.Response, string, bool) {
	responses := r.dispatchAll(ctx, sk, req, candidates)

	best := -1
	bestScore := -1
	for i, resp := range responses {
		if !resp.Success {
			continue
		}
		score := scoreResponse(resp.Content, sk.Categories)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		return responses, "", false
	}
	return responses, responses[best].Content, true
}

// scoreResponse implements the §4.F evaluate scoring heuristic: response
// length plus 10 points per skill category whose name appears as a token
// in the content. Only relative ordering between candidates is
// meaningful; the absolute value has no external contract.
func scoreResponse(content string, categories []string) int {
	score := len(content)
	if len(categories) == 0 {
		return score
	}
	words := strings.Fields(content)
	present := make(map[string]struct{}, len(words))
	for _, w := range words {
		present[strings.ToLower(strings.Trim(w, ".,!?:;\"'()"))] = struct{}{}
	}
	for _, cat := range categories {
		if _, ok := present[strings.ToLower(cat)]; ok {
			score += 10
		}
	}
	return score
}

// aggregate implements §4.F step 5's totals and the §8 success-semantics
// invariant: TaskResult.success is the OR of per-response success (under
// single, the sole response's success), even where fallback or
// cost-optimized rejected a successful response as empty or below
// qualityThreshold. TotalLatencyMs is the largest single response latency.
func aggregate(req TaskRequest, responses []provider.Response, final string, success bool) TaskResult {
	var totalTokens int64
	var totalCost float64
	var totalLatency int64
	for _, resp := range responses {
		if resp.Success {
			success = true
		}
		totalTokens += resp.TokenCount
		totalCost += resp.CostUnits
		if resp.LatencyMs > totalLatency {
			totalLatency = resp.LatencyMs
		}
	}
	return TaskResult{
		TaskID:         req.ID,
		SkillID:        req.SkillID,
		Responses:      responses,
		FinalContent:   final,
		TotalTokens:    totalTokens,
		TotalCost:      totalCost,
		TotalLatencyMs: totalLatency,
		Success:        success,
		CompletedAt:    time.Now().UTC(),
	}
}
