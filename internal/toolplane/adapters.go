package toolplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jagilber-org/agentmgr/internal/agentreg"
	"github.com/jagilber-org/agentmgr/internal/automation"
	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/router"
	"github.com/jagilber-org/agentmgr/internal/skill"
	"github.com/jagilber-org/agentmgr/internal/workspace"
)

// Services bundles every core-package handle the tool-plane adapters
// delegate to. cmd/orchestratord constructs one and passes it to
// RegisterCore.
type Services struct {
	Bus        *eventbus.Bus
	Agents     *agentreg.Registry
	Skills     *skill.Registry
	Router     *router.Router
	Automation *automation.Engine
	Workspaces *workspace.Manager
}

// RegisterCore registers every mgr_-prefixed tool against svc. Each
// handler unmarshals its params, delegates to the matching core package
// method, and returns a JSON-marshalable value or a toolplane error.
func RegisterCore(t *Transport, svc Services) {
	registerAgentTools(t, svc)
	registerSkillTools(t, svc)
	registerTaskTools(t, svc)
	registerAutomationTools(t, svc)
	registerWorkspaceTools(t, svc)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		var zero T
		return zero, BadRequest("invalid params: " + err.Error())
	}
	return v, nil
}

// --- agent CRUD ---

func registerAgentTools(t *Transport, svc Services) {
	t.Register("mgr_spawn_agent", func(_ context.Context, params json.RawMessage) (any, error) {
		cfg, err := decode[agentreg.Config](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Agents.Register(cfg); err != nil {
			return nil, Conflict(err.Error())
		}
		return svc.Agents.Get(cfg.ID).Config, nil
	})

	t.Register("mgr_list_agents", func(_ context.Context, _ json.RawMessage) (any, error) {
		return svc.Agents.GetHealth(""), nil
	})

	t.Register("mgr_stop_agent", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Agents.SetState(req.ID, agentreg.StateStopped, ""); err != nil {
			return nil, NotFound("agent " + req.ID)
		}
		return map[string]any{"id": req.ID, "stopped": true}, nil
	})

	t.Register("mgr_send_prompt", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			SkillID string            `json:"skillId"`
			Params  map[string]string `json:"params"`
			TaskID  string            `json:"taskId"`
		}](params)
		if err != nil {
			return nil, err
		}
		result := svc.Router.RouteTask(ctx, router.TaskRequest{
			ID:        req.TaskID,
			SkillID:   req.SkillID,
			Params:    req.Params,
			CreatedAt: time.Now().UTC(),
		})
		if !result.Success {
			return nil, InternalError("task dispatch failed").WithDetail("taskId", result.TaskID)
		}
		return result, nil
	})
}

// --- skill CRUD ---

func registerSkillTools(t *Transport, svc Services) {
	t.Register("mgr_register_skill", func(_ context.Context, params json.RawMessage) (any, error) {
		sk, err := decode[skill.Skill](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Skills.Register(sk); err != nil {
			return nil, BadRequest(err.Error())
		}
		return sk, nil
	})

	t.Register("mgr_list_skills", func(_ context.Context, _ json.RawMessage) (any, error) {
		return svc.Skills.List(), nil
	})

	t.Register("mgr_get_skill", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](params)
		if err != nil {
			return nil, err
		}
		sk, ok := svc.Skills.Get(req.ID)
		if !ok {
			return nil, NotFound("skill " + req.ID)
		}
		return sk, nil
	})

	t.Register("mgr_remove_skill", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Skills.Remove(req.ID); err != nil {
			return nil, NotFound("skill " + req.ID)
		}
		return map[string]any{"id": req.ID, "removed": true}, nil
	})
}

// --- task routing (not a named §6 tool group, but send_prompt's
// underlying dispatch is also exposed directly for hosts that want to
// route without naming a target agent) ---

func registerTaskTools(t *Transport, svc Services) {
	t.Register("mgr_route_task", func(ctx context.Context, params json.RawMessage) (any, error) {
		req, err := decode[router.TaskRequest](params)
		if err != nil {
			return nil, err
		}
		if req.CreatedAt.IsZero() {
			req.CreatedAt = time.Now().UTC()
		}
		return svc.Router.RouteTask(ctx, req), nil
	})
}

// --- automation CRUD and trigger ---

func registerAutomationTools(t *Transport, svc Services) {
	t.Register("mgr_register_rule", func(_ context.Context, params json.RawMessage) (any, error) {
		rule, err := decode[automation.Rule](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Automation.RegisterRule(rule); err != nil {
			return nil, BadRequest(err.Error())
		}
		return rule, nil
	})

	t.Register("mgr_update_rule", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID      string          `json:"id"`
			Partial automation.Rule `json:"partial"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Automation.UpdateRule(req.ID, req.Partial); err != nil {
			return nil, NotFound("automation rule " + req.ID)
		}
		rule, _ := svc.Automation.GetRule(req.ID)
		return rule, nil
	})

	t.Register("mgr_remove_rule", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Automation.RemoveRule(req.ID); err != nil {
			return nil, NotFound("automation rule " + req.ID)
		}
		return map[string]any{"id": req.ID, "removed": true}, nil
	})

	t.Register("mgr_list_rules", func(_ context.Context, _ json.RawMessage) (any, error) {
		return svc.Automation.ListRules(), nil
	})

	t.Register("mgr_trigger_rule", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID     string         `json:"id"`
			Data   map[string]any `json:"data"`
			DryRun bool           `json:"dryRun"`
		}](params)
		if err != nil {
			return nil, err
		}
		exec, trigErr := svc.Automation.TriggerRule(req.ID, req.Data, req.DryRun)
		if trigErr != nil {
			return nil, NotFound("automation rule " + req.ID)
		}
		return exec, nil
	})

	t.Register("mgr_get_executions", func(_ context.Context, params json.RawMessage) (any, error) {
		filter, err := decode[automation.ExecutionFilter](params)
		if err != nil {
			return nil, err
		}
		return svc.Automation.GetExecutions(filter), nil
	})

	t.Register("mgr_get_automation_status", func(_ context.Context, _ json.RawMessage) (any, error) {
		return svc.Automation.GetStatus(), nil
	})

	// feedback: review queue approve/reject/flag for rules with
	// requireReview (§6 tool group "feedback"; the broader feedback
	// surface — free-text comments to a human operator — has no home in
	// this spec's Task/TaskResult model and is not implemented).
	t.Register("mgr_list_reviews", func(_ context.Context, _ json.RawMessage) (any, error) {
		return svc.Automation.GetReviews(), nil
	})

	t.Register("mgr_resolve_review", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID     string                   `json:"id"`
			Status automation.ReviewStatus `json:"status"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Automation.ResolveReview(req.ID, req.Status); err != nil {
			return nil, NotFound("review " + req.ID)
		}
		return map[string]any{"id": req.ID, "status": req.Status}, nil
	})
}

// --- workspace monitor start/stop/status ---

func registerWorkspaceTools(t *Transport, svc Services) {
	t.Register("mgr_start_workspace_monitor", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			Path string `json:"path"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Workspaces.Start(req.Path); err != nil {
			return nil, Conflict(err.Error())
		}
		return map[string]any{"path": req.Path, "monitoring": true}, nil
	})

	t.Register("mgr_stop_workspace_monitor", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			Path string `json:"path"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := svc.Workspaces.Stop(req.Path, workspace.StopManual, false); err != nil {
			return nil, NotFound("workspace monitor " + req.Path)
		}
		return map[string]any{"path": req.Path, "monitoring": false}, nil
	})

	t.Register("mgr_workspace_status", func(_ context.Context, params json.RawMessage) (any, error) {
		req, err := decode[struct {
			Path string `json:"path"`
		}](params)
		if err != nil {
			return nil, err
		}
		if req.Path == "" {
			return svc.Workspaces.ListStatuses(), nil
		}
		status, ok := svc.Workspaces.Status(req.Path)
		if !ok {
			return nil, NotFound("workspace monitor " + req.Path)
		}
		return status, nil
	})
}
