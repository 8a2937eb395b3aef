package agentreg

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/store"
)

// Registry owns every agent instance in the process. All mutation goes
// through its methods, which are the single serialization point for
// agent state per §5 "Shared-resource policy".
type Registry struct {
	bus   *eventbus.Bus
	store *store.Store

	mu        sync.Mutex
	instances map[string]*Instance
	order     []string // registration order, for deterministic GetAll/findAvailable tie-breaks
}

// New creates a Registry. If path is non-empty, agent configs are
// persisted there (with .bak fallback) and external edits are reconciled
// per §4.C; pass "" to run registry-only (e.g. in tests).
func New(bus *eventbus.Bus, path string) (*Registry, error) {
	r := &Registry{
		bus:       bus,
		instances: make(map[string]*Instance),
	}
	if path == "" {
		return r, nil
	}
	r.store = store.Open(path)

	var configs []Config
	store.ReadArrayWithBackup(r.store, &configs)
	for _, c := range configs {
		r.instances[c.ID] = &Instance{Config: c, State: StateIdle}
		r.order = append(r.order, c.ID)
	}

	if err := r.store.Watch(r.reconcile); err != nil {
		slog.Warn("agent registry: failed to watch config file", "path", path, "err", err)
	}
	return r, nil
}

// Register adds a new agent. Duplicate IDs are rejected.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.instances[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already registered", cfg.ID)
	}
	r.instances[cfg.ID] = &Instance{Config: cfg, State: StateIdle, StartedAt: time.Now().UTC()}
	r.order = append(r.order, cfg.ID)
	r.mu.Unlock()

	r.persist()
	r.bus.Publish(eventbus.New(eventbus.AgentRegistered, "agentId", cfg.ID, "provider", cfg.Provider, "tags", cfg.Tags))
	return nil
}

// Update merges partial into the existing config for id. ID itself cannot
// be changed; partial.ID is ignored if set.
func (r *Registry) Update(id string, partial Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	merged := inst.Config
	mergeConfig(&merged, partial)
	merged.ID = id
	if err := merged.Validate(); err != nil {
		return err
	}
	inst.Config = merged
	r.persistLocked()
	return nil
}

// mergeConfig overlays non-zero fields of partial onto dst. CanMutate is
// always copied from partial, so a partial that leaves it unset clears it.
func mergeConfig(dst *Config, partial Config) {
	if partial.Name != "" {
		dst.Name = partial.Name
	}
	if partial.Provider != "" {
		dst.Provider = partial.Provider
	}
	if partial.Model != "" {
		dst.Model = partial.Model
	}
	if partial.Transport != "" {
		dst.Transport = partial.Transport
	}
	if partial.Endpoint != "" {
		dst.Endpoint = partial.Endpoint
	}
	if partial.Argv != nil {
		dst.Argv = partial.Argv
	}
	if partial.Env != nil {
		dst.Env = partial.Env
	}
	if partial.MaxConcurrency != 0 {
		dst.MaxConcurrency = partial.MaxConcurrency
	}
	if partial.CostMultiplier != 0 {
		dst.CostMultiplier = partial.CostMultiplier
	}
	if partial.Tags != nil {
		dst.Tags = partial.Tags
	}
	dst.CanMutate = partial.CanMutate
	if partial.TimeoutMs != 0 {
		dst.TimeoutMs = partial.TimeoutMs
	}
	if partial.BinaryPath != "" {
		dst.BinaryPath = partial.BinaryPath
	}
	if partial.ExtraArgs != nil {
		dst.ExtraArgs = partial.ExtraArgs
	}
	if partial.WorkDir != "" {
		dst.WorkDir = partial.WorkDir
	}
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, ok := r.instances[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", id)
	}
	delete(r.instances, id)
	r.order = slices.DeleteFunc(r.order, func(x string) bool { return x == id })
	r.mu.Unlock()

	r.persist()
	r.bus.Publish(eventbus.New(eventbus.AgentUnregistered, "agentId", id))
	return nil
}

// Get returns the instance for id, or nil if not found. The returned
// pointer must only be read; mutate through registry methods.
func (r *Registry) Get(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id]
}

// GetAll returns every instance, in registration order.
func (r *Registry) GetAll() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		if inst, ok := r.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// FindByTags returns every instance whose tag set intersects tags
// (any-match).
func (r *Registry) FindByTags(tags []string) []*Instance {
	return r.filter(func(i *Instance) bool { return anyMatch(i.Config.Tags, tags) })
}

// FindByProvider returns every instance registered under provider.
func (r *Registry) FindByProvider(provider string) []*Instance {
	return r.filter(func(i *Instance) bool { return i.Config.Provider == provider })
}

// FindAvailable returns instances that are idle or running, have spare
// concurrency, and (if tags is non-empty) match at least one tag.
func (r *Registry) FindAvailable(tags []string) []*Instance {
	return r.filter(func(i *Instance) bool {
		if i.State != StateIdle && i.State != StateRunning {
			return false
		}
		if i.ActiveTasks >= i.Config.MaxConcurrency {
			return false
		}
		if len(tags) > 0 && !anyMatch(i.Config.Tags, tags) {
			return false
		}
		return true
	})
}

func (r *Registry) filter(pred func(*Instance) bool) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, id := range r.order {
		inst, ok := r.instances[id]
		if ok && pred(inst) {
			out = append(out, inst)
		}
	}
	return out
}

func anyMatch(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// SetState transitions id to state, recording errMsg if state is
// StateError, and publishes agent:state-changed with the previous and new
// state.
func (r *Registry) SetState(id string, state State, errMsg string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", id)
	}
	prev := inst.State
	inst.State = state
	if state == StateError {
		inst.LastError = errMsg
	}
	r.mu.Unlock()

	if prev != state {
		r.bus.Publish(eventbus.New(eventbus.AgentStateChanged, "agentId", id, "from", string(prev), "to", string(state)))
	}
	return nil
}

// RecordTaskStart acquires a concurrency slot for id, per §3's state
// machine: idle/running -> running when activeTasks < maxConcurrency, and
// running -> busy once activeTasks reaches maxConcurrency.
func (r *Registry) RecordTaskStart(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", id)
	}
	if inst.ActiveTasks >= inst.Config.MaxConcurrency {
		r.mu.Unlock()
		return fmt.Errorf("agent %q has no spare concurrency", id)
	}
	prev := inst.State
	inst.ActiveTasks++
	inst.LastActivityAt = time.Now().UTC()
	next := prev
	switch {
	case inst.ActiveTasks >= inst.Config.MaxConcurrency:
		next = StateBusy
	case prev == StateIdle:
		next = StateRunning
	}
	inst.State = next
	r.mu.Unlock()

	if prev != next {
		r.bus.Publish(eventbus.New(eventbus.AgentStateChanged, "agentId", id, "from", string(prev), "to", string(next)))
	}
	return nil
}

// RecordTaskComplete releases a concurrency slot and updates accounting.
// activeTasks never goes below 0. State falls back to busy->running when
// still above 0 active tasks, or to idle when it reaches 0.
func (r *Registry) RecordTaskComplete(id string, tokens int64, cost float64, success bool, premiumRequests int64) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", id)
	}
	if inst.ActiveTasks > 0 {
		inst.ActiveTasks--
	}
	inst.TokensUsed += tokens
	inst.CostUnits += cost
	inst.PremiumRequests += premiumRequests
	if success {
		inst.TasksCompleted++
	} else {
		inst.TasksFailed++
	}
	inst.LastActivityAt = time.Now().UTC()

	prev := inst.State
	next := prev
	switch {
	case inst.ActiveTasks == 0:
		next = StateIdle
	case prev == StateBusy:
		next = StateRunning
	}
	inst.State = next
	r.mu.Unlock()

	if prev != next {
		r.bus.Publish(eventbus.New(eventbus.AgentStateChanged, "agentId", id, "from", string(prev), "to", string(next)))
	}
	return nil
}

// GetHealth returns a snapshot for id, or for every agent if id is "".
func (r *Registry) GetHealth(id string) []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		inst, ok := r.instances[id]
		if !ok {
			return nil
		}
		return []Health{inst.health()}
	}
	out := make([]Health, 0, len(r.order))
	for _, oid := range r.order {
		if inst, ok := r.instances[oid]; ok {
			out = append(out, inst.health())
		}
	}
	return out
}

// Count returns the total number of registered agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// ActiveCount returns the number of agents with at least one active task.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inst := range r.instances {
		if inst.ActiveTasks > 0 {
			n++
		}
	}
	return n
}

// Close stops the config-file watcher, if any.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Registry) persist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked()
}

func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	configs := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		if inst, ok := r.instances[id]; ok {
			configs = append(configs, inst.Config)
		}
	}
	if err := store.WriteArray(r.store, configs); err != nil {
		slog.Warn("agent registry: persist failed", "err", err)
	}
}

// reconcile reloads the config file after an external edit, per §4.C's
// merge policy: existing ids keep their runtime state, new ids are added
// with default runtime state, and ids absent from the reloaded file are
// dropped only if their activeTasks is 0. This reload is non-emitting: no
// agent:registered event fires for ids that already existed.
func (r *Registry) reconcile() {
	var configs []Config
	store.ReadArrayWithBackup(r.store, &configs)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(configs) == 0 && len(r.instances) > 0 {
		// §4.C: never let a reload wipe a non-empty in-memory set to empty.
		slog.Warn("agent registry: reload would empty non-empty set, rejecting", "path", r.store.Path)
		return
	}

	seen := make(map[string]struct{}, len(configs))
	var newOrder []string
	for _, c := range configs {
		seen[c.ID] = struct{}{}
		if existing, ok := r.instances[c.ID]; ok {
			existing.Config = c
			newOrder = append(newOrder, c.ID)
			continue
		}
		r.instances[c.ID] = &Instance{Config: c, State: StateIdle}
		newOrder = append(newOrder, c.ID)
	}

	for id, inst := range r.instances {
		if _, ok := seen[id]; ok {
			continue
		}
		if inst.ActiveTasks > 0 {
			// Keep: an id with in-flight tasks is never dropped.
			newOrder = append(newOrder, id)
			continue
		}
		delete(r.instances, id)
	}
	r.order = newOrder
	slog.Info("agent registry: reconciled external edit", "path", r.store.Path, "count", len(r.instances))
}
