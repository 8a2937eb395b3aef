package skill

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jagilber-org/agentmgr/internal/eventbus"
	"github.com/jagilber-org/agentmgr/internal/store"
)

// Registry owns persisted skill definitions. The Task Router and
// Automation Engine both look skills up by id through a Registry.
type Registry struct {
	bus   *eventbus.Bus
	store *store.Store

	mu     sync.Mutex
	skills map[string]Skill
	order  []string
}

// New creates a Registry. If path is non-empty, skills persist there; pass
// "" for a registry-only instance (e.g. in tests).
func New(bus *eventbus.Bus, path string) (*Registry, error) {
	r := &Registry{bus: bus, skills: make(map[string]Skill)}
	if path == "" {
		return r, nil
	}
	r.store = store.Open(path)

	var skills []Skill
	store.ReadArray(r.store, &skills)
	for _, s := range skills {
		r.skills[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// Validate checks the required fields of a Skill definition.
func (s Skill) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("skill: missing id")
	}
	if s.Name == "" {
		return fmt.Errorf("skill: missing name")
	}
	if s.PromptTemplate == "" {
		return fmt.Errorf("skill: missing promptTemplate")
	}
	if s.Strategy == "" {
		return fmt.Errorf("skill: missing strategy")
	}
	return nil
}

// Register persists s, replacing any existing skill with the same id, and
// publishes skill:registered.
func (r *Registry) Register(s Skill) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.skills[s.ID]; !exists {
		r.order = append(r.order, s.ID)
	}
	r.skills[s.ID] = s
	r.mu.Unlock()

	r.persist()
	r.bus.Publish(eventbus.New(eventbus.SkillRegistered, "skillId", s.ID, "strategy", string(s.Strategy)))
	return nil
}

// Remove deletes the skill with id, publishing skill:removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.skills[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("skill %q not found", id)
	}
	delete(r.skills, id)
	for i, x := range r.order {
		if x == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.persist()
	r.bus.Publish(eventbus.New(eventbus.SkillRemoved, "skillId", id))
	return nil
}

// Get returns the skill for id and whether it was found.
func (r *Registry) Get(id string) (Skill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.skills[id]
	return s, ok
}

// List returns every skill, in registration order.
func (r *Registry) List() []Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Skill, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.skills[id])
	}
	return out
}

func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	skills := make([]Skill, 0, len(r.order))
	for _, id := range r.order {
		skills = append(skills, r.skills[id])
	}
	r.mu.Unlock()

	if err := store.WriteArray(r.store, skills); err != nil {
		slog.Warn("skill registry: persist failed", "err", err)
	}
}
