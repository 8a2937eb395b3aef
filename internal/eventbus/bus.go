// Package eventbus provides a typed, synchronous, in-process publish/
// subscribe spine. Every other core component publishes lifecycle events
// here; the event log and automation engine are its two standing
// subscribers.
package eventbus

import "sync"

// Name identifies one of the closed set of event kinds the core emits.
// The set is enumerated below; there is no open registration of new names.
type Name string

// The closed set of event names.
const (
	AgentRegistered       Name = "agent:registered"
	AgentUnregistered     Name = "agent:unregistered"
	AgentStateChanged     Name = "agent:state-changed"
	TaskStarted           Name = "task:started"
	TaskCompleted         Name = "task:completed"
	SkillRegistered       Name = "skill:registered"
	SkillRemoved          Name = "skill:removed"
	WorkspaceMonitoring   Name = "workspace:monitoring"
	WorkspaceStopped      Name = "workspace:stopped"
	WorkspaceFileChanged  Name = "workspace:file-changed"
	WorkspaceSessionUpdated Name = "workspace:session-updated"
	WorkspaceGitEvent     Name = "workspace:git-event"
	WorkspaceRemoteUpdate Name = "workspace:remote-update"
	CrossRepoDispatched   Name = "crossrepo:dispatched"
	CrossRepoCompleted    Name = "crossrepo:completed"
	MessageReceived       Name = "message:received"
)

// Event is one published occurrence. Data is a shape-preserving projection
// of whatever typed payload the publisher built — callers construct it with
// New below, passing the same keys for every event of a given Name, but
// the bus itself treats Data opaquely so it can
// fan out to both typed handlers and the string-keyed automation matcher.
type Event struct {
	Name Name
	Data map[string]any
}

// New builds an Event, copying pairs as alternating key/value arguments.
// It is the single constructor every publisher in this codebase uses; the
// field names for each event Name are the keys passed at its Publish call
// sites.
func New(name Name, kv ...any) Event {
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		data[key] = kv[i+1]
	}
	return Event{Name: name, Data: data}
}

// Handler receives a published event. Handlers must not block on network
// or disk I/O — publish is synchronous and a slow handler stalls every
// other subscriber and the publisher itself.
type Handler func(Event)

// Bus is a typed, synchronous pub/sub spine. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu   sync.Mutex
	subs map[Name][]*subscription
	seq  uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Name][]*subscription)}
}

// Subscribe registers h for events named name. The returned func removes
// the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(name Name, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[name] = append(b.subs[name], &subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					b.subs[name] = append(list[:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e synchronously, in subscription order, to every
// handler registered for e.Name before Publish was called. It returns
// once every handler has run. Non-subscribers miss the event; there is
// no retention at this layer (the event log provides that).
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	list := b.subs[e.Name]
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.h(e)
	}
}

// Names returns the closed set of event names, in declaration order. Used
// by the event log to install exactly one subscriber per known name.
func Names() []Name {
	return []Name{
		AgentRegistered, AgentUnregistered, AgentStateChanged,
		TaskStarted, TaskCompleted,
		SkillRegistered, SkillRemoved,
		WorkspaceMonitoring, WorkspaceStopped, WorkspaceFileChanged,
		WorkspaceSessionUpdated, WorkspaceGitEvent, WorkspaceRemoteUpdate,
		CrossRepoDispatched, CrossRepoCompleted,
		MessageReceived,
	}
}
