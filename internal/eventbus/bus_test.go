package eventbus

import (
	"sync/atomic"
	"testing"
)

func TestPublishDeliversToSubscribersRegisteredBefore(t *testing.T) {
	b := NewBus()
	var calls int32
	unsub1 := b.Subscribe(TaskStarted, func(Event) { atomic.AddInt32(&calls, 1) })
	defer unsub1()
	unsub2 := b.Subscribe(TaskStarted, func(Event) { atomic.AddInt32(&calls, 1) })
	defer unsub2()

	b.Publish(New(TaskStarted, "taskId", "t1"))

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestPublishFIFOPerSubscriber(t *testing.T) {
	b := NewBus()
	var order []int
	b.Subscribe(TaskCompleted, func(Event) { order = append(order, 1) })
	b.Publish(New(TaskCompleted))
	b.Publish(New(TaskCompleted))
	if len(order) != 2 || order[0] != 1 || order[1] != 1 {
		t.Errorf("order = %v, want [1 1]", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var calls int
	unsub := b.Subscribe(AgentRegistered, func(Event) { calls++ })
	unsub()
	b.Publish(New(AgentRegistered))
	if calls != 0 {
		t.Errorf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestNonSubscribersMissEvent(t *testing.T) {
	b := NewBus()
	var calls int
	b.Subscribe(SkillRegistered, func(Event) { calls++ })
	b.Publish(New(SkillRemoved))
	if calls != 0 {
		t.Errorf("calls = %d, want 0 for unrelated event name", calls)
	}
}

func TestSubscribeDuringPublishDoesNotReceiveCurrentEvent(t *testing.T) {
	b := NewBus()
	var nested int
	b.Subscribe(TaskStarted, func(Event) {
		b.Subscribe(TaskStarted, func(Event) { nested++ })
	})
	b.Publish(New(TaskStarted))
	if nested != 0 {
		t.Errorf("nested = %d, want 0 (snapshot taken before handlers ran)", nested)
	}
	b.Publish(New(TaskStarted))
	if nested != 1 {
		t.Errorf("nested = %d, want 1 on second publish", nested)
	}
}
