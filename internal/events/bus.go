// Package events is a small subscriber-list notifier for task outcomes.
package events

import (
	"sync"
	"time"

	"botflow/internal/domain"
)

type Kind string

const (
	TaskCompleted Kind = "task_completed"
	TaskFailed    Kind = "task_failed"
	TaskCancelled Kind = "task_cancelled"
	AccountBanned Kind = "account_banned"
)

// Event describes one task or account outcome.
type Event struct {
	Kind      Kind
	TaskID    string
	AccountID string
	TaskType  domain.TaskType
	Error     string
	At        time.Time
}

// Subscriber receives events. Subscribers must not block: delivery is
// synchronous on the publisher's goroutine.
type Subscriber func(Event)

// Bus delivers each published event to every subscriber exactly once, in
// subscription order. There is no buffering or redelivery; subscribers
// needing durability must persist on their side.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
