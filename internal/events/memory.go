package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryBroker delivers events in-process. Slow subscribers drop events
// rather than block publishers.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	events []Event
}

type memorySub struct {
	ch   chan Event
	stop chan struct{}
	once sync.Once
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[*memorySub]struct{}{}}
}

func (b *MemoryBroker) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	for sub := range b.subs[e.RunID] {
		select {
		case sub.ch <- e:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	sub := &memorySub{ch: make(chan Event, subscriberBuffer), stop: make(chan struct{})}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[*memorySub]struct{}{}
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], sub)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(sub.ch)
			b.mu.Unlock()
			close(sub.stop)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.stop:
		}
	}()
	return sub.ch, cancel, nil
}

// Events returns every event published so far.
func (b *MemoryBroker) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}
