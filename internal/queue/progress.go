package queue

import (
	"sync"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// ProgressBus is a single-producer/multi-consumer broadcaster of
// model.TaskState events. Publish never blocks: each subscriber has a
// small bounded buffer, and a slow subscriber has its oldest buffered
// event dropped to make room rather than stall the producer. Grounded on
// pkg/fn's tap-stage side-effect-only wrapper, generalized here into a
// fan-out broadcaster, and on pkg/natsutil.Publish's fire-and-forget
// idiom.
type ProgressBus struct {
	mu   sync.Mutex
	subs map[int]chan model.TaskState
	next int
}

// NewProgressBus creates an empty ProgressBus.
func NewProgressBus() *ProgressBus {
	return &ProgressBus{subs: make(map[int]chan model.TaskState)}
}

const subscriberBufferSize = 16

// Subscribe registers a new consumer and returns its channel and an
// unsubscribe function.
func (b *ProgressBus) Subscribe() (<-chan model.TaskState, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan model.TaskState, subscriberBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

// Publish fans event out to every current subscriber without blocking. If
// a subscriber's buffer is full, the oldest buffered event is dropped to
// make room for the new one.
func (b *ProgressBus) Publish(event model.TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}
