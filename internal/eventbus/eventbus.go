// Package eventbus implements the single-producer, single-consumer
// lifecycle-event stream with backpressure and progress_update coalescing.
package eventbus

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/healthinsight/orchestrator/internal/domain"
)

// DefaultCapacity is the Bus's default consumer-channel buffer size.
// Publish never blocks on it: events the channel cannot take yet wait in
// the Bus's internal queue, which has no size bound.
const DefaultCapacity = 64

// Bus is the single-query event stream. The Analyst Service is the sole
// producer (the funnel, per §5); every other component hands events to it
// rather than writing to a channel directly.
//
// Every event, coalescing or not, is appended to one ordered queue under a
// single mutex, so delivery order always equals the order Seq was assigned
// in (§3 invariant 3). progress_update events for a given agent_id share
// one queued slot: publishing a newer update for an agent_id removes its
// still-undelivered predecessor from the queue before appending the new
// one, matching the coalescing rule in §4.L5 without letting the replaced
// event's original queue position outlive it.
type Bus struct {
	seq atomic.Uint64
	out chan domain.LifecycleEvent

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	pending map[string]*list.Element // agent_id -> its queued coalescable event, if any
	closed  bool

	closeOnce sync.Once
}

// New creates a Bus with the given channel capacity. A capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		out:     make(chan domain.LifecycleEvent, capacity),
		queue:   list.New(),
		pending: make(map[string]*list.Element),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.mergeLoop()
	return b
}

// Events returns the consumer-facing channel.
func (b *Bus) Events() <-chan domain.LifecycleEvent {
	return b.out
}

// Publish assigns the next monotonic seq and queues kind/payload for
// delivery. progress_update events coalesce per agent_id (an undelivered
// older update is replaced by a newer one, at the newer one's queue
// position); every other kind is delivered exactly once, in order, and
// never dropped.
//
// Seq is assigned under the same lock that orders the queue insertion, not
// beforehand: assigning it outside the lock would let two goroutines race
// between "take a seq number" and "acquire mu", so a lower-seq event could
// reach the queue after a higher-seq one assigned moments earlier.
func (b *Bus) Publish(kind domain.LifecycleEventKind, payload map[string]any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	ev := domain.LifecycleEvent{
		Seq:     b.seq.Add(1),
		Kind:    kind,
		TS:      time.Now(),
		Payload: payload,
	}

	if kind.Coalesces() {
		agentID := ev.AgentID()
		if elem, ok := b.pending[agentID]; ok {
			b.queue.Remove(elem)
		}
		b.pending[agentID] = b.queue.PushBack(ev)
	} else {
		b.queue.PushBack(ev)
	}
	b.cond.Signal()
	b.mu.Unlock()
}

// mergeLoop is the sole consumer of the queue: it pops events in queue
// (== seq) order and hands them to out, which may block under
// backpressure without affecting queue ordering.
func (b *Bus) mergeLoop() {
	defer close(b.out)
	for {
		b.mu.Lock()
		for b.queue.Len() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.queue.Len() == 0 {
			b.mu.Unlock()
			return
		}
		front := b.queue.Front()
		ev := front.Value.(domain.LifecycleEvent)
		b.queue.Remove(front)
		if ev.Kind.Coalesces() {
			agentID := ev.AgentID()
			if b.pending[agentID] == front {
				delete(b.pending, agentID)
			}
		}
		b.mu.Unlock()

		b.out <- ev
	}
}

// Close stops accepting new events and, once the queue drains, closes the
// consumer channel. Calling Close more than once is safe.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.cond.Broadcast()
	})
}
