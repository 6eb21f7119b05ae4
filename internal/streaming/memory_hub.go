package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriptionBuffer = 64

// subscription pairs a delivery channel with its filter. Once registered it
// is immutable; only the hub's subscription set changes under the lock.
type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
}

// MemoryHub is the in-process EventHub. Delivery is fan-out over buffered
// channels and strictly non-blocking: the event log is the durable record,
// the hub only accelerates it, so a subscriber that cannot keep up loses
// notifications rather than stalling the append path.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Publish fans the event out to every subscription whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel plus a
// cancel function. Cancel detaches the subscription; events already buffered
// remain readable.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		filter: filter,
		ch:     make(chan StreamEvent, subscriptionBuffer),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Dropped reports how many notifications were discarded because a
// subscriber's buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
