package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// bufferSize is how far a subscriber may fall behind before Publish starts
// skipping it.
const bufferSize = 64

type subscription struct {
	ch     chan Event
	taskID int64
	types  map[string]struct{}
}

func (s *subscription) wants(e Event) bool {
	if s.taskID != 0 && s.taskID != e.TaskID {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[e.Type]
	return ok
}

// MemoryHub delivers events to subscribers in the same process. Subscriptions
// are indexed by attempt id, so a publish only visits the followers of that
// attempt plus those subscribed to every attempt (attempt id 0).
type MemoryHub struct {
	mu        sync.RWMutex
	byAttempt map[int64]map[uint64]*subscription
	lastID    uint64
	dropped   atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byAttempt: make(map[int64]map[uint64]*subscription)}
}

// Publish never blocks: a subscriber whose buffer is full misses the event
// and Dropped goes up.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byAttempt[event.AttemptID], event)
	if event.AttemptID != 0 {
		h.deliver(h.byAttempt[0], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscription, event Event) {
	for _, s := range subs {
		if !s.wants(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers filter. The returned cancel func unregisters the
// subscription and closes its channel; calling it again is a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &subscription{ch: make(chan Event, bufferSize), taskID: filter.TaskID}
	if len(filter.Types) > 0 {
		s.types = make(map[string]struct{}, len(filter.Types))
		for _, typ := range filter.Types {
			s.types[typ] = struct{}{}
		}
	}

	h.mu.Lock()
	h.lastID++
	id := h.lastID
	subs := h.byAttempt[filter.AttemptID]
	if subs == nil {
		subs = make(map[uint64]*subscription)
		h.byAttempt[filter.AttemptID] = subs
	}
	subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.byAttempt, filter.AttemptID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byAttempt {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped for lagging subscribers.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

var _ Hub = (*MemoryHub)(nil)
