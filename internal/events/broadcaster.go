package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// Subscriber is one live listener on a run's event stream. Events arrive on
// C; the channel is closed when the subscriber is dropped or unsubscribed.
type Subscriber struct {
	runID uuid.UUID
	C     chan Event

	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.C) })
}

// Broadcaster fans events out to per-run subscriber sets. Broadcasting to a
// run with no subscribers is a no-op; a subscriber whose channel is full is
// dropped without affecting delivery to others.
type Broadcaster struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscriber]struct{}
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger: logger,
		subs:   make(map[uuid.UUID]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new listener for a run.
func (b *Broadcaster) Subscribe(runID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		runID: runID,
		C:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.remove(sub)
	b.mu.Unlock()
}

// Broadcast delivers an event to every subscriber of a run. Subscribers that
// cannot keep up are dropped.
func (b *Broadcaster) Broadcast(runID uuid.UUID, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[runID] {
		select {
		case sub.C <- event:
		default:
			b.logger.Warn("dropping slow event subscriber",
				zap.String("run_id", runID.String()),
				zap.String("event", event.Name),
			)
			b.remove(sub)
		}
	}
}

// SubscriberCount returns the number of live listeners on a run.
func (b *Broadcaster) SubscriberCount(runID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Heartbeat emits a keep-alive to every subscribed run on the interval until
// the context finishes. Runs with no subscribers are skipped.
func (b *Broadcaster) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, runID := range b.subscribedRuns() {
				b.Broadcast(runID, New(EventHeartbeat, Heartbeat{RunID: runID, At: now.UTC()}))
			}
		}
	}
}

func (b *Broadcaster) subscribedRuns() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uuid.UUID, 0, len(b.subs))
	for runID, set := range b.subs {
		if len(set) > 0 {
			out = append(out, runID)
		}
	}
	return out
}

// remove expects b.mu held.
func (b *Broadcaster) remove(sub *Subscriber) {
	set, ok := b.subs[sub.runID]
	if !ok {
		return
	}
	if _, member := set[sub]; !member {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.runID)
	}
	sub.close()
}
