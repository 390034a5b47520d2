package server

import (
	"context"
	"sync"

	"github.com/bookswap-hq/bookswap/backend/internal/exchange"
)

// RealtimeDispatcher fans exchange events out to per-user subscribers.
// Publish is non-blocking and lossy by design: a subscriber that cannot keep
// up misses events, and ledger correctness never depends on delivery.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan exchange.Event
}

// NewRealtimeDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user's events until the context ends.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan exchange.Event, func()) {
	if userID == "" {
		ch := make(chan exchange.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan exchange.Event, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every live subscriber of its target user.
func (d *RealtimeDispatcher) Publish(event exchange.Event) {
	if event.TargetUserID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.TargetUserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
