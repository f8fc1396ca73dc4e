package realtime

import (
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"go.uber.org/zap"
)

const defaultFlushWindow = 300 * time.Millisecond

// Batcher buffers inbound events per subscription for a short window and
// flushes them as one ordered batch, reducing listener churn during bursts.
// The flush timer is armed by the first enqueue and never reset by later
// ones, bounding flush latency rather than idle time.
type Batcher struct {
	window  time.Duration
	deliver func(SubscriptionID, []Event)
	log     *zap.Logger

	mu      sync.Mutex
	pending map[SubscriptionID][]Event
	timers  map[SubscriptionID]*time.Timer
}

// NewBatcher constructs a batcher delivering flushed batches through deliver.
func NewBatcher(window time.Duration, deliver func(SubscriptionID, []Event), logger *zap.Logger) *Batcher {
	if window <= 0 {
		window = defaultFlushWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		window:  window,
		deliver: deliver,
		log:     logger,
		pending: make(map[SubscriptionID][]Event),
		timers:  make(map[SubscriptionID]*time.Timer),
	}
}

// Enqueue appends the event to the subscription's pending batch, arming the
// flush timer if none is running.
func (b *Batcher) Enqueue(id SubscriptionID, event Event) {
	b.mu.Lock()
	b.pending[id] = append(b.pending[id], event)
	if b.timers[id] == nil {
		b.timers[id] = time.AfterFunc(b.window, func() { b.flush(id) })
	}
	b.mu.Unlock()
}

// flush clears the pending batch and timer before delivery begins, so a
// listener that enqueues again starts a fresh window.
func (b *Batcher) flush(id SubscriptionID) {
	b.mu.Lock()
	events := b.pending[id]
	delete(b.pending, id)
	delete(b.timers, id)
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}
	metrics.BatchFlushes.Inc()
	for _, group := range groupByKind(events) {
		b.deliver(id, group)
	}
}

// Cancel discards the subscription's unflushed events and stops its timer.
func (b *Batcher) Cancel(id SubscriptionID) {
	b.mu.Lock()
	if timer := b.timers[id]; timer != nil {
		timer.Stop()
	}
	delete(b.timers, id)
	delete(b.pending, id)
	b.mu.Unlock()
}

// CancelAll discards every pending batch. Used during shutdown.
func (b *Batcher) CancelAll() {
	b.mu.Lock()
	for id, timer := range b.timers {
		if timer != nil {
			timer.Stop()
		}
		delete(b.timers, id)
	}
	b.pending = make(map[SubscriptionID][]Event)
	b.mu.Unlock()
}

// pendingTimers reports outstanding flush timers for shutdown verification.
func (b *Batcher) pendingTimers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// groupByKind splits a batch into insert, update, delete groups, preserving
// enqueue order within each group.
func groupByKind(events []Event) [][]Event {
	groups := make([][]Event, 0, 3)
	for _, kind := range []EventKind{EventInsert, EventUpdate, EventDelete} {
		var group []Event
		for _, event := range events {
			if event.Kind == kind {
				group = append(group, event)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}
