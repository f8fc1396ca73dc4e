package realtime

import (
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"go.uber.org/zap"
)

// SubscriptionID is an opaque handle for one channel subscription. Components
// key their timers by this handle, never by the channel string.
type SubscriptionID int64

// seenRecordLimit bounds the per-subscription dedupe window. Poll delivery is
// at-least-once, so records already applied can reappear after a failover.
const seenRecordLimit = 256

// rawChannelConn is the slice of the transport the registry talks to.
type rawChannelConn interface {
	SubscribeRaw(channel string)
	UnsubscribeRaw(channel string)
}

type subscription struct {
	id           SubscriptionID
	channel      string
	listeners    map[int64]Listener
	watermark    time.Time
	lastActivity time.Time
	seen         map[string]struct{}
	seenOrder    []string
}

// SubscriptionSnapshot is a read-only view for the health monitor and the
// status surface.
type SubscriptionSnapshot struct {
	ID           SubscriptionID
	Channel      string
	Listeners    int
	Watermark    time.Time
	LastActivity time.Time
}

// Registry multiplexes one transport across many logical channels. The first
// listener for a channel costs one raw subscribe frame, the last removal one
// raw unsubscribe frame; everything in between is local fan-out.
type Registry struct {
	conn  rawChannelConn
	log   *zap.Logger
	clock func() time.Time

	mu             sync.Mutex
	byChannel      map[string]*subscription
	byID           map[SubscriptionID]*subscription
	nextSubID      int64
	nextListenerID int64
	onEmpty        func(SubscriptionID)
}

// NewRegistry constructs an empty registry over the given raw connection.
func NewRegistry(conn rawChannelConn, logger *zap.Logger, clock func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		conn:      conn,
		log:       logger,
		clock:     clock,
		byChannel: make(map[string]*subscription),
		byID:      make(map[SubscriptionID]*subscription),
	}
}

// OnEmpty registers the teardown hook invoked after the last listener of a
// subscription unregisters, before the raw unsubscribe frame is sent.
func (r *Registry) OnEmpty(hook func(SubscriptionID)) {
	r.mu.Lock()
	r.onEmpty = hook
	r.mu.Unlock()
}

// Subscribe registers a listener for the channel and returns its subscription
// handle plus an idempotent cancel function, safe to call from within the
// listener itself.
func (r *Registry) Subscribe(channel string, listener Listener) (SubscriptionID, func()) {
	r.mu.Lock()
	sub, exists := r.byChannel[channel]
	if !exists {
		r.nextSubID++
		sub = &subscription{
			id:           SubscriptionID(r.nextSubID),
			channel:      channel,
			listeners:    make(map[int64]Listener),
			lastActivity: r.clock(),
			seen:         make(map[string]struct{}),
		}
		r.byChannel[channel] = sub
		r.byID[sub.id] = sub
	}
	r.nextListenerID++
	listenerID := r.nextListenerID
	sub.listeners[listenerID] = listener
	subID := sub.id
	metrics.ActiveSubscriptions.Set(float64(len(r.byID)))
	r.mu.Unlock()

	if !exists {
		r.conn.SubscribeRaw(channel)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.removeListener(channel, listenerID)
		})
	}
	return subID, cancel
}

func (r *Registry) removeListener(channel string, listenerID int64) {
	r.mu.Lock()
	sub := r.byChannel[channel]
	if sub == nil {
		r.mu.Unlock()
		return
	}
	delete(sub.listeners, listenerID)
	empty := len(sub.listeners) == 0
	var hook func(SubscriptionID)
	if empty {
		delete(r.byChannel, channel)
		delete(r.byID, sub.id)
		hook = r.onEmpty
	}
	subID := sub.id
	metrics.ActiveSubscriptions.Set(float64(len(r.byID)))
	r.mu.Unlock()

	if !empty {
		return
	}
	if hook != nil {
		hook(subID)
	}
	r.conn.UnsubscribeRaw(channel)
	r.log.Debug("subscription removed", zap.String("channel", channel))
}

// Dispatch hands events to every listener of the subscription. Records whose
// id was already delivered within the dedupe window are skipped; a panicking
// listener is logged and never blocks the others.
func (r *Registry) Dispatch(id SubscriptionID, events []Event) {
	r.mu.Lock()
	sub := r.byID[id]
	if sub == nil {
		r.mu.Unlock()
		return
	}
	sub.lastActivity = r.clock()
	fresh := events[:0:0]
	for _, event := range events {
		if event.RecordID != "" {
			if _, dup := sub.seen[event.RecordID]; dup {
				continue
			}
			sub.seen[event.RecordID] = struct{}{}
			sub.seenOrder = append(sub.seenOrder, event.RecordID)
			if len(sub.seenOrder) > seenRecordLimit {
				delete(sub.seen, sub.seenOrder[0])
				sub.seenOrder = sub.seenOrder[1:]
			}
		}
		fresh = append(fresh, event)
	}
	listeners := make([]Listener, 0, len(sub.listeners))
	for _, listener := range sub.listeners {
		listeners = append(listeners, listener)
	}
	channel := sub.channel
	r.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	for _, listener := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("listener panicked", zap.String("channel", channel), zap.Any("panic", rec))
				}
			}()
			listener(fresh)
		}()
	}
}

// TouchActivity marks the subscription live without delivering anything. The
// poller calls this after every successful fetch, so a quiet channel that
// polls cleanly is never mistaken for a stale one.
func (r *Registry) TouchActivity(id SubscriptionID) {
	r.mu.Lock()
	if sub := r.byID[id]; sub != nil {
		sub.lastActivity = r.clock()
	}
	r.mu.Unlock()
}

// Lookup resolves a channel name to its live subscription handle.
func (r *Registry) Lookup(channel string) (SubscriptionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byChannel[channel]
	if !ok {
		return 0, false
	}
	return sub.id, true
}

// ChannelOf returns the channel name behind a subscription handle.
func (r *Registry) ChannelOf(id SubscriptionID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return sub.channel, true
}

// Watermark returns the last-seen record timestamp for the subscription.
func (r *Registry) Watermark(id SubscriptionID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return sub.watermark, !sub.watermark.IsZero()
}

// SetWatermark records the newest delivered record timestamp.
func (r *Registry) SetWatermark(id SubscriptionID, mark time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub := r.byID[id]; sub != nil {
		sub.watermark = mark
	}
}

// Snapshot lists all live subscriptions.
func (r *Registry) Snapshot() []SubscriptionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionSnapshot, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, SubscriptionSnapshot{
			ID:           sub.id,
			Channel:      sub.channel,
			Listeners:    len(sub.listeners),
			Watermark:    sub.watermark,
			LastActivity: sub.lastActivity,
		})
	}
	return out
}

// Clear drops every subscription without sending unsubscribe frames. Used
// during shutdown after the transport is already closed.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChannel = make(map[string]*subscription)
	r.byID = make(map[SubscriptionID]*subscription)
}
