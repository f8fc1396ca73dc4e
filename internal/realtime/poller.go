package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	coldPollLookback    = 60 * time.Second
)

// FetchFunc pulls change records newer than since for one channel.
type FetchFunc func(ctx context.Context, since time.Time) ([]Event, error)

// WatermarkStore persists per-channel watermarks across restarts so a
// cold-started poller does not re-deliver already-seen records.
type WatermarkStore interface {
	Load(ctx context.Context, channel string) (time.Time, bool, error)
	Save(ctx context.Context, channel string, mark time.Time) error
}

// Poller substitutes pull-based refresh for the push path while the transport
// is unhealthy. Records are handed to the same delivery sink as push events.
type Poller struct {
	registry *Registry
	cursors  WatermarkStore
	deliver  func(SubscriptionID, []Event)
	log      *zap.Logger
	clock    func() time.Time

	mu     sync.Mutex
	active map[SubscriptionID]*pollState
}

type pollState struct {
	fetch    FetchFunc
	interval time.Duration
	timer    *time.Timer
}

// NewPoller constructs an idle poller. cursors may be nil when watermark
// persistence is not wanted, e.g. in tests.
func NewPoller(registry *Registry, cursors WatermarkStore, deliver func(SubscriptionID, []Event), logger *zap.Logger, clock func() time.Time) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Poller{
		registry: registry,
		cursors:  cursors,
		deliver:  deliver,
		log:      logger,
		clock:    clock,
		active:   make(map[SubscriptionID]*pollState),
	}
}

// Start begins periodic polling for the subscription. A zero interval selects
// the default. Starting an already-active subscription only updates its fetch
// function and interval.
func (p *Poller) Start(id SubscriptionID, fetch FetchFunc, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	p.ensureWatermark(id)

	p.mu.Lock()
	state, exists := p.active[id]
	if exists {
		state.fetch = fetch
		state.interval = interval
		p.mu.Unlock()
		return
	}
	state = &pollState{fetch: fetch, interval: interval}
	state.timer = time.AfterFunc(interval, func() { p.tick(id) })
	p.active[id] = state
	p.mu.Unlock()
}

// Stop cancels polling for the subscription. An in-flight fetch still
// completes and delivers; it just does not schedule another tick.
func (p *Poller) Stop(id SubscriptionID) {
	p.mu.Lock()
	if state := p.active[id]; state != nil && state.timer != nil {
		state.timer.Stop()
	}
	delete(p.active, id)
	p.mu.Unlock()
}

// StopAll cancels every poll timer. Used during shutdown and on transport
// recovery.
func (p *Poller) StopAll() {
	p.mu.Lock()
	for id, state := range p.active {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(p.active, id)
	}
	p.mu.Unlock()
}

// Active reports whether the subscription is currently polled.
func (p *Poller) Active(id SubscriptionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

// ResetWatermark moves the subscription's watermark to now. The health
// monitor uses this when reviving a stale subscription.
func (p *Poller) ResetWatermark(id SubscriptionID) {
	now := p.clock().UTC()
	p.registry.SetWatermark(id, now)
	p.persistWatermark(id, now)
}

// ensureWatermark seeds the in-memory watermark from the persisted store, or
// from now minus a fixed lookback when no prior watermark exists.
func (p *Poller) ensureWatermark(id SubscriptionID) {
	if _, ok := p.registry.Watermark(id); ok {
		return
	}
	channel, ok := p.registry.ChannelOf(id)
	if !ok {
		return
	}
	if p.cursors != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		mark, found, err := p.cursors.Load(ctx, channel)
		cancel()
		if err != nil {
			p.log.Warn("watermark load failed", zap.String("channel", channel), zap.Error(err))
		} else if found {
			p.registry.SetWatermark(id, mark)
			return
		}
	}
	p.registry.SetWatermark(id, p.clock().UTC().Add(-coldPollLookback))
}

func (p *Poller) tick(id SubscriptionID) {
	p.mu.Lock()
	state := p.active[id]
	p.mu.Unlock()
	if state == nil {
		return
	}

	metrics.PollTicks.Inc()
	since, _ := p.registry.Watermark(id)
	ctx, cancel := context.WithTimeout(context.Background(), state.interval)
	events, err := state.fetch(ctx, since)
	cancel()

	if err != nil {
		metrics.PollFailures.Inc()
		// Watermark stays put so the next tick retries the same window.
		channel, _ := p.registry.ChannelOf(id)
		p.log.Warn("poll fetch failed", zap.String("channel", channel), zap.Error(err))
	} else {
		// Even an empty fetch proves the subscription is alive.
		p.registry.TouchActivity(id)
		if len(events) > 0 {
			newest := since
			for _, event := range events {
				if event.Timestamp.After(newest) {
					newest = event.Timestamp
				}
			}
			p.deliver(id, events)
			p.registry.SetWatermark(id, newest)
			p.persistWatermark(id, newest)
		}
	}

	p.mu.Lock()
	state, stillActive := p.active[id]
	if stillActive {
		state.timer = time.AfterFunc(state.interval, func() { p.tick(id) })
	}
	p.mu.Unlock()
}

func (p *Poller) persistWatermark(id SubscriptionID, mark time.Time) {
	if p.cursors == nil {
		return
	}
	channel, ok := p.registry.ChannelOf(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.cursors.Save(ctx, channel, mark); err != nil {
		p.log.Warn("watermark save failed", zap.String("channel", channel), zap.Error(err))
	}
}

// pendingTimers reports outstanding poll timers for shutdown verification.
func (p *Poller) pendingTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
