package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"go.uber.org/zap"
)

// ClientConfig configures one realtime client instance. There is no shared
// process-global client; callers construct one and pass it where needed.
type ClientConfig struct {
	WebsocketURL         string
	PollBaseURL          string
	ActorID              string
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	BatchWindow          time.Duration
	DisableBatching      bool
	PollInterval         time.Duration
	CheckInterval        time.Duration
	Cursors              WatermarkStore
	Probe                ProbeFunc
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Clock                func() time.Time
}

// Client owns the realtime delivery pipeline: transport, subscription
// registry, batching queue, polling fallback, and health monitor. Callers
// subscribe to channels and receive events without knowing whether push or
// poll produced them.
type Client struct {
	cfg       ClientConfig
	log       *zap.Logger
	clock     func() time.Time
	transport *Transport
	registry  *Registry
	batcher   *Batcher
	poller    *Poller
	monitor   *Monitor

	offMessage func()
	offClose   func()
	offOpen    func()
}

// NewClient wires a client from configuration. The transport stays
// disconnected until Connect is called.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	client := &Client{cfg: cfg, log: logger, clock: clock}

	client.transport = NewTransport(TransportConfig{
		URL:                  cfg.WebsocketURL,
		ActorID:              cfg.ActorID,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
		Clock:                clock,
	})
	client.registry = NewRegistry(client.transport, logger, clock)
	client.batcher = NewBatcher(cfg.BatchWindow, client.registry.Dispatch, logger)
	client.poller = NewPoller(client.registry, cfg.Cursors, client.sink, logger, clock)
	client.monitor = NewMonitor(MonitorConfig{
		Transport:    client.transport,
		Registry:     client.registry,
		Poller:       client.poller,
		Probe:        cfg.Probe,
		FetchFor:     client.fetchFor,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Clock:        clock,
	})

	client.registry.OnEmpty(func(id SubscriptionID) {
		client.batcher.Cancel(id)
		client.poller.Stop(id)
	})
	client.offMessage = client.transport.On(EventMessage, client.handleTransportMessage)
	client.offClose = client.transport.On(EventClose, func(any) { client.monitor.CheckNow() })
	client.offOpen = client.transport.On(EventOpen, func(any) { client.monitor.CheckNow() })

	return client
}

// Connect starts the health monitor and opens the transport. A transport
// dial failure is not fatal: the monitor keeps the poll path alive and the
// caller may retry Connect on an external trigger.
func (c *Client) Connect(ctx context.Context) error {
	c.monitor.Start(c.cfg.CheckInterval)
	err := c.transport.Connect(ctx)
	c.monitor.CheckNow()
	return err
}

// Subscribe registers a listener for the channel and returns an idempotent
// cancel function.
func (c *Client) Subscribe(channel string, listener Listener) func() {
	id, cancel := c.registry.Subscribe(channel, listener)
	if c.monitor.Mode() != ModeConnected {
		c.poller.Start(id, c.fetchFor(channel), c.cfg.PollInterval)
	}
	return cancel
}

// Close tears the whole subsystem down: monitor first, then batch timers,
// poll timers, the transport, and finally all subscription state. No timer
// handle survives.
func (c *Client) Close() {
	c.monitor.Stop()
	c.batcher.CancelAll()
	c.poller.StopAll()
	c.offMessage()
	c.offClose()
	c.offOpen()
	c.transport.Close()
	c.registry.Clear()
}

// State exposes the transport connection state.
func (c *Client) State() State {
	return c.transport.State()
}

// Mode exposes the monitor's published push/poll decision.
func (c *Client) Mode() Mode {
	return c.monitor.Mode()
}

// Subscriptions lists live subscriptions for the status surface.
func (c *Client) Subscriptions() []SubscriptionSnapshot {
	return c.registry.Snapshot()
}

// LiveTimers counts outstanding timer handles across all components. Zero
// after Close.
func (c *Client) LiveTimers() int {
	return c.transport.pendingTimers() + c.batcher.pendingTimers() + c.poller.pendingTimers()
}

// sink is the shared delivery path for push and poll events.
func (c *Client) sink(id SubscriptionID, events []Event) {
	if c.cfg.DisableBatching {
		c.registry.Dispatch(id, events)
		return
	}
	for _, event := range events {
		c.batcher.Enqueue(id, event)
	}
}

func (c *Client) fetchFor(channel string) FetchFunc {
	return NewHTTPFetcher(c.cfg.PollBaseURL, channel, c.cfg.HTTPClient)
}

func (c *Client) handleTransportMessage(payload any) {
	msg, ok := payload.(ServerMessage)
	if !ok {
		return
	}
	switch m := msg.(type) {
	case BroadcastMessage:
		metrics.PushEvents.Inc()
		event, err := decodeBroadcastEvent(m)
		if err != nil {
			c.log.Warn("dropping broadcast", zap.String("channel", m.Channel), zap.Error(err))
			return
		}
		id, found := c.registry.Lookup(m.Channel)
		if !found {
			c.log.Debug("broadcast for unknown channel", zap.String("channel", m.Channel))
			return
		}
		c.sink(id, []Event{event})
		if !event.Timestamp.IsZero() {
			if mark, ok := c.registry.Watermark(id); !ok || event.Timestamp.After(mark) {
				c.registry.SetWatermark(id, event.Timestamp)
				c.persistWatermark(m.Channel, event.Timestamp)
			}
		}
	case SubscribedMessage:
		c.log.Debug("channel subscribed", zap.String("channel", m.Channel))
	case UnsubscribedMessage:
		c.log.Debug("channel unsubscribed", zap.String("channel", m.Channel))
	case PongMessage, ServerErrorMessage:
		// Handled inside the transport.
	}
}

func (c *Client) persistWatermark(channel string, mark time.Time) {
	if c.cfg.Cursors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cfg.Cursors.Save(ctx, channel, mark); err != nil {
		c.log.Warn("watermark save failed", zap.String("channel", channel), zap.Error(err))
	}
}
