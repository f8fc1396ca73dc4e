package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCheckInterval = 30 * time.Second

// Mode is the published push/poll decision. The monitor is its sole owner;
// the transport and the poller only look at the published value.
type Mode string

const (
	ModeConnected    Mode = "connected"
	ModeDisconnected Mode = "disconnected"
	ModeReconnecting Mode = "reconnecting"
)

// ProbeFunc checks liveness of the backing store.
type ProbeFunc func(ctx context.Context) error

// stateReporter is the slice of the transport the monitor reads.
type stateReporter interface {
	State() State
}

// MonitorConfig wires the health monitor's collaborators.
type MonitorConfig struct {
	Transport    stateReporter
	Registry     *Registry
	Poller       *Poller
	Probe        ProbeFunc
	FetchFor     func(channel string) FetchFunc
	PollInterval time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Monitor periodically evaluates transport liveness and per-subscription
// staleness, switching the subsystem between push and poll delivery.
type Monitor struct {
	cfg   MonitorConfig
	log   *zap.Logger
	clock func() time.Time

	mu       sync.Mutex
	mode     Mode
	interval time.Duration
	stopCh   chan struct{}
	running  bool
}

// NewMonitor constructs a stopped monitor in disconnected mode.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Monitor{
		cfg:   cfg,
		log:   cfg.Logger,
		clock: cfg.Clock,
		mode:  ModeDisconnected,
	}
}

// Mode returns the currently published push/poll decision.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Start begins periodic checks. A zero interval selects the default.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.interval = interval
	m.stopCh = make(chan struct{})
	m.running = true
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.loop(stopCh, interval)
}

// Stop halts periodic checks. Poll timers already started stay under the
// poller's ownership and are cancelled by the client's shutdown sequence.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.stopCh = nil
	m.mu.Unlock()
}

// CheckNow runs one health evaluation synchronously. The periodic loop calls
// this; tests and transport event hooks may call it directly.
func (m *Monitor) CheckNow() {
	healthy := m.probeHealthy() && m.cfg.Transport.State() == StateConnected

	m.mu.Lock()
	previous := m.mode
	if healthy {
		m.mode = ModeConnected
	} else if m.cfg.Transport.State() == StateReconnecting {
		m.mode = ModeReconnecting
	} else {
		m.mode = ModeDisconnected
	}
	mode := m.mode
	interval := m.interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	m.mu.Unlock()

	if mode != previous {
		m.log.Info("health mode transition", zap.String("from", string(previous)), zap.String("to", string(mode)))
	}

	switch mode {
	case ModeConnected:
		if previous != ModeConnected {
			// Push resumed; any in-flight poll fetch still delivers.
			m.cfg.Poller.StopAll()
		}
	default:
		for _, sub := range m.cfg.Registry.Snapshot() {
			if !m.cfg.Poller.Active(sub.ID) {
				m.startPolling(sub)
			}
		}
	}

	// A subscription silent for more than twice the check interval is
	// presumed broken regardless of mode: restart it from a fresh watermark.
	staleAfter := 2 * interval
	now := m.clock()
	for _, sub := range m.cfg.Registry.Snapshot() {
		if now.Sub(sub.LastActivity) <= staleAfter {
			continue
		}
		m.log.Warn("reviving stale subscription", zap.String("channel", sub.Channel))
		m.cfg.Poller.Stop(sub.ID)
		m.cfg.Poller.ResetWatermark(sub.ID)
		if mode != ModeConnected {
			m.startPolling(sub)
		}
	}
}

func (m *Monitor) loop(stopCh chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}

func (m *Monitor) probeHealthy() bool {
	if m.cfg.Probe == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Probe(ctx); err != nil {
		m.log.Warn("store liveness probe failed", zap.Error(err))
		return false
	}
	return true
}

func (m *Monitor) startPolling(sub SubscriptionSnapshot) {
	if m.cfg.FetchFor == nil {
		return
	}
	fetch := m.cfg.FetchFor(sub.Channel)
	if fetch == nil {
		return
	}
	m.cfg.Poller.Start(sub.ID, fetch, m.cfg.PollInterval)
}
