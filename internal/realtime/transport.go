package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/faults"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State enumerates transport connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Transport event names usable with On.
const (
	EventOpen         = "open"
	EventClose        = "close"
	EventMessage      = "message"
	EventReconnecting = "reconnecting"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectCap      = 30 * time.Second
	defaultMaxReconnects     = 10
)

// TransportConfig configures the websocket transport.
type TransportConfig struct {
	URL                  string
	ActorID              string
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
	Logger               *zap.Logger
	Clock                func() time.Time
}

func (c *TransportConfig) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// TransportHandler receives transport events. The payload is a ServerMessage
// for EventMessage, the reconnect attempt number for EventReconnecting, and
// nil otherwise.
type TransportHandler func(payload any)

// Transport owns one websocket connection to the feed server, its heartbeat,
// and exponential-backoff reconnection. It does not connect on construction.
type Transport struct {
	cfg TransportConfig
	log *zap.Logger

	mu               sync.Mutex
	ws               *websocket.Conn
	state            State
	attempts         int
	lastConnectAt    time.Time
	lastPongAt       time.Time
	intentionalClose bool
	reconnectTimer   *time.Timer
	cancelLoops      context.CancelFunc

	handlerMu sync.Mutex
	handlers  map[string]map[int64]TransportHandler
	nextID    int64
}

// NewTransport constructs a disconnected transport.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.withDefaults()
	return &Transport{
		cfg:      cfg,
		log:      cfg.Logger,
		state:    StateDisconnected,
		handlers: make(map[string]map[int64]TransportHandler),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastConnectAt returns the time of the most recent successful connect.
func (t *Transport) LastConnectAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConnectAt
}

// On registers a handler for the named transport event and returns an
// idempotent unregister function, safe to call from within the handler.
func (t *Transport) On(event string, handler TransportHandler) func() {
	t.handlerMu.Lock()
	t.nextID++
	id := t.nextID
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int64]TransportHandler)
	}
	t.handlers[event][id] = handler
	t.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.handlerMu.Lock()
			delete(t.handlers[event], id)
			t.handlerMu.Unlock()
		})
	}
}

func (t *Transport) emit(event string, payload any) {
	t.handlerMu.Lock()
	copies := make([]TransportHandler, 0, len(t.handlers[event]))
	for _, handler := range t.handlers[event] {
		copies = append(copies, handler)
	}
	t.handlerMu.Unlock()
	for _, handler := range copies {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("transport handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			handler(payload)
		}()
	}
}

// Connect opens the stream. On success the transport announces the actor id,
// resets the reconnect budget, and starts the heartbeat. External triggers
// (app foregrounding, network-available) call this again after the automatic
// reconnect budget is exhausted.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	// An external trigger supersedes any backoff wait already scheduled;
	// a stale timer firing later must not dial a second connection.
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.mu.Unlock()

	ws, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return faults.Classify(err)
	}

	now := t.cfg.Clock()
	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.ws = ws
	t.state = StateConnected
	t.attempts = 0
	t.lastConnectAt = now
	t.lastPongAt = now
	t.cancelLoops = cancel
	t.mu.Unlock()

	if t.cfg.ActorID != "" {
		t.Send(wireFrame{Type: "auth", Data: mustMarshal(map[string]string{"actorId": t.cfg.ActorID})})
	}

	t.log.Info("transport connected", zap.String("url", t.cfg.URL))
	t.emit(EventOpen, nil)

	go t.readLoop(loopCtx, ws)
	go t.heartbeatLoop(loopCtx)
	return nil
}

// Send writes one frame, stamping timestamp and actor id. Sending while not
// connected logs a warning and drops the frame; callers must not assume
// delivery.
func (t *Transport) Send(frame wireFrame) {
	t.mu.Lock()
	ws := t.ws
	open := t.state == StateConnected
	t.mu.Unlock()
	if !open || ws == nil {
		t.log.Warn("send on closed transport dropped", zap.String("type", frame.Type))
		return
	}
	frame.Timestamp = t.cfg.Clock().UTC()
	frame.ActorID = t.cfg.ActorID
	if err := ws.WriteJSON(frame); err != nil {
		t.log.Warn("transport write failed", zap.String("type", frame.Type), zap.Error(err))
	}
}

// SubscribeRaw sends one subscribe frame for the channel.
func (t *Transport) SubscribeRaw(channel string) {
	t.Send(wireFrame{Type: "subscribe", Channel: channel})
}

// UnsubscribeRaw sends one unsubscribe frame for the channel.
func (t *Transport) UnsubscribeRaw(channel string) {
	t.Send(wireFrame{Type: "unsubscribe", Channel: channel})
}

// Close shuts the transport down and disables automatic reconnection.
func (t *Transport) Close() {
	t.mu.Lock()
	t.intentionalClose = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.cancelLoops != nil {
		t.cancelLoops()
		t.cancelLoops = nil
	}
	ws := t.ws
	t.ws = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client close"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	t.emit(EventClose, nil)
}

func (t *Transport) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.handleStreamClosed(err)
			return
		}

		msg, err := decodeServerFrame(raw)
		if err != nil {
			// Malformed or unknown frames are dropped, never fatal.
			t.log.Warn("dropping inbound frame", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case PongMessage:
			t.mu.Lock()
			t.lastPongAt = t.cfg.Clock()
			t.mu.Unlock()
		case ServerErrorMessage:
			t.log.Warn("server reported error", zap.String("reason", m.Reason))
		case BroadcastMessage, SubscribedMessage, UnsubscribedMessage:
			// Dispatched below with every other kind.
		}
		t.emit(EventMessage, msg)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var lastPingAt time.Time
	unanswered := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			answered := lastPingAt.IsZero() || !t.lastPongAt.Before(lastPingAt)
			ws := t.ws
			t.mu.Unlock()
			if answered {
				unanswered = 0
			} else {
				unanswered++
			}
			if unanswered >= 2 {
				// Two consecutive unanswered pings count as a stream close.
				t.log.Warn("heartbeat missed twice, recycling connection")
				if ws != nil {
					_ = ws.Close()
				}
				return
			}
			lastPingAt = t.cfg.Clock()
			t.Send(wireFrame{Type: "ping"})
		}
	}
}

func (t *Transport) handleStreamClosed(cause error) {
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return
	}
	if t.cancelLoops != nil {
		t.cancelLoops()
		t.cancelLoops = nil
	}
	t.ws = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.log.Warn("transport stream closed", zap.Error(cause))
	t.emit(EventClose, nil)
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.intentionalClose || t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		// Budget exhausted; stay disconnected until an external Connect call.
		t.mu.Unlock()
		t.log.Warn("reconnect budget exhausted", zap.Int("attempts", t.attempts))
		return
	}
	delay := backoffDelay(t.cfg.ReconnectBase, t.cfg.ReconnectCap, t.attempts)
	t.attempts++
	attempt := t.attempts
	t.state = StateReconnecting
	t.reconnectTimer = time.AfterFunc(delay, t.reconnectNow)
	t.mu.Unlock()

	metrics.Reconnects.Inc()
	t.log.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	t.emit(EventReconnecting, attempt)
}

func (t *Transport) reconnectNow() {
	t.mu.Lock()
	t.reconnectTimer = nil
	if t.intentionalClose || t.state == StateConnected || t.state == StateConnecting {
		// A race against Connect stopping the timer; the live connection wins.
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	attempts := t.attempts
	t.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		t.log.Warn("reconnect attempt failed", zap.Error(err))
		t.mu.Lock()
		t.attempts = attempts
		t.mu.Unlock()
		t.scheduleReconnect()
	}
}

// pendingTimers reports outstanding timer handles for shutdown verification.
func (t *Transport) pendingTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reconnectTimer != nil {
		return 1
	}
	return 0
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// backoffDelay computes min(base*2^attempt, cap).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
