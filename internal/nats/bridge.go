package nats

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/prefork/prefork/internal/events"
)

// PoolController is the command surface the bridge drives. The supervisor
// satisfies it; commands are enqueued, never executed on the NATS thread.
type PoolController interface {
	Scale(delta int)
	ScaleTo(n int)
	RollingRestart()
	Shutdown(graceful bool)
}

// Bridge connects the in-process event bus to NATS: pool lifecycle events
// fan out to prefork.pool.events.*, and control messages received on
// prefork.control.pool are translated into supervisor commands.
// Gracefully degrades when NATS is unavailable.
type Bridge struct {
	url    string
	bus    *events.Bus
	pool   PoolController
	logger *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	unsubs []func()
}

// NewBridge creates a NATS bridge for the given event bus and pool.
func NewBridge(url string, bus *events.Bus, pool PoolController, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:    url,
		bus:    bus,
		pool:   pool,
		logger: logger.With("component", "nats-bridge"),
	}
}

// Start connects to NATS, subscribes to control messages, and begins
// forwarding pool events.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nats.Connect(b.url,
		nats.Name("prefork-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS bridge disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("NATS bridge reconnected")
		}),
	)
	if err != nil {
		return err
	}
	b.conn = conn

	sub, err := conn.Subscribe(SubjectControl, b.handleControl)
	if err != nil {
		conn.Close()
		b.conn = nil
		return err
	}
	b.sub = sub

	b.subscribeEvents()

	b.logger.Info("NATS bridge started", "url", b.url)
	return nil
}

// Stop detaches from the event bus and closes the NATS connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil

	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// handleControl translates one control message into a pool command.
func (b *Bridge) handleControl(msg *nats.Msg) {
	ctrl, err := UnmarshalControl(msg.Data)
	if err != nil {
		b.logger.Warn("Failed to unmarshal control message", "error", err)
		return
	}

	b.logger.Info("Received control command", "action", ctrl.Action, "reason", ctrl.Reason)

	switch ctrl.Action {
	case ActionScale:
		b.pool.Scale(ctrl.Delta)
	case ActionScaleTo:
		b.pool.ScaleTo(ctrl.Target)
	case ActionRollingRestart:
		b.pool.RollingRestart()
	case ActionShutdown:
		b.pool.Shutdown(ctrl.Graceful)
	default:
		b.logger.Warn("Unknown control action", "action", ctrl.Action)
	}
}

// subscribeEvents fans every pool lifecycle event out to NATS.
func (b *Bridge) subscribeEvents() {
	b.unsubs = []func(){
		b.bus.Subscribe(func(e events.WorkerStartedEvent) { b.publishEvent("worker_started", e) }),
		b.bus.Subscribe(func(e events.WorkerReadyEvent) { b.publishEvent("worker_ready", e) }),
		b.bus.Subscribe(func(e events.WorkerExitedEvent) { b.publishEvent("worker_exited", e) }),
		b.bus.Subscribe(func(e events.WorkerCrashedEvent) { b.publishEvent("worker_crashed", e) }),
		b.bus.Subscribe(func(e events.WorkerKilledEvent) { b.publishEvent("worker_killed", e) }),
		b.bus.Subscribe(func(e events.PoolScaledEvent) { b.publishEvent("pool_scaled", e) }),
		b.bus.Subscribe(func(e events.RollingRestartStartedEvent) { b.publishEvent("rolling_restart_started", e) }),
		b.bus.Subscribe(func(e events.RollingRestartCompletedEvent) { b.publishEvent("rolling_restart_completed", e) }),
		b.bus.Subscribe(func(e events.RollingRestartAbortedEvent) { b.publishEvent("rolling_restart_aborted", e) }),
		b.bus.Subscribe(func(e events.CrashLoopEvent) { b.publishEvent("crash_loop", e) }),
		b.bus.Subscribe(func(e events.ShutdownStartedEvent) { b.publishEvent("shutdown_started", e) }),
	}
}

// publishEvent is fire-and-forget: a dropped event never blocks the pool.
func (b *Bridge) publishEvent(kind string, ev any) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("Failed to marshal event", "kind", kind, "error", err)
		return
	}
	msg := EventMessage{
		Kind:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     payload,
	}
	data, err := msg.Marshal()
	if err != nil {
		b.logger.Warn("Failed to marshal event message", "kind", kind, "error", err)
		return
	}
	if err := conn.Publish(SubjectEvent(kind), data); err != nil && !strings.Contains(err.Error(), "connection closed") {
		b.logger.Debug("Failed to publish event", "kind", kind, "error", err)
	}
}
