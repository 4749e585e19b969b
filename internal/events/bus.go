package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher for worker lifecycle events.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(WorkerStartedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event is generic over the concrete event type, so dispatch
	// through a type switch.
	switch e := ev.(type) {
	case WorkerStartedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerReadyEvent:
		event.Publish(b.dispatcher, e)
	case WorkerExitedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerCrashedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerKilledEvent:
		event.Publish(b.dispatcher, e)
	case PoolScaledEvent:
		event.Publish(b.dispatcher, e)
	case RollingRestartStartedEvent:
		event.Publish(b.dispatcher, e)
	case RollingRestartCompletedEvent:
		event.Publish(b.dispatcher, e)
	case RollingRestartAbortedEvent:
		event.Publish(b.dispatcher, e)
	case CrashLoopEvent:
		event.Publish(b.dispatcher, e)
	case ShutdownStartedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function. The handler's
// parameter type determines which events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e WorkerCrashedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(WorkerStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerReadyEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerCrashedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerKilledEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PoolScaledEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RollingRestartStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RollingRestartCompletedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RollingRestartAbortedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CrashLoopEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ShutdownStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Unknown handler type gets a no-op unsubscribe
		return func() {}
	}
}
