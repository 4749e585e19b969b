package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// commandKind identifies the closed set of supervisor commands.
type commandKind int

const (
	kindScale commandKind = iota
	kindScaleTo
	kindRolling
	kindShutdown
	kindStatus
)

// command is one unit of work for the control loop. Commands are executed
// strictly one at a time in arrival order.
type command struct {
	kind     commandKind
	delta    int  // kindScale
	target   int  // kindScaleTo
	graceful bool // kindShutdown
	reply    chan PoolStatus
}

// Router translates asynchronous OS signals into supervisor commands.
//
// Signal-delivery context is restricted, so the only thing that happens
// there is a send into the buffered channel registered with signal.Notify.
// A translator goroutine maps signals onto commands and appends them to a
// queue the control loop drains on each iteration, waking it through a
// self-notifying channel (self-pipe pattern). No pool state is touched
// outside the control loop.
//
// Fixed mapping:
//
//	SIGINT, SIGTERM -> shutdown (graceful)
//	SIGHUP          -> rolling restart
//	SIGTTIN         -> scale +1
//	SIGTTOU         -> scale -1
type Router struct {
	mu     sync.Mutex
	queue  []command
	notify chan struct{}
	sigCh  chan os.Signal
	logger *slog.Logger
}

func newRouter(logger *slog.Logger) *Router {
	return &Router{
		notify: make(chan struct{}, 1),
		sigCh:  make(chan os.Signal, 8),
		logger: logger,
	}
}

// start registers the signal set and launches the translator goroutine.
func (r *Router) start() {
	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU)
	go r.translate()
}

// stop unregisters the signals and ends the translator goroutine.
func (r *Router) stop() {
	signal.Stop(r.sigCh)
	close(r.sigCh)
}

func (r *Router) translate() {
	for sig := range r.sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Info("Received shutdown signal", "signal", sig.String())
			r.push(command{kind: kindShutdown, graceful: true})
		case syscall.SIGHUP:
			r.logger.Info("Received SIGHUP, rolling restart requested")
			r.push(command{kind: kindRolling})
		case syscall.SIGTTIN:
			r.logger.Info("Received SIGTTIN, scaling up")
			r.push(command{kind: kindScale, delta: 1})
		case syscall.SIGTTOU:
			r.logger.Info("Received SIGTTOU, scaling down")
			r.push(command{kind: kindScale, delta: -1})
		}
	}
}

// push appends a command to the queue, coalescing it with the previous
// command when both are of the same kind: adjacent scale commands merge
// their deltas, repeated rolling-restart or shutdown requests collapse
// into one. Ordering between distinct kinds is preserved.
func (r *Router) push(cmd command) {
	r.mu.Lock()
	if n := len(r.queue); n > 0 && r.queue[n-1].kind == cmd.kind && cmd.reply == nil {
		switch cmd.kind {
		case kindScale:
			r.queue[n-1].delta += cmd.delta
			r.mu.Unlock()
			r.wake()
			return
		case kindScaleTo:
			r.queue[n-1].target = cmd.target
			r.mu.Unlock()
			r.wake()
			return
		case kindRolling, kindShutdown:
			// already queued
			r.mu.Unlock()
			r.wake()
			return
		}
	}
	r.queue = append(r.queue, cmd)
	r.mu.Unlock()
	r.wake()
}

// wake nudges the control loop without ever blocking; the channel holds
// at most one pending notification.
func (r *Router) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued commands in arrival order.
func (r *Router) drain() []command {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queue
	r.queue = nil
	return q
}
