package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prefork/prefork/internal/events"
)

// Supervisor keeps a pool of worker processes at its target size and
// reshapes it in response to commands. All pool state is owned by the
// single control loop in Run; the exported methods only enqueue commands,
// so concurrent callers are serialized, never interleaved.
type Supervisor struct {
	spec   WorkSpec
	opts   Options
	logger *slog.Logger
	bus    *events.Bus
	router *Router
	guard  *crashGuard

	// control-loop state, never touched outside Run
	members map[int]*worker // keyed by pid
	target  int
	mode    Mode
	rolling *rollingState
	lastErr error

	exitCh  chan exitEvent
	readyCh chan readyEvent
	killCh  chan *worker

	finished    chan struct{}
	finalStatus PoolStatus
}

// rollingState tracks an in-flight rolling restart: one replacement is
// spawned and one old handle terminated per step, so the pool never holds
// more than one stopping worker at a time.
type rollingState struct {
	pending     []*worker // old generation still to be replaced, oldest first
	replacement *worker   // spawned, awaiting readiness
	victim      *worker   // old handle currently stopping
	total       int
}

// New creates a Supervisor for the given work spec. The pool does not
// exist until Run is called.
func New(spec WorkSpec, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		spec:     spec,
		opts:     opts,
		logger:   opts.Logger,
		bus:      opts.Bus,
		router:   newRouter(opts.Logger),
		guard:    newCrashGuard(opts.MaxCrashes, opts.CrashWindow),
		members:  make(map[int]*worker),
		target:   opts.Workers,
		mode:     ModeRunning,
		exitCh:   make(chan exitEvent),
		readyCh:  make(chan readyEvent),
		killCh:   make(chan *worker, 8),
		finished: make(chan struct{}),
	}
}

// Scale adjusts the target pool size by delta, clamped to a floor of one.
func (s *Supervisor) Scale(delta int) {
	s.router.push(command{kind: kindScale, delta: delta})
}

// ScaleTo sets the target pool size to n, clamped to a floor of one.
func (s *Supervisor) ScaleTo(n int) {
	s.router.push(command{kind: kindScaleTo, target: n})
}

// RollingRestart replaces every member one handle at a time, keeping the
// live worker count at or above target-1 throughout.
func (s *Supervisor) RollingRestart() {
	s.router.push(command{kind: kindRolling})
}

// Shutdown drains the pool and ends Run. With graceful set, workers get
// the stop signal and the drain timeout before being force-killed.
func (s *Supervisor) Shutdown(graceful bool) {
	s.router.push(command{kind: kindShutdown, graceful: graceful})
}

// Snapshot returns a consistent view of the pool, served by the control
// loop. After Run has returned it yields the final (empty) pool state.
func (s *Supervisor) Snapshot() PoolStatus {
	reply := make(chan PoolStatus, 1)
	s.router.push(command{kind: kindStatus, reply: reply})
	select {
	case st := <-reply:
		return st
	case <-s.finished:
		return s.finalStatus
	}
}

// Run spawns the initial workers and drives the control loop until the
// pool has been shut down. It returns a *SpawnError if the very first
// worker cannot be spawned; any later failure is handled inside the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.spec.Command) == 0 {
		return fmt.Errorf("empty worker command")
	}

	s.logger.Info("Supervisor starting", "pid", os.Getpid(), "workers", s.target)

	// Signals arriving during initial spawn must not be lost.
	s.router.start()
	defer s.router.stop()
	defer s.finish()

	// The first worker decides pool viability: no retries, fatal on error.
	first, err := s.spawn()
	if err != nil {
		return &SpawnError{Attempts: 1, Err: err}
	}
	s.addMember(first)

	for i := 1; i < s.target; i++ {
		if _, err := s.spawnWorker(); err != nil {
			s.lastErr = err
			s.logger.Error("Pool started with degraded capacity", "error", err,
				"members", len(s.members), "target", s.target)
			break
		}
	}

	var healthTick <-chan time.Time
	if s.opts.HealthInterval > 0 {
		ticker := time.NewTicker(s.opts.HealthInterval)
		defer ticker.Stop()
		healthTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, shutting down pool")
			s.shutdown(true)
			return nil
		case <-s.router.notify:
			for _, cmd := range s.router.drain() {
				s.execute(cmd)
				if s.mode == ModeShutdown {
					return nil
				}
			}
		case ev := <-s.exitCh:
			s.handleExit(ev)
		case ev := <-s.readyCh:
			s.handleReady(ev)
		case w := <-s.killCh:
			s.handleStopDeadline(w)
		case <-healthTick:
			s.checkLiveness()
		}
	}
}

// finish records the final status and releases Snapshot callers.
func (s *Supervisor) finish() {
	s.finalStatus = s.status()
	close(s.finished)
	s.logger.Info("Supervisor stopped", "pid", os.Getpid())
}

// execute runs one command. Commands arriving once the pool is draining
// are answered (status) or dropped; the shutdown already in progress wins.
func (s *Supervisor) execute(cmd command) {
	if cmd.kind == kindStatus {
		cmd.reply <- s.status()
		return
	}
	if s.mode == ModeDraining || s.mode == ModeShutdown {
		s.logger.Debug("Ignoring command, pool is shutting down")
		return
	}
	switch cmd.kind {
	case kindScale:
		s.scale(cmd.delta)
	case kindScaleTo:
		s.scale(cmd.target - s.target)
	case kindRolling:
		s.startRolling()
	case kindShutdown:
		s.shutdown(cmd.graceful)
	}
}

// addMember registers a freshly spawned worker with the pool.
func (s *Supervisor) addMember(w *worker) {
	s.members[w.pid] = w
	s.publish(events.WorkerStartedEvent{
		WorkerID: w.id,
		PID:      w.pid,
		Members:  len(s.members),
		Target:   s.target,
	})
}

// spawnWorker spawns one worker with bounded exponential backoff and adds
// it to the pool. On exhausted retries it returns a *SpawnError.
func (s *Supervisor) spawnWorker() (*worker, error) {
	backoff := s.opts.SpawnBackoff
	var lastErr error
	for attempt := 0; attempt <= s.opts.SpawnRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("Retrying worker spawn", "attempt", attempt, "backoff", backoff, "error", lastErr)
			time.Sleep(backoff)
			backoff *= 2
		}
		w, err := s.spawn()
		if err == nil {
			s.addMember(w)
			return w, nil
		}
		lastErr = err
	}
	return nil, &SpawnError{Attempts: s.opts.SpawnRetries + 1, Err: lastErr}
}

// handleReady marks a worker as running and, during a rolling restart,
// lets the replacement take over from exactly one old handle.
func (s *Supervisor) handleReady(ev readyEvent) {
	w := ev.w
	if w.state != StateStarting {
		return
	}
	w.state = StateRunning
	s.logger.Debug("Worker ready", "worker", w.id, "pid", w.pid)
	s.publish(events.WorkerReadyEvent{WorkerID: w.id, PID: w.pid})

	if s.rolling != nil && s.rolling.replacement == w {
		s.rolling.replacement = nil
		if len(s.rolling.pending) > 0 {
			victim := s.rolling.pending[0]
			s.rolling.pending = s.rolling.pending[1:]
			s.rolling.victim = victim
			s.terminate(victim)
			return
		}
		// The old handle this replacement was meant to relieve crashed on
		// its own and was already replaced; shed any surplus.
		for _, v := range s.pickVictims(len(s.members) - s.target) {
			s.terminate(v)
		}
		s.advanceRolling()
	}
}

// handleExit reaps one worker exit and classifies it: a requested stop is
// expected; anything else is a crash that warrants a replacement unless
// the crash-loop guard has tripped.
func (s *Supervisor) handleExit(ev exitEvent) {
	w := ev.w
	w.state = StateExited
	w.exitCode = ev.code
	delete(s.members, w.pid)

	if s.rolling != nil {
		switch w {
		case s.rolling.replacement:
			// Replacement died before readiness: stop here, keep the old
			// generation running.
			s.abortRolling(&ReadinessTimeout{PID: w.pid, ExitCode: ev.code})
			return
		case s.rolling.victim:
			s.logger.Info("Worker replaced", "pid", w.pid, "exit_code", ev.code,
				"remaining", len(s.rolling.pending))
			s.publish(events.WorkerExitedEvent{
				WorkerID: w.id, PID: w.pid, ExitCode: ev.code,
				Members: len(s.members), Target: s.target,
			})
			s.rolling.victim = nil
			s.advanceRolling()
			return
		default:
			// An old-generation worker crashed on its own while waiting
			// for its turn; its replacement below no longer needs a slot.
			s.rolling.pending = removeWorker(s.rolling.pending, w)
		}
	}

	if w.stopRequested {
		s.logger.Info("Worker stopped", "pid", w.pid, "exit_code", ev.code)
		s.publish(events.WorkerExitedEvent{
			WorkerID: w.id, PID: w.pid, ExitCode: ev.code,
			Members: len(s.members), Target: s.target,
		})
		return
	}

	s.logger.Warn("Worker crashed", "pid", w.pid, "exit_code", ev.code)
	s.publish(events.WorkerCrashedEvent{
		WorkerID: w.id, PID: w.pid, ExitCode: ev.code,
		Members: len(s.members), Target: s.target,
	})

	wasTripped := s.guard.tripped
	if s.guard.record(time.Now()) {
		if !wasTripped {
			err := &CrashLoopError{Crashes: len(s.guard.crashes), Window: s.opts.CrashWindow}
			s.lastErr = err
			s.logger.Error("Crash loop detected, suspending respawn", "error", err)
			s.publish(events.CrashLoopEvent{Crashes: len(s.guard.crashes), Window: s.opts.CrashWindow.String()})
		}
		return
	}

	if _, err := s.spawnWorker(); err != nil {
		s.lastErr = err
		s.logger.Error("Failed to replace crashed worker, capacity degraded", "error", err)
	}
}

// handleStopDeadline force-kills a worker that ignored its terminate
// request past the drain timeout.
func (s *Supervisor) handleStopDeadline(w *worker) {
	if w.state != StateStopping {
		return // already exited
	}
	err := &ShutdownTimeout{PID: w.pid, Timeout: s.opts.DrainTimeout}
	s.lastErr = err
	s.logger.Warn("Worker ignored terminate request, killing", "pid", w.pid, "timeout", s.opts.DrainTimeout)
	s.publish(events.WorkerKilledEvent{WorkerID: w.id, PID: w.pid})
	s.kill(w)
}

// scale adjusts the target count by delta and immediately converges the
// pool: spawn on the way up, graceful-terminate victims on the way down.
// The floor is one worker; a pool of zero is only reachable via shutdown.
func (s *Supervisor) scale(delta int) {
	if delta == 0 {
		return
	}
	if s.mode == ModeRolling {
		s.logger.Warn("Ignoring scale request during rolling restart")
		return
	}

	newTarget := s.target + delta
	if newTarget < 1 {
		newTarget = 1
	}
	if newTarget == s.target {
		s.logger.Info("Already at one worker, ignoring scale-down")
		return
	}

	if newTarget > s.target {
		grow := newTarget - s.target
		s.target = newTarget
		s.logger.Info("Scaling up", "delta", grow, "target", s.target)
		for i := 0; i < grow; i++ {
			if _, err := s.spawnWorker(); err != nil {
				s.lastErr = err
				s.logger.Error("Scale-up incomplete, capacity degraded", "error", err)
				break
			}
		}
	} else {
		shrink := s.target - newTarget
		s.target = newTarget
		s.logger.Info("Scaling down", "delta", shrink, "target", s.target)
		for _, w := range s.pickVictims(shrink) {
			s.terminate(w)
		}
	}

	s.publish(events.PoolScaledEvent{Members: len(s.members), Target: s.target})
}

// startRolling snapshots the current generation and begins replacing it
// one handle at a time. Operator-requested, so it also resets the
// crash-loop guard.
func (s *Supervisor) startRolling() {
	if s.mode == ModeRolling {
		s.logger.Warn("Rolling restart already in progress")
		return
	}

	s.guard.reset()
	s.lastErr = nil

	old := make([]*worker, 0, len(s.members))
	for _, w := range s.sortedMembers() {
		if !w.stopRequested {
			old = append(old, w)
		}
	}
	if len(old) == 0 {
		s.logger.Warn("No workers to restart")
		return
	}

	s.mode = ModeRolling
	s.rolling = &rollingState{pending: old, total: len(old)}
	s.logger.Info("Rolling restart started", "workers", len(old))
	s.publish(events.RollingRestartStartedEvent{Workers: len(old)})
	s.advanceRolling()
}

// advanceRolling spawns the next replacement, or finishes the restart
// when the old generation is gone.
func (s *Supervisor) advanceRolling() {
	r := s.rolling
	if len(r.pending) == 0 && r.replacement == nil && r.victim == nil {
		s.mode = ModeRunning
		s.rolling = nil
		s.logger.Info("Rolling restart completed", "workers", r.total)
		s.publish(events.RollingRestartCompletedEvent{Workers: r.total})
		return
	}
	if r.replacement != nil || r.victim != nil {
		return // a step is already in flight
	}

	w, err := s.spawnWorker()
	if err != nil {
		s.abortRolling(err)
		return
	}
	r.replacement = w
}

// abortRolling stops a rolling restart early, leaving the remaining old
// generation untouched and surfacing the error.
func (s *Supervisor) abortRolling(err error) {
	s.lastErr = err
	s.logger.Error("Rolling restart aborted", "error", err)
	s.publish(events.RollingRestartAbortedEvent{Reason: err.Error()})
	s.rolling = nil
	s.mode = ModeRunning
}

// shutdown drains the pool: graceful-terminate everyone, wait up to the
// drain timeout, force-kill stragglers, and return once the pool is
// empty. Runs synchronously inside the control loop; only exit events
// matter from here on.
func (s *Supervisor) shutdown(graceful bool) {
	s.mode = ModeDraining
	s.rolling = nil
	s.logger.Info("Draining pool", "members", len(s.members), "graceful", graceful)
	s.publish(events.ShutdownStartedEvent{Members: len(s.members), Graceful: graceful})

	for _, w := range s.sortedMembers() {
		if graceful {
			s.terminate(w)
		} else {
			s.kill(w)
		}
	}

	if graceful {
		drainDeadline := time.NewTimer(s.opts.DrainTimeout)
		defer drainDeadline.Stop()
	drain:
		for len(s.members) > 0 {
			select {
			case ev := <-s.exitCh:
				s.reap(ev)
			case <-s.readyCh:
				// late readiness, irrelevant now
			case <-s.killCh:
				// per-worker deadlines are superseded by the kill phase
			case <-drainDeadline.C:
				break drain
			}
		}
	}

	// kill phase: anything still alive gets SIGKILL
	for _, w := range s.sortedMembers() {
		if graceful {
			s.lastErr = &ShutdownTimeout{PID: w.pid, Timeout: s.opts.DrainTimeout}
			s.logger.Warn("Worker did not drain in time, killing", "pid", w.pid)
			s.publish(events.WorkerKilledEvent{WorkerID: w.id, PID: w.pid})
		}
		s.kill(w)
	}

	killDeadline := time.NewTimer(s.opts.KillTimeout)
	defer killDeadline.Stop()
	for len(s.members) > 0 {
		select {
		case ev := <-s.exitCh:
			s.reap(ev)
		case <-s.readyCh:
		case <-s.killCh:
		case <-killDeadline.C:
			for pid := range s.members {
				s.logger.Error("Worker did not exit after kill, abandoning", "pid", pid)
				delete(s.members, pid)
			}
		}
	}

	s.mode = ModeShutdown
	s.logger.Info("Pool drained", "pid", os.Getpid())
}

// reap records a worker exit during shutdown.
func (s *Supervisor) reap(ev exitEvent) {
	w := ev.w
	w.state = StateExited
	w.exitCode = ev.code
	delete(s.members, w.pid)
	s.logger.Info("Worker stopped", "pid", w.pid, "exit_code", ev.code)
	s.publish(events.WorkerExitedEvent{
		WorkerID: w.id, PID: w.pid, ExitCode: ev.code,
		Members: len(s.members), Target: s.target,
	})
}

// status builds a point-in-time snapshot of pool state.
func (s *Supervisor) status() PoolStatus {
	members := make([]WorkerInfo, 0, len(s.members))
	for _, w := range s.sortedMembers() {
		members = append(members, w.info())
	}
	return PoolStatus{
		Target:    s.target,
		Mode:      s.mode,
		Members:   members,
		CrashLoop: s.guard.tripped,
		Err:       s.lastErr,
	}
}

func (s *Supervisor) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func removeWorker(workers []*worker, w *worker) []*worker {
	for i, cand := range workers {
		if cand == w {
			return append(workers[:i], workers[i+1:]...)
		}
	}
	return workers
}
