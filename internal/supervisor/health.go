package supervisor

import (
	"syscall"
	"time"
)

// crashGuard rate-limits auto-respawn: more than max unrequested exits
// within the sliding window trips the guard, and respawning is suspended
// until the guard is reset by operator intervention (a rolling restart).
type crashGuard struct {
	max     int
	window  time.Duration
	crashes []time.Time
	tripped bool
}

func newCrashGuard(max int, window time.Duration) *crashGuard {
	return &crashGuard{max: max, window: window}
}

// record registers a crash at the given time and reports whether the
// guard is tripped. A non-positive max disables the guard.
func (g *crashGuard) record(now time.Time) bool {
	if g.max <= 0 {
		return false
	}
	cutoff := now.Add(-g.window)
	kept := g.crashes[:0]
	for _, ts := range g.crashes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.crashes = append(kept, now)
	if len(g.crashes) > g.max {
		g.tripped = true
	}
	return g.tripped
}

// reset clears crash history and re-enables auto-respawn.
func (g *crashGuard) reset() {
	g.crashes = g.crashes[:0]
	g.tripped = false
}

// checkLiveness is the poll-based fallback to event-driven reaping: it
// probes every non-exited member with signal 0. A probe failure means the
// process is already gone; the waiter goroutine delivers the actual exit.
func (s *Supervisor) checkLiveness() {
	for _, w := range s.members {
		if w.state == StateExited {
			continue
		}
		if err := w.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			s.logger.Warn("Worker failed liveness probe", "pid", w.pid, "error", err)
		}
	}
}
