// Package supervisor keeps a pool of identical worker processes at a
// target size and reshapes it at runtime through OS signals or direct
// calls, without restarting the supervising process.
//
// The pool is driven by a single control loop that owns all state:
// spawns, exits, readiness, signal-derived commands, and timeouts all
// arrive as events on channels and are processed one at a time, so no
// locking is needed anywhere in the state machine.
//
//   - Scale up/down (SIGTTIN/SIGTTOU or Scale): the target count moves,
//     clamped to a floor of one; scale-down terminates the newest members
//     first by default.
//   - Rolling restart (SIGHUP or RollingRestart): members are replaced
//     one at a time, spawn-then-terminate, so the live count never drops
//     below target-1.
//   - Shutdown (SIGINT/SIGTERM or Shutdown): graceful terminate, bounded
//     drain, force-kill stragglers, return once the pool is empty.
//
// Crashed workers are replaced automatically; the classification between
// a crash and an expected exit is strictly "was a terminate request
// issued for this handle", never the exit code. A crash-loop guard
// suspends respawning when crashes exceed a threshold within a sliding
// window, leaving the surviving workers untouched.
//
// Example:
//
//	s := supervisor.New(supervisor.WorkSpec{
//	    Command: []string{"/usr/bin/myworker", "--queue", "jobs"},
//	}, supervisor.Options{Workers: 4})
//	if err := s.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor
