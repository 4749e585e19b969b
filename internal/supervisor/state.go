package supervisor

import "time"

// State represents the lifecycle state of one worker process.
type State string

// Worker states. A worker never leaves StateExited; a replacement is
// always a brand-new handle with a new pid.
const (
	StateStarting State = "starting" // Spawned, inside the startup grace period
	StateRunning  State = "running"  // Survived the startup grace period
	StateStopping State = "stopping" // Terminate request issued
	StateExited   State = "exited"   // Reaped
)

// Mode represents the pool-wide operating mode.
type Mode string

// Pool modes.
const (
	ModeRunning  Mode = "running"
	ModeRolling  Mode = "rolling-restart"
	ModeDraining Mode = "draining"
	ModeShutdown Mode = "shutdown"
)

// WorkerInfo is a point-in-time view of one pool member.
type WorkerInfo struct {
	ID        string
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int // meaningful once State is StateExited
}

// PoolStatus is a consistent snapshot of pool state, served by the
// control loop so no locking is involved.
type PoolStatus struct {
	Target    int
	Mode      Mode
	Members   []WorkerInfo // oldest first
	CrashLoop bool
	Err       error // last recoverable error, nil when healthy
}

// Running counts members in StateRunning.
func (s PoolStatus) Running() int {
	n := 0
	for _, m := range s.Members {
		if m.State == StateRunning {
			n++
		}
	}
	return n
}
