package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStarted uint32 = iota + 1
	TypeWorkerReady
	TypeWorkerExited
	TypeWorkerCrashed
	TypeWorkerKilled
	TypePoolScaled
	TypeRollingRestartStarted
	TypeRollingRestartCompleted
	TypeRollingRestartAborted
	TypeCrashLoop
	TypeShutdownStarted
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStartedEvent is published when a worker process is spawned.
type WorkerStartedEvent struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	Members  int    `json:"members"`
	Target   int    `json:"target"`
}

// Type returns the event type identifier for WorkerStartedEvent.
func (e WorkerStartedEvent) Type() uint32 { return TypeWorkerStarted }

// WorkerReadyEvent is published when a worker survives the startup grace
// period and counts as running.
type WorkerReadyEvent struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// Type returns the event type identifier for WorkerReadyEvent.
func (e WorkerReadyEvent) Type() uint32 { return TypeWorkerReady }

// WorkerExitedEvent is published when a worker exits after being asked to
// stop (scale-down, rolling restart, or drain).
type WorkerExitedEvent struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Members  int    `json:"members"`
	Target   int    `json:"target"`
}

// Type returns the event type identifier for WorkerExitedEvent.
func (e WorkerExitedEvent) Type() uint32 { return TypeWorkerExited }

// WorkerCrashedEvent is published when a worker exits without a terminate
// request having been issued for it.
type WorkerCrashedEvent struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Members  int    `json:"members"`
	Target   int    `json:"target"`
}

// Type returns the event type identifier for WorkerCrashedEvent.
func (e WorkerCrashedEvent) Type() uint32 { return TypeWorkerCrashed }

// WorkerKilledEvent is published when a worker ignores a graceful
// terminate request and is force-killed.
type WorkerKilledEvent struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// Type returns the event type identifier for WorkerKilledEvent.
func (e WorkerKilledEvent) Type() uint32 { return TypeWorkerKilled }

// PoolScaledEvent is published when the target pool size changes.
type PoolScaledEvent struct {
	Members int `json:"members"`
	Target  int `json:"target"`
}

// Type returns the event type identifier for PoolScaledEvent.
func (e PoolScaledEvent) Type() uint32 { return TypePoolScaled }

// RollingRestartStartedEvent is published when a rolling restart begins.
type RollingRestartStartedEvent struct {
	Workers int `json:"workers"`
}

// Type returns the event type identifier for RollingRestartStartedEvent.
func (e RollingRestartStartedEvent) Type() uint32 { return TypeRollingRestartStarted }

// RollingRestartCompletedEvent is published when every member has been
// replaced by a new generation.
type RollingRestartCompletedEvent struct {
	Workers int `json:"workers"`
}

// Type returns the event type identifier for RollingRestartCompletedEvent.
func (e RollingRestartCompletedEvent) Type() uint32 { return TypeRollingRestartCompleted }

// RollingRestartAbortedEvent is published when a replacement fails
// readiness and the rolling restart stops early.
type RollingRestartAbortedEvent struct {
	Reason string `json:"reason"`
}

// Type returns the event type identifier for RollingRestartAbortedEvent.
func (e RollingRestartAbortedEvent) Type() uint32 { return TypeRollingRestartAborted }

// CrashLoopEvent is published when the crash-loop guard trips.
type CrashLoopEvent struct {
	Crashes int    `json:"crashes"`
	Window  string `json:"window"`
}

// Type returns the event type identifier for CrashLoopEvent.
func (e CrashLoopEvent) Type() uint32 { return TypeCrashLoop }

// ShutdownStartedEvent is published when the pool begins draining.
type ShutdownStartedEvent struct {
	Members  int  `json:"members"`
	Graceful bool `json:"graceful"`
}

// Type returns the event type identifier for ShutdownStartedEvent.
func (e ShutdownStartedEvent) Type() uint32 { return TypeShutdownStarted }
