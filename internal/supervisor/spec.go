package supervisor

import (
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/prefork/prefork/internal/events"
)

// WorkSpec describes the unit of work every worker process runs.
// It is immutable once the pool starts.
type WorkSpec struct {
	// Command is the worker argv. Command[0] is the executable.
	Command []string

	// Env holds extra environment entries appended to the supervisor's own
	// environment when spawning workers.
	Env []string

	// Dir is the working directory for workers. Empty means inherit.
	Dir string

	// Listener is an optional pre-bound socket inherited by every worker
	// as fd 3, following the systemd socket activation convention. The
	// supervisor never reads from it; workers pick it up via pkg/runner.
	Listener *os.File
}

// VictimPolicy selects which members are terminated first on scale-down.
type VictimPolicy int

// Scale-down victim selection policies.
const (
	// NewestFirst terminates the most recently spawned workers first.
	// Younger workers are the least likely to carry long-lived client work.
	NewestFirst VictimPolicy = iota

	// OldestFirst terminates the longest-running workers first.
	OldestFirst
)

// Options configures a Supervisor. The zero value is usable; unset fields
// fall back to the defaults below.
type Options struct {
	// Workers is the initial target pool size. Minimum 1.
	Workers int

	// StartupGrace is how long a worker must stay alive after spawn before
	// it counts as running. A worker that exits earlier never reached
	// readiness.
	StartupGrace time.Duration

	// DrainTimeout is how long a worker is given to exit after a graceful
	// terminate request before it is force-killed.
	DrainTimeout time.Duration

	// KillTimeout is how long to wait for a worker to disappear after
	// SIGKILL before giving up on it.
	KillTimeout time.Duration

	// SpawnRetries is the number of retries after a failed spawn. The
	// very first worker of a fresh pool is never retried: a pool that
	// cannot start one worker is not viable.
	SpawnRetries int

	// SpawnBackoff is the initial retry delay, doubled on each attempt.
	SpawnBackoff time.Duration

	// MaxCrashes and CrashWindow configure the crash-loop guard: more than
	// MaxCrashes unrequested exits within CrashWindow suspends auto-respawn
	// until the operator intervenes. MaxCrashes <= 0 disables the guard.
	MaxCrashes  int
	CrashWindow time.Duration

	// HealthInterval enables a poll-based liveness check of all members in
	// addition to event-driven reaping. Zero disables polling.
	HealthInterval time.Duration

	// StopSignal is sent for graceful termination. Defaults to SIGTERM.
	StopSignal syscall.Signal

	// Victims is the scale-down selection policy. Defaults to NewestFirst.
	Victims VictimPolicy

	// Logger for supervisor operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// Bus receives worker lifecycle events. Optional.
	Bus *events.Bus
}

const (
	defaultStartupGrace = 2 * time.Second
	defaultDrainTimeout = 10 * time.Second
	defaultKillTimeout  = 5 * time.Second
	defaultSpawnRetries = 3
	defaultSpawnBackoff = 100 * time.Millisecond
	defaultMaxCrashes   = 5
	defaultCrashWindow  = 30 * time.Second
)

// withDefaults returns a copy of o with unset fields filled in.
func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = defaultStartupGrace
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = defaultKillTimeout
	}
	if o.SpawnRetries < 0 {
		o.SpawnRetries = defaultSpawnRetries
	}
	if o.SpawnBackoff <= 0 {
		o.SpawnBackoff = defaultSpawnBackoff
	}
	if o.MaxCrashes == 0 {
		o.MaxCrashes = defaultMaxCrashes
	}
	if o.CrashWindow <= 0 {
		o.CrashWindow = defaultCrashWindow
	}
	if o.StopSignal == 0 {
		o.StopSignal = syscall.SIGTERM
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
