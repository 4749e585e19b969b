package supervisor

import (
	"fmt"
	"time"
)

// SpawnError reports a failed attempt to create a worker process. It is
// fatal when the first worker of a fresh pool cannot be spawned; later
// occurrences degrade capacity but keep the pool running.
type SpawnError struct {
	Attempts int
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CrashLoopError reports that workers crashed more than the configured
// threshold within the crash window. Auto-respawn is suspended; healthy
// workers keep running until the operator intervenes.
type CrashLoopError struct {
	Crashes int
	Window  time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("crash loop: %d worker crashes within %s, auto-respawn suspended", e.Crashes, e.Window)
}

// ReadinessTimeout reports that a rolling-restart replacement exited
// before completing startup. The rolling restart is aborted; the old
// generation keeps running.
type ReadinessTimeout struct {
	PID      int
	ExitCode int
}

func (e *ReadinessTimeout) Error() string {
	return fmt.Sprintf("replacement worker (pid %d) exited with code %d before becoming ready", e.PID, e.ExitCode)
}

// ShutdownTimeout reports that a worker ignored a graceful terminate
// request past its deadline and was force-killed.
type ShutdownTimeout struct {
	PID     int
	Timeout time.Duration
}

func (e *ShutdownTimeout) Error() string {
	return fmt.Sprintf("worker (pid %d) ignored terminate request for %s, killed", e.PID, e.Timeout)
}
