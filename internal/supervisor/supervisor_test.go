package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopSpec is a worker that runs until asked to stop.
func loopSpec() WorkSpec {
	return WorkSpec{
		Command: []string{"sh", "-c", "trap 'exit 0' INT TERM; while :; do sleep 0.1; done"},
	}
}

// fastOpts shortens every timing knob so tests settle quickly.
func fastOpts(workers int) Options {
	return Options{
		Workers:      workers,
		StartupGrace: 50 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
		KillTimeout:  2 * time.Second,
		SpawnBackoff: 10 * time.Millisecond,
		Logger:       testLogger(),
	}
}

// runPool starts the supervisor in a goroutine and returns the channel
// that receives Run's result.
func runPool(t *testing.T, sup *Supervisor) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	return done
}

// waitFor polls Snapshot until cond holds or the timeout passes.
func waitFor(t *testing.T, sup *Supervisor, timeout time.Duration, desc string, cond func(PoolStatus) bool) PoolStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var st PoolStatus
	for time.Now().Before(deadline) {
		st = sup.Snapshot()
		if cond(st) {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, last status: %+v", desc, st)
	return st
}

// drainPool shuts the pool down and waits for Run to return.
func drainPool(t *testing.T, sup *Supervisor, done chan error) {
	t.Helper()
	sup.Shutdown(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPoolStartsTargetWorkers(t *testing.T) {
	sup := New(loopSpec(), fastOpts(3))
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "3 running workers", func(st PoolStatus) bool {
		return st.Running() == 3
	})
	if st.Target != 3 {
		t.Errorf("Target = %d, want 3", st.Target)
	}
	if st.Mode != ModeRunning {
		t.Errorf("Mode = %q, want %q", st.Mode, ModeRunning)
	}
	for _, m := range st.Members {
		if m.PID <= 0 {
			t.Errorf("member %s has invalid pid %d", m.ID, m.PID)
		}
	}

	drainPool(t, sup, done)
}

func TestEmptyCommandRejected(t *testing.T) {
	sup := New(WorkSpec{}, fastOpts(1))
	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestFirstSpawnFailureIsFatal(t *testing.T) {
	sup := New(WorkSpec{Command: []string{"/nonexistent/worker-binary"}}, fastOpts(2))
	err := sup.Run(context.Background())

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Run returned %v, want *SpawnError", err)
	}
	if spawnErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (no retries for the first worker)", spawnErr.Attempts)
	}
}

func TestScaleUpAndDown(t *testing.T) {
	sup := New(loopSpec(), fastOpts(2))
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})

	sup.Scale(2)
	st := waitFor(t, sup, 5*time.Second, "4 running workers", func(st PoolStatus) bool {
		return st.Running() == 4
	})
	if st.Target != 4 {
		t.Errorf("Target = %d, want 4", st.Target)
	}

	sup.Scale(-2)
	st = waitFor(t, sup, 5*time.Second, "back to 2 workers", func(st PoolStatus) bool {
		return len(st.Members) == 2 && st.Running() == 2
	})
	if st.Target != 2 {
		t.Errorf("Target = %d, want 2", st.Target)
	}

	drainPool(t, sup, done)
}

func TestScaleToSetsAbsoluteTarget(t *testing.T) {
	sup := New(loopSpec(), fastOpts(1))
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "1 running worker", func(st PoolStatus) bool {
		return st.Running() == 1
	})

	sup.ScaleTo(3)
	st := waitFor(t, sup, 5*time.Second, "3 running workers", func(st PoolStatus) bool {
		return st.Running() == 3
	})
	if st.Target != 3 {
		t.Errorf("Target = %d, want 3", st.Target)
	}

	drainPool(t, sup, done)
}

func TestScaleDownFloorOfOne(t *testing.T) {
	sup := New(loopSpec(), fastOpts(1))
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "1 running worker", func(st PoolStatus) bool {
		return st.Running() == 1
	})
	originalPID := st.Members[0].PID

	sup.Scale(-1)
	time.Sleep(200 * time.Millisecond)

	st = sup.Snapshot()
	if st.Target != 1 {
		t.Errorf("Target = %d, want 1", st.Target)
	}
	if len(st.Members) != 1 || st.Members[0].PID != originalPID {
		t.Errorf("last worker was disturbed by scale-down below one: %+v", st.Members)
	}

	drainPool(t, sup, done)
}

func TestScaleDownPicksNewestFirst(t *testing.T) {
	sup := New(loopSpec(), fastOpts(1))
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "1 running worker", func(st PoolStatus) bool {
		return st.Running() == 1
	})
	oldestPID := st.Members[0].PID

	sup.Scale(2)
	waitFor(t, sup, 5*time.Second, "3 running workers", func(st PoolStatus) bool {
		return st.Running() == 3
	})

	sup.Scale(-2)
	st = waitFor(t, sup, 5*time.Second, "back to 1 worker", func(st PoolStatus) bool {
		return len(st.Members) == 1
	})
	if st.Members[0].PID != oldestPID {
		t.Errorf("surviving pid = %d, want oldest %d", st.Members[0].PID, oldestPID)
	}

	drainPool(t, sup, done)
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	sup := New(loopSpec(), fastOpts(2))
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})
	victimPID := st.Members[0].PID

	if err := syscall.Kill(victimPID, syscall.SIGKILL); err != nil {
		t.Fatalf("failed to kill worker %d: %v", victimPID, err)
	}

	st = waitFor(t, sup, 5*time.Second, "replacement worker", func(st PoolStatus) bool {
		if st.Running() != 2 {
			return false
		}
		for _, m := range st.Members {
			if m.PID == victimPID {
				return false
			}
		}
		return true
	})
	if st.CrashLoop {
		t.Error("single crash tripped the crash-loop guard")
	}

	drainPool(t, sup, done)
}

func TestCrashLoopSuspendsRespawn(t *testing.T) {
	opts := fastOpts(1)
	opts.MaxCrashes = 1
	opts.CrashWindow = time.Minute
	opts.StartupGrace = time.Second

	sup := New(WorkSpec{Command: []string{"sh", "-c", "exit 7"}}, opts)
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "crash-loop guard trip", func(st PoolStatus) bool {
		return st.CrashLoop
	})
	if len(st.Members) != 0 {
		t.Errorf("members = %d, want 0 after guard trip", len(st.Members))
	}
	var loopErr *CrashLoopError
	if !errors.As(st.Err, &loopErr) {
		t.Errorf("Err = %v, want *CrashLoopError", st.Err)
	}

	drainPool(t, sup, done)
}

func TestRollingRestartReplacesAllWorkers(t *testing.T) {
	sup := New(loopSpec(), fastOpts(2))
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})
	oldPIDs := map[int]bool{}
	for _, m := range st.Members {
		oldPIDs[m.PID] = true
	}

	// Sample live membership throughout the restart: the pool must never
	// dip below target-1 running-or-stopping workers.
	minLive := make(chan int, 1)
	stopSampling := make(chan struct{})
	go func() {
		lowest := len(st.Members)
		for {
			select {
			case <-stopSampling:
				minLive <- lowest
				return
			default:
			}
			live := 0
			for _, m := range sup.Snapshot().Members {
				if m.State == StateRunning || m.State == StateStopping {
					live++
				}
			}
			if live < lowest {
				lowest = live
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	sup.RollingRestart()

	st = waitFor(t, sup, 10*time.Second, "rolling restart completion", func(st PoolStatus) bool {
		if st.Mode != ModeRunning || st.Running() != 2 {
			return false
		}
		for _, m := range st.Members {
			if oldPIDs[m.PID] {
				return false
			}
		}
		return true
	})
	close(stopSampling)
	if lowest := <-minLive; lowest < 1 {
		t.Errorf("live workers dipped to %d during restart, want >= 1", lowest)
	}
	if st.Err != nil {
		t.Errorf("Err = %v after successful rolling restart", st.Err)
	}

	drainPool(t, sup, done)
}

func TestRollingRestartSurvivesOldGenerationCrash(t *testing.T) {
	// The last old-generation worker crashes while its replacement is
	// still in the grace period; the restart must finish at the target
	// size without aborting.
	opts := fastOpts(1)
	opts.StartupGrace = 500 * time.Millisecond
	sup := New(loopSpec(), opts)
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "1 running worker", func(st PoolStatus) bool {
		return st.Running() == 1
	})
	oldPID := st.Members[0].PID

	sup.RollingRestart()
	waitFor(t, sup, 5*time.Second, "replacement spawned", func(st PoolStatus) bool {
		return len(st.Members) == 2
	})
	if err := syscall.Kill(oldPID, syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}

	st = waitFor(t, sup, 5*time.Second, "pool settled", func(st PoolStatus) bool {
		return st.Mode == ModeRunning && st.Running() == 1 && len(st.Members) == 1
	})
	if st.Err != nil {
		t.Errorf("Err = %v, want nil", st.Err)
	}
	if st.Members[0].PID == oldPID {
		t.Errorf("crashed pid %d still a member", oldPID)
	}

	drainPool(t, sup, done)
}

func TestRollingRestartAbortsOnEarlyReplacementExit(t *testing.T) {
	// Workers exit immediately once the flag file exists, so replacements
	// spawned after the flag is set never reach readiness.
	flag := filepath.Join(t.TempDir(), "fail-new-workers")
	spec := WorkSpec{
		Command: []string{"sh", "-c", fmt.Sprintf(
			"test -e %s && exit 1; trap 'exit 0' INT TERM; while :; do sleep 0.1; done", flag)},
	}

	opts := fastOpts(2)
	opts.StartupGrace = 200 * time.Millisecond
	sup := New(spec, opts)
	done := runPool(t, sup)

	st := waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})
	oldPIDs := map[int]bool{}
	for _, m := range st.Members {
		oldPIDs[m.PID] = true
	}

	if err := touch(flag); err != nil {
		t.Fatal(err)
	}
	sup.RollingRestart()

	st = waitFor(t, sup, 5*time.Second, "rolling restart abort", func(st PoolStatus) bool {
		return st.Mode == ModeRunning && st.Err != nil
	})
	var readyErr *ReadinessTimeout
	if !errors.As(st.Err, &readyErr) {
		t.Errorf("Err = %v, want *ReadinessTimeout", st.Err)
	}
	if len(st.Members) != 2 {
		t.Fatalf("members = %d, want the old generation intact", len(st.Members))
	}
	for _, m := range st.Members {
		if !oldPIDs[m.PID] {
			t.Errorf("unexpected new member pid %d after abort", m.PID)
		}
	}

	drainPool(t, sup, done)
}

func TestGracefulShutdownEmptiesPool(t *testing.T) {
	sup := New(loopSpec(), fastOpts(3))
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "3 running workers", func(st PoolStatus) bool {
		return st.Running() == 3
	})

	sup.Shutdown(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("graceful shutdown did not complete")
	}

	st := sup.Snapshot()
	if len(st.Members) != 0 {
		t.Errorf("members = %d after shutdown, want 0", len(st.Members))
	}
	if st.Mode != ModeShutdown {
		t.Errorf("Mode = %q, want %q", st.Mode, ModeShutdown)
	}
}

func TestShutdownKillsStubbornWorkers(t *testing.T) {
	opts := fastOpts(2)
	opts.DrainTimeout = 200 * time.Millisecond

	// Workers that ignore the stop signal entirely.
	sup := New(WorkSpec{
		Command: []string{"sh", "-c", "trap '' INT TERM; while :; do sleep 0.1; done"},
	}, opts)
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})

	start := time.Now()
	sup.Shutdown(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if elapsed := time.Since(start); elapsed < opts.DrainTimeout {
		t.Errorf("shutdown finished in %v, before the drain timeout", elapsed)
	}

	st := sup.Snapshot()
	if len(st.Members) != 0 {
		t.Errorf("members = %d after kill phase, want 0", len(st.Members))
	}
	var timeoutErr *ShutdownTimeout
	if !errors.As(st.Err, &timeoutErr) {
		t.Errorf("Err = %v, want *ShutdownTimeout", st.Err)
	}
}

func TestImmediateShutdownSkipsDrain(t *testing.T) {
	sup := New(loopSpec(), fastOpts(2))
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})

	sup.Shutdown(false)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("immediate shutdown did not complete")
	}

	if st := sup.Snapshot(); len(st.Members) != 0 {
		t.Errorf("members = %d after immediate shutdown, want 0", len(st.Members))
	}
}

func TestContextCancelDrainsPool(t *testing.T) {
	sup := New(loopSpec(), fastOpts(2))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, sup, 5*time.Second, "2 running workers", func(st PoolStatus) bool {
		return st.Running() == 2
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not drain on context cancel")
	}

	if st := sup.Snapshot(); len(st.Members) != 0 {
		t.Errorf("members = %d after context cancel, want 0", len(st.Members))
	}
}

func TestScaleIgnoredDuringShutdown(t *testing.T) {
	sup := New(loopSpec(), fastOpts(1))
	done := runPool(t, sup)

	waitFor(t, sup, 5*time.Second, "1 running worker", func(st PoolStatus) bool {
		return st.Running() == 1
	})

	// Both commands are queued before the loop wakes; the scale arriving
	// after the shutdown must be dropped, not resurrect the pool.
	sup.Shutdown(true)
	sup.Scale(5)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if st := sup.Snapshot(); len(st.Members) != 0 {
		t.Errorf("members = %d, scale was applied after shutdown", len(st.Members))
	}
}

func touch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
