package supervisor

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/rs/xid"
)

// worker is the supervisor-side record of one spawned process. All fields
// are owned by the control loop; nothing here is touched concurrently.
type worker struct {
	id            string
	pid           int
	cmd           *exec.Cmd
	state         State
	startedAt     time.Time
	stopRequested bool
	exitCode      int
	done          chan error // receives the cmd.Wait result once
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:        w.id,
		PID:       w.pid,
		State:     w.state,
		StartedAt: w.startedAt,
		ExitCode:  w.exitCode,
	}
}

// exitEvent is delivered to the control loop exactly once per spawned
// worker, after the process has been reaped.
type exitEvent struct {
	w    *worker
	code int
}

// readyEvent is delivered when a worker survives the startup grace period.
type readyEvent struct {
	w *worker
}

// spawn starts one worker process from the pool's WorkSpec and launches
// its output streamers and waiter goroutine. The returned handle is in
// StateStarting; it is not yet a pool member.
func (s *Supervisor) spawn() (*worker, error) {
	argv := s.spec.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), s.spec.Env...)
	cmd.Dir = s.spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.spec.Listener != nil {
		// fd 3 in the child, systemd socket activation numbering. The
		// child pid is unknown before start, so LISTEN_PID is left for
		// the worker side to claim (see pkg/runner).
		cmd.ExtraFiles = []*os.File{s.spec.Listener}
		cmd.Env = append(cmd.Env, "LISTEN_FDS=1")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &worker{
		id:        xid.New().String(),
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		state:     StateStarting,
		startedAt: time.Now(),
		done:      make(chan error, 1),
	}

	s.logger.Info("Worker started", "worker", w.id, "pid", w.pid)

	workerLog := s.logger.With("worker", w.id, "pid", w.pid)
	go streamOutput(workerLog, stdout, "stdout")
	go streamOutput(workerLog, stderr, "stderr")

	go func() {
		w.done <- cmd.Wait()
	}()
	go s.watch(w)

	return w, nil
}

// watch turns one worker's lifetime into control-loop events: a ready
// event once the startup grace period passes, then the exit event.
func (s *Supervisor) watch(w *worker) {
	select {
	case err := <-w.done:
		s.exitCh <- exitEvent{w: w, code: exitCodeFromError(err)}
		return
	case <-time.After(s.opts.StartupGrace):
		s.readyCh <- readyEvent{w: w}
	}
	err := <-w.done
	s.exitCh <- exitEvent{w: w, code: exitCodeFromError(err)}
}

// terminate issues a graceful stop request and arms a force-kill timer in
// case the worker ignores it. Classification of the eventual exit keys off
// stopRequested, never off the exit code.
func (s *Supervisor) terminate(w *worker) {
	w.stopRequested = true
	w.state = StateStopping
	s.logger.Info("Stopping worker", "pid", w.pid, "signal", s.opts.StopSignal.String())
	if err := w.cmd.Process.Signal(s.opts.StopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to signal worker", "pid", w.pid, "error", err)
	}

	time.AfterFunc(s.opts.DrainTimeout, func() {
		select {
		case s.killCh <- w:
		default:
			// loop is draining or gone; shutdown has its own kill phase
		}
	})
}

// kill force-kills a worker.
func (s *Supervisor) kill(w *worker) {
	w.stopRequested = true
	w.state = StateStopping
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill worker", "pid", w.pid, "error", err)
	}
}

// sortedMembers returns the pool members ordered oldest first, pid as the
// tie-breaker so the order is deterministic.
func (s *Supervisor) sortedMembers() []*worker {
	members := make([]*worker, 0, len(s.members))
	for _, w := range s.members {
		members = append(members, w)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].startedAt.Equal(members[j].startedAt) {
			return members[i].pid < members[j].pid
		}
		return members[i].startedAt.Before(members[j].startedAt)
	})
	return members
}

// pickVictims selects up to n members for scale-down termination according
// to the configured policy. Members already stopping are never picked.
func (s *Supervisor) pickVictims(n int) []*worker {
	candidates := make([]*worker, 0, len(s.members))
	for _, w := range s.sortedMembers() {
		if !w.stopRequested && w.state != StateExited {
			candidates = append(candidates, w)
		}
	}
	if s.opts.Victims == NewestFirst {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}
	if n < 0 {
		n = 0
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// exitCodeFromError extracts the exit code from a cmd.Wait error.
// Returns 0 for nil, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// streamOutput forwards worker output lines to the supervisor log.
func streamOutput(logger *slog.Logger, reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		logger.Info(scanner.Text(), "source", source)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Error reading worker output", "source", source, "error", err)
	}
}
