package runner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
)

// Options configures Run. The zero value is usable.
type Options struct {
	// DrainTimeout is the grace period given to in-flight work after a
	// terminate request before the worker exits anyway. Default 10s.
	DrainTimeout time.Duration

	// Signals that count as a terminate request. Default SIGTERM, SIGINT.
	Signals []os.Signal

	// Logger for runner operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Run executes work inside a worker process and returns the process exit
// code. The work function must honor its context: on a terminate request
// (signal or parent context cancellation) the context is cancelled, the
// work gets the drain grace period to finish, and the worker exits.
//
// The exit code is the only outcome the supervisor sees: 0 for a clean
// finish or a cooperative requested stop, 1 for anything else.
func Run(ctx context.Context, work func(context.Context) error, opts *Options) int {
	o := opts.withDefaults()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- work(workCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, o.Signals...)
	defer signal.Stop(sigCh)

	select {
	case err := <-done:
		return exitCode(o.Logger, err)
	case sig := <-sigCh:
		o.Logger.Info("Received terminate request", "signal", sig.String())
	case <-ctx.Done():
		o.Logger.Info("Parent context cancelled")
	}

	// Ordered shutdown: cancel the work context so nothing new is
	// accepted, then give in-flight work a bounded grace period.
	cancel()
	select {
	case err := <-done:
		return exitCode(o.Logger, err)
	case <-time.After(o.DrainTimeout):
		o.Logger.Error("In-flight work did not finish within grace period", "timeout", o.DrainTimeout)
		return 1
	}
}

func exitCode(logger *slog.Logger, err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	logger.Error("Work failed", "error", err)
	return 1
}

// Listeners returns the pre-bound sockets inherited from the supervisor,
// fd 3 onwards per the systemd socket activation convention. Returns
// (nil, nil) when the worker was started without inherited sockets.
//
// The supervisor cannot know a worker's pid before fork, so it sets only
// LISTEN_FDS; the worker claims the fds for its own pid here before
// handing off to the activation package.
func Listeners() ([]net.Listener, error) {
	if os.Getenv("LISTEN_FDS") == "" {
		return nil, nil
	}
	if os.Getenv("LISTEN_PID") == "" {
		if err := os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid())); err != nil {
			return nil, err
		}
	}
	return activation.Listeners()
}
