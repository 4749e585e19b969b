package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prefork/prefork/internal/logging"
	"github.com/prefork/prefork/internal/supervisor"
)

// CreateRunCmd creates the run command: a self-contained foreground pool
// for one worker command, configured entirely from flags.
func CreateRunCmd() *cobra.Command {
	var (
		workers        int
		bind           string
		dir            string
		startupGrace   time.Duration
		drainTimeout   time.Duration
		killTimeout    time.Duration
		maxCrashes     int
		crashWindow    time.Duration
		healthInterval time.Duration
		victims        string
		logJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Supervise a pool of worker processes",
		Long: `Spawns the given command as a pool of identical worker processes and keeps ` +
			`the pool at its target size. SIGTTIN/SIGTTOU scale the pool up and down, ` +
			`SIGHUP performs a rolling restart, and SIGINT/SIGTERM drain it.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			loggingConfig := logging.Config{
				Level:  "info",
				Format: "text",
			}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("supervisor")

			spec := supervisor.WorkSpec{
				Command: args,
				Dir:     dir,
			}

			if bind != "" {
				file, err := bindListener(bind)
				if err != nil {
					logger.Error("Failed to bind listener", "addr", bind, "error", err)
					os.Exit(1)
				}
				defer file.Close()
				spec.Listener = file
				logger.Info("Listener bound, workers inherit it as fd 3", "addr", bind)
			}

			sup := supervisor.New(spec, supervisor.Options{
				Workers:        workers,
				StartupGrace:   startupGrace,
				DrainTimeout:   drainTimeout,
				KillTimeout:    killTimeout,
				MaxCrashes:     maxCrashes,
				CrashWindow:    crashWindow,
				HealthInterval: healthInterval,
				Victims:        victimPolicy(victims, logger),
				Logger:         logger,
			})

			if err := sup.Run(context.Background()); err != nil {
				logger.Error("Pool failed", "error", err)
				os.Exit(1)
			}

			st := sup.Snapshot()
			if st.Err != nil {
				logger.Warn("Pool exited with degraded status", "error", st.Err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 1, "Number of worker processes")
	cmd.Flags().StringVar(&bind, "bind", "", "TCP address to pre-bind and share with workers (host:port)")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for workers")
	cmd.Flags().DurationVar(&startupGrace, "startup-grace", 2*time.Second, "Time a worker must survive before counting as running")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "Grace period before a stubborn worker is killed")
	cmd.Flags().DurationVar(&killTimeout, "kill-timeout", 5*time.Second, "Time to wait for a killed worker to disappear")
	cmd.Flags().IntVar(&maxCrashes, "max-crashes", 5, "Crashes tolerated within the crash window before respawn is suspended")
	cmd.Flags().DurationVar(&crashWindow, "crash-window", 30*time.Second, "Sliding window for the crash-loop guard")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 0, "Poll-based liveness check interval, 0 disables")
	cmd.Flags().StringVar(&victims, "victims", "newest", "Scale-down victim selection: newest or oldest")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")

	return cmd
}

// bindListener binds a TCP socket and returns its dup'd file for worker
// inheritance. The listener itself is closed; only the file matters.
func bindListener(addr string) (*os.File, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpLn := ln.(*net.TCPListener)
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return nil, err
	}
	// The dup'd fd keeps the socket open for workers.
	ln.Close()
	return file, nil
}

func victimPolicy(name string, logger *slog.Logger) supervisor.VictimPolicy {
	switch name {
	case "oldest":
		return supervisor.OldestFirst
	case "newest", "":
		return supervisor.NewestFirst
	default:
		logger.Warn("Unknown victim policy, using newest", "policy", name)
		return supervisor.NewestFirst
	}
}
