package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/pelletier/go-toml/v2"

	"github.com/prefork/prefork/cmd"
	"github.com/prefork/prefork/internal/config"
	"github.com/prefork/prefork/internal/events"
	"github.com/prefork/prefork/internal/logging"
	"github.com/prefork/prefork/internal/metrics"
	natsctl "github.com/prefork/prefork/internal/nats"
	"github.com/prefork/prefork/internal/supervisor"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"prefork.toml"`

	// Worker settings
	WorkerCommand string `help:"Worker command line, whitespace-separated" toml:"worker.command" env:"WORKER_COMMAND"`
	WorkerDir     string `help:"Working directory for workers" toml:"worker.dir" env:"WORKER_DIR"`
	WorkerBind    string `help:"TCP address to pre-bind and share with workers" toml:"worker.bind" env:"WORKER_BIND"`

	// Pool settings
	PoolWorkers        int    `help:"Number of worker processes" short:"n" default:"1" toml:"pool.workers" env:"POOL_WORKERS"`
	PoolStartupGrace   string `help:"Time a worker must survive before counting as running" default:"2s" toml:"pool.startup_grace" env:"POOL_STARTUP_GRACE"`
	PoolDrainTimeout   string `help:"Grace period before a stubborn worker is killed" default:"10s" toml:"pool.drain_timeout" env:"POOL_DRAIN_TIMEOUT"`
	PoolKillTimeout    string `help:"Time to wait for a killed worker to disappear" default:"5s" toml:"pool.kill_timeout" env:"POOL_KILL_TIMEOUT"`
	PoolMaxCrashes     int    `help:"Crashes tolerated within the crash window" default:"5" toml:"pool.max_crashes" env:"POOL_MAX_CRASHES"`
	PoolCrashWindow    string `help:"Sliding window for the crash-loop guard" default:"30s" toml:"pool.crash_window" env:"POOL_CRASH_WINDOW"`
	PoolHealthInterval string `help:"Poll-based liveness check interval, 0 disables" default:"0s" toml:"pool.health_interval" env:"POOL_HEALTH_INTERVAL"`
	PoolVictims        string `help:"Scale-down victim selection: newest or oldest" default:"newest" toml:"pool.victims" env:"POOL_VICTIMS"`

	// Metrics settings
	MetricsAddr string `help:"Prometheus metrics listen address, empty disables" default:"" toml:"metrics.addr" env:"METRICS_ADDR"`

	// NATS control plane settings
	NatsEmbedded bool   `help:"Run an embedded NATS server for the control plane" default:"false" toml:"nats.embedded" env:"NATS_EMBEDDED"`
	NatsPort     int    `help:"Embedded NATS server port" default:"4222" toml:"nats.port" env:"NATS_PORT"`
	NatsURL      string `help:"External NATS server URL, empty disables the bridge" default:"" toml:"nats.url" env:"NATS_URL"`

	// Logging settings. Per-module levels live in the [logging] section of
	// the config file, e.g. supervisor = "debug".
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

// poolFileConfig is the subset of the config file the hot-reload watcher
// cares about. Only the worker count can change at runtime.
type poolFileConfig struct {
	Pool struct {
		Workers int `toml:"workers"`
	} `toml:"pool"`
}

func loadPoolFileConfig(path string) (poolFileConfig, error) {
	var cfg poolFileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = toml.Unmarshal(data, &cfg)
	return cfg, err
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.Load(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logCfg := config.LoadLoggingConfig(opts.Config)
		logCfg.Level = opts.LoggingLevel
		logCfg.Format = opts.LoggingFormat
		logging.Initialize(logCfg)
		logger := logging.GetLogger("main")

		argv := strings.Fields(opts.WorkerCommand)
		if len(argv) == 0 {
			logger.Error("No worker command configured, set worker.command in the config file or use the run subcommand")
			os.Exit(1)
		}

		spec := supervisor.WorkSpec{
			Command: argv,
			Dir:     opts.WorkerDir,
		}
		if opts.WorkerBind != "" {
			file, err := bindListener(opts.WorkerBind)
			if err != nil {
				logger.Error("Failed to bind listener", "addr", opts.WorkerBind, "error", err)
				os.Exit(1)
			}
			spec.Listener = file
			logger.Info("Listener bound, workers inherit it as fd 3", "addr", opts.WorkerBind)
		}

		eventBus := events.New()
		recorder := metrics.NewRecorder(eventBus)

		sup := supervisor.New(spec, supervisor.Options{
			Workers:        opts.PoolWorkers,
			StartupGrace:   parseDuration(opts.PoolStartupGrace, 2*time.Second),
			DrainTimeout:   parseDuration(opts.PoolDrainTimeout, 10*time.Second),
			KillTimeout:    parseDuration(opts.PoolKillTimeout, 5*time.Second),
			MaxCrashes:     opts.PoolMaxCrashes,
			CrashWindow:    parseDuration(opts.PoolCrashWindow, 30*time.Second),
			HealthInterval: parseDuration(opts.PoolHealthInterval, 0),
			Victims:        victimPolicy(opts.PoolVictims, logger),
			Logger:         logging.GetLogger("supervisor"),
			Bus:            eventBus,
		})

		// Hot-reload: pool.workers changes in the config file retarget the
		// running pool without a restart.
		watcher := config.NewWatcher(opts.Config, loadPoolFileConfig, logger)
		lastWorkers := opts.PoolWorkers
		watcher.OnReload(func(cfg poolFileConfig) {
			if cfg.Pool.Workers < 1 || cfg.Pool.Workers == lastWorkers {
				return
			}
			logger.Info("Config changed, retargeting pool", "workers", cfg.Pool.Workers)
			lastWorkers = cfg.Pool.Workers
			sup.ScaleTo(cfg.Pool.Workers)
		})
		var metricsServer *http.Server
		if opts.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", recorder.Handler())
			metricsServer = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		}

		natsLogger := logging.GetLogger("nats")
		var natsServer *natsctl.Server
		natsURL := opts.NatsURL
		if opts.NatsEmbedded {
			natsServer = natsctl.NewServer(natsctl.ServerOptions{
				Port:   opts.NatsPort,
				Logger: natsLogger,
			})
			natsURL = natsServer.ClientURL()
		}
		var bridge *natsctl.Bridge
		if natsURL != "" {
			bridge = natsctl.NewBridge(natsURL, eventBus, sup, natsLogger)
		}

		hooks.OnStart(func() {
			if err := watcher.Start(); err != nil {
				logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
			}

			if natsServer != nil {
				if err := natsServer.Start(); err != nil {
					logger.Error("Failed to start embedded NATS server", "error", err)
					os.Exit(1)
				}
			}
			if bridge != nil {
				if err := bridge.Start(); err != nil {
					logger.Warn("Failed to start NATS bridge, control plane disabled", "error", err)
					bridge = nil
				}
			}

			if metricsServer != nil {
				go func() {
					logger.Info("Starting metrics server", "addr", opts.MetricsAddr)
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("Metrics server stopped", "error", err)
					}
				}()
			}

			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logger.Debug("sd_notify not available", "error", err)
			}

			if err := sup.Run(context.Background()); err != nil {
				logger.Error("Pool failed", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
				logger.Debug("sd_notify not available", "error", err)
			}
			sup.Shutdown(true)
			_ = watcher.Stop()
			if bridge != nil {
				bridge.Stop()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
			recorder.Close()
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}
		})
	})

	cli.Root().Use = "prefork"
	cli.Root().AddCommand(cmd.CreateRunCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}

// bindListener binds a TCP socket and returns its dup'd file for worker
// inheritance.
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
	ln.Close()
	return file, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
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
