package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/travisghansen/fanout/internal/bridge"
	"github.com/travisghansen/fanout/internal/config"
	"github.com/travisghansen/fanout/internal/daemon"
	"github.com/travisghansen/fanout/internal/gateway"
	"github.com/travisghansen/fanout/internal/limits"
	"github.com/travisghansen/fanout/internal/logging"
	"github.com/travisghansen/fanout/internal/ops"
	"github.com/travisghansen/fanout/internal/relay"
)

func main() {
	// Environment first, flags on top: a flag the operator passes always
	// wins over FANOUT_* variables and .env defaults.
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	flag.BoolVar(&cfg.Daemon, "daemon", cfg.Daemon, "detach from the terminal and run in the background")
	flag.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "append-mode log destination (default stderr)")
	flag.IntVar(&cfg.MaxLogSizeMB, "max-logfile-size", cfg.MaxLogSizeMB, "truncate the logfile in place past this many MiB (0 = unbounded)")
	flag.StringVar(&cfg.PidFile, "pidfile", cfg.PidFile, "write the daemon child's PID here")
	flag.IntVar(&cfg.DebugLevel, "debug-level", cfg.DebugLevel, "log verbosity: 0=error 1=warning 2=info 3=debug")
	flag.IntVar(&cfg.ClientLimit, "client-limit", cfg.ClientLimit, "cap concurrent peers (0 = derive from the fd budget)")
	flag.StringVar(&cfg.RunAs, "run-as", cfg.RunAs, "drop privileges to USER[:GROUP] after binding")
	flag.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "address for /metrics, /health and /ws (empty = disabled)")
	flag.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server for the ingest bridge (empty = disabled)")
	flag.StringVar(&cfg.NATSPrefix, "nats-prefix", cfg.NATSPrefix, "NATS subject prefix mapped onto channels")
	flag.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "sustained accepted connections per second (0 = unlimited)")
	flag.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "accepted connection burst (0 = unlimited)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// The parent of a daemonised relay only starts the detached child and
	// records its PID; the child takes it from here.
	if cfg.Daemon && !daemon.IsChild() {
		if err := daemon.Daemonize(cfg.PidFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonise: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	var logSink *logging.CappedFile
	if cfg.LogFile != "" {
		logSink, err = logging.OpenCappedFile(cfg.LogFile, cfg.MaxLogSizeMB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer logSink.Close()
	}
	var logger zerolog.Logger
	if logSink != nil {
		logger = logging.New(cfg.DebugLevel, logSink)
	} else {
		logger = logging.New(cfg.DebugLevel, nil)
	}
	cfg.LogConfig(logger)

	var obs relay.Observer
	var metrics *ops.Metrics
	if cfg.OpsAddr != "" {
		metrics = ops.NewMetrics()
		obs = metrics
	}

	var gate relay.AcceptGate
	if cfg.AcceptRate > 0 && cfg.AcceptBurst > 0 {
		gate = limits.NewAcceptGate(cfg.AcceptRate, cfg.AcceptBurst, logger)
	}

	engine, err := relay.New(relay.Config{
		Port:        cfg.Port,
		ClientLimit: cfg.ClientLimit,
	}, logger, obs, gate)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine")
	}
	if err := engine.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("failed to bind listeners")
	}

	// Privileges drop after bind (privileged ports) and before serving.
	if cfg.RunAs != "" {
		if err := daemon.DropPrivileges(cfg.RunAs); err != nil {
			logger.Fatal().Err(err).Str("run_as", cfg.RunAs).Msg("failed to drop privileges")
		}
		logger.Info().Str("run_as", cfg.RunAs).Msg("privileges dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		ops.NewCollector(metrics, logger).Start(ctx, 15*time.Second)
		opsSrv = ops.NewServer(cfg.OpsAddr, metrics, engine, gateway.New(engine, logger), logger)
		opsSrv.Start()
	}

	var ingest *bridge.NATS
	if cfg.NATSURL != "" {
		ingest, err = bridge.Connect(cfg.NATSURL, cfg.NATSPrefix, engine, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start ingest bridge")
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		engine.Shutdown()
		<-engine.Done()
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("engine failed")
		}
	}

	if ingest != nil {
		ingest.Close()
	}
	if opsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		opsSrv.Shutdown(shutdownCtx)
		done()
	}
	logger.Info().Msg("shutdown complete")
}
