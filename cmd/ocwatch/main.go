// Command ocwatch monitors local OpenCode servers: it discovers them
// over UDP, follows their event streams, and shows every session's
// state in one place.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocwatch/ocwatch/internal/logging"
	"github.com/ocwatch/ocwatch/internal/monitor/config"
	"github.com/ocwatch/ocwatch/internal/monitor/daemon"
	"github.com/ocwatch/ocwatch/monitor"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ocwatch", flag.ContinueOnError)
	var (
		daemonize   = fs.Bool("daemon", false, "run headless in the background")
		status      = fs.Bool("status", false, "report whether the daemon is running")
		stop        = fs.Bool("stop", false, "stop the running daemon")
		debug       = fs.Bool("debug", false, "log every received discovery packet")
		showVersion = fs.Bool("version", false, "print version and exit")
		logLevel    = fs.String("log-level", "info", "log level (debug, info, warn, error)")
		metricsAddr = fs.String("metrics-addr", "", "serve diagnostics HTTP on this address")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logging.SetLevel(level)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	switch {
	case *status:
		logging.Setup()
		if pid := daemon.ReadPID(cfg.PIDFile); pid != 0 {
			fmt.Printf("ocwatch daemon running (pid %d)\n", pid)
		} else {
			fmt.Println("ocwatch daemon not running")
		}
		return nil

	case *stop:
		logging.Setup()
		if err := daemon.Stop(cfg.PIDFile); err != nil {
			return err
		}
		fmt.Println("ocwatch daemon stopped")
		return nil

	case daemon.IsChild():
		return runDaemonChild(cfg, *debug)

	case *daemonize:
		logging.Setup()
		// The child re-parses the same args; its IsChild branch wins
		// over --daemon, so flags carry over without re-detaching.
		pid, err := daemon.Detach(cfg.DaemonLog, cfg.PIDFile, args)
		if err != nil {
			return err
		}
		fmt.Printf("ocwatch daemon started (pid %d)\n", pid)
		return nil

	default:
		logging.Setup()
		return runInteractive(cfg, *debug)
	}
}

// runDaemonChild is the re-executed headless process: JSON logs to the
// daemon log file, a PID file, and the engine with no presenter.
func runDaemonChild(cfg *config.Config, debug bool) error {
	logFile, err := os.OpenFile(cfg.DaemonLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()
	logging.SetupWriter(logFile)

	release, err := daemon.WritePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer release()

	slog.Info("daemon starting", "version", version, "port", cfg.DiscoveryPort)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng := monitor.New(cfg)
	eng.DumpPackets(debug)
	err = eng.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("daemon stopped")
		return nil
	}
	return err
}

// runInteractive runs the engine with the terminal presenter attached.
func runInteractive(cfg *config.Config, debug bool) error {
	logging.PrintBanner(version, cfg.DiscoveryPort)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng := monitor.New(cfg)
	eng.DumpPackets(debug)

	p := newPresenter(eng, os.Stdout, os.Stdin)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()
	go p.run(ctx, cancel)

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
