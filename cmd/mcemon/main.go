package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcemirror/internal/api"
	"mcemirror/internal/bus"
	"mcemirror/internal/config"
	"mcemirror/internal/eventloop"
	"mcemirror/internal/mce"
	"mcemirror/internal/notify"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		port       int
		busFlag    string
		debug      bool
		strict     bool
	)

	flagSet := pflag.NewFlagSet("mcemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.IntVar(&port, "port", 0, "HTTP API port (overrides config)")
	flagSet.StringVar(&busFlag, "bus", "", `bus to connect to: "system", "session" or a bus address`)
	flagSet.BoolVar(&debug, "debug", false, "enable development logging")
	flagSet.BoolVar(&strict, "strict", false, "do not let a late query reply revalidate a mirror")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	level := zap.NewAtomicLevel()
	logConfig := zap.NewProductionConfig()
	if debug {
		logConfig = zap.NewDevelopmentConfig()
		level.SetLevel(zap.DebugLevel)
	}
	logConfig.Level = level
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if flagSet.Changed("port") {
		cfg.HTTP.Port = port
	}
	if flagSet.Changed("bus") {
		cfg.SetBus(busFlag)
	}
	if strict {
		cfg.StrictValidity = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid command line", zap.Error(err))
	}
	if !debug {
		level.SetLevel(cfg.Level())
	}

	logger.Info("Starting MCE mirror",
		zap.String("bus", cfg.Bus.Kind),
		zap.String("service", cfg.Service.Name),
		zap.Bool("strict_validity", cfg.StrictValidity))

	loop := eventloop.New(logger.Named("loop"), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx)
	}()

	opts := []mce.Option{mce.WithNames(cfg.Names())}
	if cfg.StrictValidity {
		opts = append(opts, mce.WithStrictValidity())
	}
	session := mce.NewSession(dialerFor(cfg, loop, logger.Named("bus")), logger.Named("mce"), opts...)

	var (
		server  *api.Server
		release func()
	)
	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	err = loop.Invoke(startCtx, func() {
		monitor := session.AcquireMonitor()
		display := session.AcquireDisplay()
		tklock := session.AcquireTklock()

		unwatch := logChanges(monitor.Get(), display.Get(), tklock.Get(), logger)

		server = api.NewServer(loop, api.Mirrors{
			Monitor: monitor.Get(),
			Display: display.Get(),
			Tklock:  tklock.Get(),
		}, logger.Named("api"), cfg.HTTP.Port)
		server.Attach()

		release = func() {
			server.Detach()
			unwatch()
			tklock.Release()
			display.Release()
			monitor.Release()
		}
	})
	startCancel()
	if err != nil {
		logger.Fatal("Failed to start mirrors", zap.Error(err))
	}

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := loop.Invoke(stopCtx, release); err != nil {
		logger.Error("Failed to release mirrors", zap.Error(err))
	}
	stopCancel()

	cancel()
	<-loopDone
}

// dialerFor returns a dialer for the configured bus. Connection callbacks
// are posted to loop.
func dialerFor(cfg *config.Config, loop *eventloop.Loop, logger *zap.Logger) bus.Dialer {
	switch cfg.Bus.Kind {
	case config.BusSession:
		return bus.SessionDialer(loop, logger)
	case config.BusAddress:
		return bus.AddressDialer(cfg.Bus.Address, loop, logger)
	default:
		return bus.SystemDialer(loop, logger)
	}
}

// logChanges logs every notification of the three instances and returns a
// function removing the handlers again. Must run on the loop goroutine.
func logChanges(monitor *mce.Monitor, display *mce.Display, tklock *mce.Tklock, logger *zap.Logger) func() {
	monitorIDs := []notify.HandlerID{
		monitor.AddAvailableChangedHandler(func(m *mce.Monitor) {
			logger.Info("Service availability changed",
				zap.Bool("available", m.Available()),
				zap.String("owner", m.Owner()))
		}),
	}

	displayIDs := []notify.HandlerID{
		display.AddValidChangedHandler(func(d *mce.Display) {
			logger.Info("Display validity changed", zap.Bool("valid", d.Valid()))
		}),
		display.AddStateChangedHandler(func(d *mce.Display) {
			logger.Info("Display state changed", zap.Stringer("state", d.State()))
		}),
	}

	tklockIDs := []notify.HandlerID{
		tklock.AddValidChangedHandler(func(t *mce.Tklock) {
			logger.Info("Tklock validity changed", zap.Bool("valid", t.Valid()))
		}),
		tklock.AddModeChangedHandler(func(t *mce.Tklock) {
			logger.Info("Tklock mode changed", zap.Stringer("mode", t.Mode()))
		}),
		tklock.AddLockedChangedHandler(func(t *mce.Tklock) {
			logger.Info("Tklock locked changed", zap.Bool("locked", t.Locked()))
		}),
	}

	return func() {
		monitor.RemoveHandlers(monitorIDs)
		display.RemoveHandlers(displayIDs)
		tklock.RemoveHandlers(tklockIDs)
	}
}
