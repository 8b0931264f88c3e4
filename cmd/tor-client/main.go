// Package main provides the Tor client executable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/go-tor/pkg/autoconfig"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/path"
	"github.com/opd-ai/go-tor/pkg/pool"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (torrc format)")
	dataDir := flag.String("data-dir", "", "Data directory for persistent state (default: auto-detect)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-tor version %s (built %s)\n", version, buildTime)
		fmt.Println("Pure Go Tor client implementation")
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		cfg = config.DefaultConfig()
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := autoconfig.EnsureDataDir(cfg.DataDirectory); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	log.Info("starting go-tor", "version", version, "build_time", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := run(ctx, cfg, log, sigChan); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

// run wires the circuit core's collaborators together (directory client,
// path selector, circuit manager/builder, circuit pool) and keeps a small
// number of circuits prebuilt until asked to shut down.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger, sigChan <-chan os.Signal) error {
	m := metrics.New()

	dirClient := directory.NewClient(log)

	selector := path.NewSelector(dirClient, log)
	if err := selector.UpdateConsensus(ctx); err != nil {
		return fmt.Errorf("fetch consensus: %w", err)
	}

	circuitMgr := circuit.NewManager(log)
	builder := circuit.NewBuilder(circuitMgr, m, log)

	buildFn := func(ctx context.Context) (*circuit.Circuit, error) {
		p, err := selector.SelectPath(443)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		return builder.BuildCircuit(ctx, p, cfg.CircuitBuildTimeout)
	}

	poolCfg := pool.DefaultCircuitPoolConfig()
	if cfg.EnableCircuitPrebuilding {
		poolCfg.MinCircuits = cfg.CircuitPoolMinSize
		poolCfg.MaxCircuits = cfg.CircuitPoolMaxSize
	} else {
		poolCfg.PrebuildEnabled = false
	}
	circuitPool := pool.NewCircuitPool(poolCfg, buildFn, log)
	defer circuitPool.Close()

	log.Info("ready", "guards", cfg.NumEntryGuards, "circuit_build_timeout", cfg.CircuitBuildTimeout)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := circuitMgr.Close(); err != nil {
			log.Warn("error closing circuit manager", "error", err)
		}
	}()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, forcing exit")
		return shutdownCtx.Err()
	}
}
