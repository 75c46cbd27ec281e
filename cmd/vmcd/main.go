// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// vmcd serves virtual machine character devices to remote clients.
//
// Each configured device is the unix socket a hypervisor exposes for a
// guest character device. vmcd connects to it, multiplexes the data
// to the clients attached over the channel socket and enforces the
// device kind's flow control. Clients can export a device's pending
// state and import it on another host during live migration.
//
// Usage:
//
//	vmcd --config /etc/vmcd/vmcd.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/config"
	"github.com/bureau-foundation/vmcd/lib/eventloop"
	"github.com/bureau-foundation/vmcd/lib/netutil"
	"github.com/bureau-foundation/vmcd/lib/process"
	"github.com/bureau-foundation/vmcd/lib/version"
	"github.com/bureau-foundation/vmcd/lib/vmc"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("vmcd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file (default: $VMCD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("vmcd")
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := process.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, err := process.NewLogger(os.Stderr, level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := vmc.NewMetrics(registry)

	loop := eventloop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	devices := vmc.NewRegistry(logger)
	for _, device := range cfg.Devices {
		options, err := channelOptions(device)
		if err != nil {
			return err
		}
		options.Loop = loop
		options.Metrics = metrics
		options.Logger = logger
		ch, err := vmc.New(options)
		if err != nil {
			return err
		}
		if err := devices.Add(ch); err != nil {
			return err
		}
	}

	listener, err := netutil.ListenUnix(cfg.Server.Socket)
	if err != nil {
		return err
	}
	server := channel.NewServer(listener, loop, devices, logger)

	if err := loop.Call(ctx, devices.OpenAll); err != nil {
		listener.Close()
		return fmt.Errorf("opening devices: %w", err)
	}

	if cfg.Server.MetricsAddress != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddress,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "address", cfg.Server.MetricsAddress, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("vmcd started",
		"version", version.Info(),
		"socket", cfg.Server.Socket,
		"devices", devices.Names(),
	)

	serveErr := server.Serve(ctx)

	// Serve has closed every connection; Detach callbacks are queued
	// ahead of this.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Call(closeCtx, devices.Close); err != nil {
		logger.Warn("closing devices", "error", err)
	}
	logger.Info("vmcd stopped")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
