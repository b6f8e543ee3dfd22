// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/xferengine/internal/config"
	"github.com/nishisan-dev/xferengine/internal/logging"
	"github.com/nishisan-dev/xferengine/internal/pki"
	"github.com/nishisan-dev/xferengine/internal/xfer"
)

func main() {
	configPath := flag.String("config", "/etc/xferengine/agent.yaml", "path to engine config file")
	flag.Parse()

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transfer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	metrics := xfer.NewMetrics("xferengine", "agent")
	registry := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		registry.MustRegister(c)
	}
	if cfg.Engine.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Engine.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	source, err := buildSource(cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("building source: %w", err)
	}

	var dest xfer.Element
	if cfg.Engine.CachingMode == "directtcp" {
		// No local Device at all: bytes are shipped straight over the wire
		// to a remote xfer-taperd, which owns the real Device and does its
		// own caching/retry on that side.
		d := xfer.NewDirectTCPConnectDest(logger)
		d.SetConnectAddrs(cfg.Device.Connect)
		if cfg.Device.TLS.Enabled {
			tlsConfig, err := pki.NewClientTLSConfig(cfg.Device.TLS.CAPath, cfg.Device.TLS.CertPath, cfg.Device.TLS.KeyPath)
			if err != nil {
				return fmt.Errorf("building client tls config: %w", err)
			}
			d.SetTLSConfig(tlsConfig)
		}
		dest = d
	} else {
		dev, err := buildDevice(ctx, cfg.Device)
		if err != nil {
			return fmt.Errorf("building device: %w", err)
		}
		defer dev.Close()

		dest, err = buildDestination(cfg, dev, logger)
		if err != nil {
			return fmt.Errorf("building destination: %w", err)
		}
	}

	linker := xfer.NewLinker(logger)
	if cfg.Engine.ThreadPenalty <= 0 {
		if err := linker.AutoExtraThreads(); err != nil {
			logger.Warn("auto thread penalty detection failed, using default", "error", err)
		}
	}

	transfer, err := xfer.NewTransfer([]xfer.Element{source, dest}, linker, logger)
	if err != nil {
		return fmt.Errorf("linking pipeline: %w", err)
	}
	transfer.SetObserver(metrics)

	if err := transfer.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := transfer.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	go transfer.Run(ctx)

	select {
	case <-transfer.Done():
	case <-ctx.Done():
		transfer.Cancel(false)
		<-transfer.Done()
	}

	if err := transfer.Err(); err != nil {
		return err
	}
	logger.Info("transfer complete", "status", transfer.Status().String())
	return nil
}

func buildSource(cfg config.SourceConfig, logger *slog.Logger) (xfer.Element, error) {
	switch cfg.Kind {
	case "random":
		return xfer.NewSourceRandom(cfg.SizeRaw, cfg.Seed, logger), nil
	default:
		return xfer.NewSourceFile(cfg.Path, logger), nil
	}
}

func buildDevice(ctx context.Context, cfg config.DeviceConfig) (xfer.Device, error) {
	switch cfg.Kind {
	case "null":
		return xfer.NewNullDevice(cfg.BlockSize, 0), nil
	case "file":
		return xfer.NewFileDevice(cfg.Path, cfg.BlockSize, 0), nil
	case "s3":
		return xfer.NewS3Device(ctx, xfer.S3DeviceConfig{
			Bucket:    cfg.Bucket,
			KeyPrefix: cfg.KeyPrefix,
			Region:    cfg.Region,
			Profile:   cfg.Profile,
			Endpoint:  cfg.Endpoint,
		})
	default:
		return nil, fmt.Errorf("device kind %q has no local Device implementation", cfg.Kind)
	}
}

// buildDestination builds a local-Device-backed taper destination; the
// CachingMode == "directtcp" case (no local Device) is handled directly in
// run, before this is ever called.
func buildDestination(cfg *config.EngineConfig, dev xfer.Device, logger *slog.Logger) (xfer.Element, error) {
	partSize := cfg.Engine.PartSizeRaw
	if cfg.Engine.CachingMode == "splitter" {
		return xfer.NewTaperDestSplitter(dev, cfg.Engine.MaxMemoryRaw, partSize, true, logger), nil
	}
	cacheDir := cfg.Device.Path
	if cacheDir == "" || cfg.Device.Kind != "file" {
		cacheDir = os.TempDir()
	}
	return xfer.NewTaperDestCacher(dev, partSize, int(cfg.Engine.SlabSizeRaw), cfg.Engine.MaxSlabs, cacheDir, cfg.Engine.VerifyCron, logger), nil
}
