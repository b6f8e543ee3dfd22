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

// xfer-taperd owns the real Device (file, null, or S3) and exposes a
// DirectTCP listen endpoint a remote xfer-agent (or any compliant client)
// streams a part onto; every received byte is cached to disk (or a ring
// buffer) and written through to the Device exactly as a local PushBuffer
// destination would be, so a device failure mid-part can still be retried
// from the local cache without re-requesting bytes over the wire.
func main() {
	configPath := flag.String("config", "/etc/xferengine/taperd.yaml", "path to engine config file")
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
		logger.Error("taperd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	metrics := xfer.NewMetrics("xferengine", "taperd")
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

	dev, err := buildDevice(ctx, cfg.Device)
	if err != nil {
		return fmt.Errorf("building device: %w", err)
	}
	defer dev.Close()

	dest, err := buildDestination(cfg, dev, logger)
	if err != nil {
		return fmt.Errorf("building destination: %w", err)
	}

	listener := xfer.NewDirectTCPListenSource(logger)
	if cfg.Device.TLS.Enabled {
		tlsConfig, err := pki.NewServerTLSConfig(cfg.Device.TLS.CAPath, cfg.Device.TLS.CertPath, cfg.Device.TLS.KeyPath)
		if err != nil {
			return fmt.Errorf("building server tls config: %w", err)
		}
		listener.SetTLSConfig(tlsConfig)
	}

	linker := xfer.NewLinker(logger)
	if cfg.Engine.ThreadPenalty <= 0 {
		if err := linker.AutoExtraThreads(); err != nil {
			logger.Warn("auto thread penalty detection failed, using default", "error", err)
		}
	}

	transfer, err := xfer.NewTransfer([]xfer.Element{listener, dest}, linker, logger)
	if err != nil {
		return fmt.Errorf("linking pipeline: %w", err)
	}
	transfer.SetObserver(metrics)

	if err := transfer.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	logger.Info("listening for a part", "addrs", listener.ListenAddrs())

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
	logger.Info("part received", "status", transfer.Status().String())
	return nil
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
		return nil, fmt.Errorf("taperd does not serve device kind %q", cfg.Kind)
	}
}

func buildDestination(cfg *config.EngineConfig, dev xfer.Device, logger *slog.Logger) (xfer.Element, error) {
	cacheDir := cfg.Device.Path
	if cacheDir == "" || cfg.Device.Kind != "file" {
		cacheDir = os.TempDir()
	}
	switch cfg.Engine.CachingMode {
	case "splitter":
		return xfer.NewTaperDestSplitter(dev, cfg.Engine.MaxMemoryRaw, cfg.Engine.PartSizeRaw, true, logger), nil
	default:
		return xfer.NewTaperDestCacher(dev, cfg.Engine.PartSizeRaw, int(cfg.Engine.SlabSizeRaw), cfg.Engine.MaxSlabs, cacheDir, cfg.Engine.VerifyCron, logger), nil
	}
}
