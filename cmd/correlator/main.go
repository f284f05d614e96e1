// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/broker/middleware"
	"github.com/absmach/correlator/cluster"
	"github.com/absmach/correlator/config"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/exporter"
	"github.com/absmach/correlator/exporter/webhook"
	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/journal"
	badgerjournal "github.com/absmach/correlator/journal/badger"
	memjournal "github.com/absmach/correlator/journal/memory"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/ratelimit"
	"github.com/absmach/correlator/routing"
	"github.com/absmach/correlator/server/health"
	"github.com/absmach/correlator/server/http"
	"github.com/absmach/correlator/server/otel"
	"github.com/absmach/correlator/storage"
	"github.com/absmach/correlator/storage/badger"
	"github.com/absmach/correlator/storage/memory"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

// partitionState is the persistent state owned by one partition.
type partitionState struct {
	partition *engine.Partition
	store     storage.Store
	journal   journal.Journal
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting correlator", "version", version)
	slog.Info("Configuration loaded",
		"node_id", cfg.Server.NodeID,
		"http_addr", cfg.Server.HTTPAddr,
		"health_addr", cfg.Server.HealthAddr,
		"partition_count", cfg.Engine.PartitionCount,
		"hash_mod", cfg.Engine.HashMod,
		"storage", cfg.Storage.Type,
		"auth_enabled", cfg.Auth.Enabled,
		"multi_tenancy", cfg.Auth.MultiTenancy,
		"log_level", cfg.Log.Level)

	var telemetry *otel.Provider
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		telemetry, err = otel.Setup(context.Background(), otel.NewConfig(cfg.Server, cfg.Engine))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	exporters := []engine.Exporter{exporter.NewLogExporter(exporter.NewFilter(nil, nil), logger)}
	var webhooks *webhook.Exporter
	if cfg.Webhook.Enabled {
		webhooks, err = webhook.New(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		exporters = append(exporters, webhooks)
		slog.Info("Webhook export enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	authorizer := auth.AllowAll()
	if cfg.Auth.Enabled {
		authorizer = auth.NewStatic(cfg.Auth.Grants, cfg.Auth.MultiTenancy, protocol.DefaultTenantID)
	}

	hashMod := cfg.Engine.HashMod
	if hashMod == 0 {
		hashMod = cfg.Engine.PartitionCount
	}
	routes := routing.NewStateWithHashMod(cfg.Engine.PartitionCount, hashMod)

	transport := cluster.NewLocalTransport(cluster.BreakerConfig{
		FailureThreshold: uint32(cfg.Transport.CircuitBreaker.FailureThreshold),
		ResetTimeout:     cfg.Transport.CircuitBreaker.ResetTimeout,
	}, logger)

	b := broker.New(broker.Config{
		Routing:               routes,
		DeploymentPartitionID: cfg.Engine.DeploymentPartitionID,
		RequestTimeout:        cfg.Server.RequestTimeout,
	}, logger)

	compression, err := codec.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		slog.Error("Invalid storage compression", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var partitions []partitionState
	for _, id := range routes.Partitions {
		store, j, err := openState(cfg.Storage, id, compression)
		if err != nil {
			slog.Error("Failed to open partition state", "partition", id, "error", err)
			os.Exit(1)
		}

		pcfg := engine.Config{
			PartitionID:                id,
			Routing:                    routes,
			DeploymentPartitionID:      cfg.Engine.DeploymentPartitionID,
			MaxRecordBatchSize:         cfg.Engine.MaxRecordBatchSize,
			SubscriptionCheckInterval:  cfg.Engine.SubscriptionCheckInterval,
			SubscriptionTimeout:        cfg.Engine.SubscriptionTimeout,
			TTLCheckInterval:           cfg.Engine.TTLCheckInterval,
			TTLBatchLimit:              cfg.Engine.TTLBatchLimit,
			BatchExpiry:                cfg.Engine.BatchExpiryEnabled,
			AppendMessageBodyOnExpired: cfg.Engine.AppendMessageBodyOnExpired,
		}
		opts := []engine.Option{
			engine.WithClock(clockwork.NewRealClock()),
			engine.WithLogger(logger),
			engine.WithAuthorizer(authorizer),
			engine.WithExporters(exporters...),
			engine.WithResponder(b),
		}
		if metrics != nil {
			opts = append(opts, engine.WithMetrics(metrics))
		}

		p, err := engine.New(pcfg, store, j, transport, opts...)
		if err != nil {
			slog.Error("Failed to create partition", "partition", id, "error", err)
			os.Exit(1)
		}
		if err := p.Recover(); err != nil {
			slog.Error("Failed to recover partition", "partition", id, "error", err)
			os.Exit(1)
		}

		transport.Register(id, p)
		b.Register(p)
		partitions = append(partitions, partitionState{partition: p, store: store, journal: j})
	}

	for _, ps := range partitions {
		ps.partition.Start(ctx)
	}
	slog.Info("Partitions started", "count", len(partitions))

	var svc broker.Service = b
	svc = middleware.NewMetrics(svc)
	svc = middleware.NewLogging(svc, logger)

	var limiter *ratelimit.KeyedLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Enabled:         cfg.RateLimit.Enabled,
			Rate:            cfg.RateLimit.Rate,
			Burst:           cfg.RateLimit.Burst,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
		}, clockwork.NewRealClock())
		slog.Info("Rate limiting enabled", "rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	g, gctx := errgroup.WithContext(ctx)

	httpServer := http.New(http.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, svc, limiter, logger)
	g.Go(func() error {
		slog.Info("Starting HTTP server", "address", cfg.Server.HTTPAddr)
		return httpServer.Listen(gctx)
	})

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			NodeID:          cfg.Server.NodeID,
		}, b, logger)
		g.Go(func() error {
			slog.Info("Starting health server", "address", cfg.Server.HealthAddr)
			return healthServer.Listen(gctx)
		})
	}

	var errs []error
	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		errs = append(errs, err)
	}
	slog.Info("Shutting down")

	for _, ps := range partitions {
		ps.partition.Stop()
	}
	for _, ps := range partitions {
		errs = append(errs, ps.journal.Close(), ps.store.Close())
	}
	if webhooks != nil {
		errs = append(errs, webhooks.Close())
	}
	if limiter != nil {
		limiter.Stop()
	}
	if telemetry != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, telemetry.Shutdown(shutdownCtx))
		shutdownCancel()
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Correlator stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func openState(cfg config.StorageConfig, id int32, compression codec.Compression) (storage.Store, journal.Journal, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), memjournal.New(), nil
	case "badger":
		base := filepath.Join(cfg.BadgerDir, fmt.Sprintf("partition-%d", id))
		store, err := badger.New(badger.Config{
			Dir:         filepath.Join(base, "state"),
			Compression: compression,
			SyncWrites:  cfg.SyncWrites,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state store: %w", err)
		}
		j, err := badgerjournal.New(badgerjournal.Config{
			Dir:         filepath.Join(base, "journal"),
			Compression: compression,
			SyncWrites:  cfg.SyncWrites,
		})
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return store, j, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
