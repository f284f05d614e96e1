// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel exports broker spans and partition metrics over OTLP.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/correlator/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	spanBatchSize  = 512
	spanBatchDelay = 5 * time.Second
)

// Config selects what is exported and where.
type Config struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	NodeID         string
	PartitionCount int32
	Traces         bool
	Metrics        bool
	SampleRate     float64
}

// NewConfig derives the export settings of a node.
func NewConfig(server config.ServerConfig, engine config.EngineConfig) Config {
	return Config{
		Endpoint:       server.MetricsAddr,
		ServiceName:    server.OtelServiceName,
		ServiceVersion: server.OtelServiceVersion,
		NodeID:         server.NodeID,
		PartitionCount: engine.PartitionCount,
		Traces:         server.OtelTracesEnabled,
		Metrics:        server.OtelMetricsEnabled,
		SampleRate:     server.OtelTraceSampleRate,
	}
}

// Provider owns the registered tracer and meter providers.
type Provider struct {
	shutdown []func(context.Context) error
}

// Resource describes the node to the collector.
func Resource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.NodeID),
			attribute.Int("correlator.partition_count", int(cfg.PartitionCount)),
		),
	)
}

// Setup registers the global providers. Disabled traces install a noop
// tracer so broker spans cost nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{}
	if cfg.Traces {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(spanBatchSize),
			trace.WithBatchTimeout(spanBatchDelay),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	), nil
}
