// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/correlator/config"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/exporter"
	"github.com/absmach/correlator/internal/bufpool"
	"github.com/absmach/correlator/protocol"
	"github.com/sony/gobreaker"
)

var _ engine.Exporter = (*Exporter)(nil)

// Exporter delivers records to webhook endpoints with a worker pool,
// per-endpoint circuit breakers and exponential retry.
type Exporter struct {
	cfg       config.WebhookConfig
	nodeID    string
	endpoints []endpointConfig
	queue     chan recordJob
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type endpointConfig struct {
	name        string
	url         string
	filter      exporter.Filter
	headers     map[string]string
	timeout     time.Duration
	retryConfig config.RetryConfig
}

type recordJob struct {
	envelope exporter.Envelope
	endpoint endpointConfig
	attempt  int
}

// New creates a webhook exporter and starts its workers.
func New(cfg config.WebhookConfig, nodeID string, sender Sender, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}
		endpoints = append(endpoints, endpointConfig{
			name:        ep.Name,
			url:         ep.URL,
			filter:      exporter.NewFilter(ep.ValueTypes, ep.RecordTypes),
			headers:     ep.Headers,
			timeout:     timeout,
			retryConfig: retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		cfg:       cfg,
		nodeID:    nodeID,
		endpoints: endpoints,
		queue:     make(chan recordJob, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for range cfg.Workers {
		e.wg.Add(1)
		go e.worker()
	}

	logger.Info("webhook_exporter_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return e, nil
}

// Export implements engine.Exporter. Records are queued without blocking
// the partition; a full queue applies the drop policy.
func (e *Exporter) Export(partitionID int32, records []protocol.Record) {
	if e.ctx.Err() != nil {
		return
	}
	now := time.Now()
	for _, r := range records {
		var env *exporter.Envelope
		for _, ep := range e.endpoints {
			if !ep.filter.Matches(r) {
				continue
			}
			if env == nil {
				w := exporter.Wrap(e.nodeID, r, now)
				env = &w
			}
			e.enqueue(recordJob{envelope: *env, endpoint: ep})
		}
	}
}

func (e *Exporter) enqueue(job recordJob) {
	select {
	case e.queue <- job:
		return
	default:
	}

	if e.cfg.DropPolicy == "oldest" {
		select {
		case <-e.queue:
		default:
		}
		select {
		case e.queue <- job:
			return
		default:
		}
	}
	e.logger.Error("webhook_queue_full",
		slog.String("endpoint", job.endpoint.name),
		slog.Int("partition", int(job.envelope.PartitionID)),
		slog.Int64("position", job.envelope.Position))
}

func (e *Exporter) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.queue:
			e.process(job)
		}
	}
}

func (e *Exporter) process(job recordJob) {
	breaker := e.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, e.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		e.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.Int64("position", job.envelope.Position),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)
	e.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.Int64("position", job.envelope.Position),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if e.ctx.Err() != nil {
			return
		}
		select {
		case e.queue <- job:
		default:
			e.logger.Error("webhook_requeue_failed",
				slog.String("endpoint", job.endpoint.name),
				slog.Int64("position", job.envelope.Position))
		}
	})
}

func (e *Exporter) send(job recordJob) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(job.envelope); err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(e.ctx, job.endpoint.timeout)
	defer cancel()

	return e.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, buf.Bytes(), job.endpoint.timeout)
}

// retryDelay calculates exponential backoff delay.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the shutdown timeout.
func (e *Exporter) Close() error {
	e.logger.Info("webhook_exporter_stopping")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("webhook_exporter_stopped")
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Warn("webhook_exporter_shutdown_timeout",
			slog.Int("queue_depth", len(e.queue)))
	}
	return nil
}
