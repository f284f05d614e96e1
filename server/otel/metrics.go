// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "correlator"

var _ engine.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the partitions.
type Metrics struct {
	meter metric.Meter

	// Counters
	commandsTotal     metric.Int64Counter
	rejectionsTotal   metric.Int64Counter
	messagesPublished metric.Int64Counter
	messagesExpired   metric.Int64Counter
	correlationsTotal metric.Int64Counter
	resendsTotal      metric.Int64Counter

	// Gauges
	bufferedMessages     metric.Int64Gauge
	pendingSubscriptions metric.Int64Gauge

	// Histograms
	commandDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given provider. A nil provider
// uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter(meterName),
	}

	var err error

	m.commandsTotal, err = m.meter.Int64Counter(
		"correlator.commands.total",
		metric.WithDescription("Total commands processed by value type and intent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsTotal counter: %w", err)
	}

	m.rejectionsTotal, err = m.meter.Int64Counter(
		"correlator.rejections.total",
		metric.WithDescription("Total command rejections by rejection type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejectionsTotal counter: %w", err)
	}

	m.messagesPublished, err = m.meter.Int64Counter(
		"correlator.messages.published.total",
		metric.WithDescription("Total messages published"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"correlator.messages.expired.total",
		metric.WithDescription("Total messages removed after their time to live"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.correlationsTotal, err = m.meter.Int64Counter(
		"correlator.correlations.total",
		metric.WithDescription("Total messages correlated to subscriptions or start events"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlationsTotal counter: %w", err)
	}

	m.resendsTotal, err = m.meter.Int64Counter(
		"correlator.subscriptions.resends.total",
		metric.WithDescription("Total subscription commands resent by the retry scheduler"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resendsTotal counter: %w", err)
	}

	m.bufferedMessages, err = m.meter.Int64Gauge(
		"correlator.messages.buffered",
		metric.WithDescription("Number of buffered messages per partition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bufferedMessages gauge: %w", err)
	}

	m.pendingSubscriptions, err = m.meter.Int64Gauge(
		"correlator.subscriptions.pending",
		metric.WithDescription("Number of subscriptions awaiting acknowledgement per partition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingSubscriptions gauge: %w", err)
	}

	m.commandDuration, err = m.meter.Float64Histogram(
		"correlator.command.duration",
		metric.WithDescription("Command processing latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandDuration histogram: %w", err)
	}

	return m, nil
}

func partitionAttr(partitionID int32) attribute.KeyValue {
	return attribute.Int("partition", int(partitionID))
}

// RecordCommand implements engine.Metrics.
func (m *Metrics) RecordCommand(partitionID int32, vt protocol.ValueType, intent protocol.Intent, rejection protocol.RejectionType, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		partitionAttr(partitionID),
		attribute.String("value_type", string(vt)),
		attribute.String("intent", string(intent)),
	)

	m.commandsTotal.Add(ctx, 1, attrs)
	m.commandDuration.Record(ctx, float64(d.Microseconds())/1000.0, attrs)

	if rejection != protocol.RejectionNone {
		m.rejectionsTotal.Add(ctx, 1, metric.WithAttributes(
			partitionAttr(partitionID),
			attribute.String("value_type", string(vt)),
			attribute.String("rejection_type", string(rejection)),
		))
		return
	}
	if vt == protocol.ValueTypeMessage && intent == protocol.MessagePublish {
		m.messagesPublished.Add(ctx, 1, metric.WithAttributes(partitionAttr(partitionID)))
	}
}

// RecordCorrelation implements engine.Metrics.
func (m *Metrics) RecordCorrelation(partitionID int32, startEvent bool) {
	target := "subscription"
	if startEvent {
		target = "start_event"
	}
	m.correlationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		partitionAttr(partitionID),
		attribute.String("target", target),
	))
}

// RecordExpired implements engine.Metrics.
func (m *Metrics) RecordExpired(partitionID int32, n int) {
	m.messagesExpired.Add(context.Background(), int64(n), metric.WithAttributes(partitionAttr(partitionID)))
}

// RecordResend implements engine.Metrics.
func (m *Metrics) RecordResend(partitionID int32, intent protocol.Intent) {
	m.resendsTotal.Add(context.Background(), 1, metric.WithAttributes(
		partitionAttr(partitionID),
		attribute.String("intent", string(intent)),
	))
}

// SetBufferedMessages implements engine.Metrics.
func (m *Metrics) SetBufferedMessages(partitionID int32, n int) {
	m.bufferedMessages.Record(context.Background(), int64(n), metric.WithAttributes(partitionAttr(partitionID)))
}

// SetPendingSubscriptions implements engine.Metrics.
func (m *Metrics) SetPendingSubscriptions(partitionID int32, n int) {
	m.pendingSubscriptions.Record(context.Background(), int64(n), metric.WithAttributes(partitionAttr(partitionID)))
}
