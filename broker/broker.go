// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker is the client facade of a correlator node: it routes
// client commands to the owning partition and waits for the response.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/routing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/correlator/broker"

// Broker errors.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrNoPartitions     = errors.New("no partitions registered")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Partition is the part of an engine partition used by the broker.
type Partition interface {
	ID() int32
	Submit(req engine.Request) error
	Running() bool
}

// Config holds the broker settings.
type Config struct {
	Routing               routing.State
	DeploymentPartitionID int32
	RequestTimeout        time.Duration
}

var (
	_ Service          = (*Broker)(nil)
	_ engine.Responder = (*Broker)(nil)
)

// Broker implements Service on top of local partitions. It is the
// responder of every partition it routes to.
type Broker struct {
	cfg    Config
	stats  *Stats
	tracer trace.Tracer
	logger *slog.Logger

	mu         sync.RWMutex
	partitions map[int32]Partition
	ids        []int32

	waitersMu sync.Mutex
	waiters   map[uint64]chan engine.Response
	nextID    atomic.Uint64
	next      atomic.Uint32
}

// New creates a broker without partitions.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DeploymentPartitionID == 0 {
		cfg.DeploymentPartitionID = engine.DefaultDeploymentPartitionID
	}
	return &Broker{
		cfg:        cfg,
		stats:      NewStats(),
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		partitions: make(map[int32]Partition),
		waiters:    make(map[uint64]chan engine.Response),
	}
}

// Register routes requests for a partition id to p.
func (b *Broker) Register(p Partition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.partitions[p.ID()]; !ok {
		b.ids = append(b.ids, p.ID())
		slices.Sort(b.ids)
	}
	b.partitions[p.ID()] = p
}

// Ready reports whether every registered partition is processing.
func (b *Broker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.partitions) == 0 {
		return false
	}
	for _, p := range b.partitions {
		if !p.Running() {
			return false
		}
	}
	return true
}

// PartitionStatus is the readiness of one partition.
type PartitionStatus struct {
	ID      int32 `json:"id"`
	Running bool  `json:"running"`
}

// Partitions returns the status of every registered partition.
func (b *Broker) Partitions() []PartitionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ret := make([]PartitionStatus, 0, len(b.ids))
	for _, id := range b.ids {
		ret = append(ret, PartitionStatus{ID: id, Running: b.partitions[id].Running()})
	}
	return ret
}

// Stats returns the request statistics recorded by the metrics middleware.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Respond implements engine.Responder.
func (b *Broker) Respond(r engine.Response) {
	b.waitersMu.Lock()
	ch, ok := b.waiters[r.RequestID]
	b.waitersMu.Unlock()

	if !ok {
		b.logger.Debug("response_without_waiter",
			slog.Int("partition", int(r.PartitionID)),
			slog.Uint64("request_id", r.RequestID))
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// Publish implements Service.
func (b *Broker) Publish(ctx context.Context, p auth.Principal, msg protocol.MessageRecord) (protocol.Record, error) {
	ctx, span := b.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("message.name", msg.Name),
		attribute.String("message.correlation_key", msg.CorrelationKey),
		attribute.String("tenant_id", msg.TenantID),
	))
	defer span.End()

	partitionID := b.cfg.Routing.PartitionForCorrelationKey(msg.CorrelationKey)
	return b.request(ctx, span, partitionID, p, protocol.PublishMessage{Message: msg})
}

// Correlate implements Service.
func (b *Broker) Correlate(ctx context.Context, p auth.Principal, c protocol.MessageCorrelationRecord) (protocol.Record, error) {
	ctx, span := b.tracer.Start(ctx, "broker.correlate", trace.WithAttributes(
		attribute.String("message.name", c.Name),
		attribute.String("message.correlation_key", c.CorrelationKey),
		attribute.String("tenant_id", c.TenantID),
	))
	defer span.End()

	partitionID := b.cfg.Routing.PartitionForCorrelationKey(c.CorrelationKey)
	return b.request(ctx, span, partitionID, p, protocol.CorrelateMessage{Correlation: c})
}

// Deploy implements Service.
func (b *Broker) Deploy(ctx context.Context, p auth.Principal, d protocol.DeploymentRecord) (protocol.Record, error) {
	ctx, span := b.tracer.Start(ctx, "broker.deploy", trace.WithAttributes(
		attribute.Int("deployment.processes", len(d.Processes)),
	))
	defer span.End()

	return b.request(ctx, span, b.cfg.DeploymentPartitionID, p, protocol.DeployProcess{Deployment: d})
}

// CreateInstance implements Service. Instances are spread over the
// partitions round robin.
func (b *Broker) CreateInstance(ctx context.Context, p auth.Principal, inst protocol.ProcessInstanceRecord) (protocol.Record, error) {
	ctx, span := b.tracer.Start(ctx, "broker.create_instance", trace.WithAttributes(
		attribute.String("process.bpmn_process_id", inst.BpmnProcessID),
		attribute.String("tenant_id", inst.TenantID),
	))
	defer span.End()

	partitionID, err := b.nextPartition()
	if err != nil {
		return protocol.Record{}, b.fail(span, err)
	}
	return b.request(ctx, span, partitionID, p, protocol.CreateProcessInstance{Instance: inst})
}

// CancelInstance implements Service.
func (b *Broker) CancelInstance(ctx context.Context, p auth.Principal, processInstanceKey int64) (protocol.Record, error) {
	ctx, span := b.tracer.Start(ctx, "broker.cancel_instance", trace.WithAttributes(
		attribute.Int64("process.instance_key", processInstanceKey),
	))
	defer span.End()

	partitionID := protocol.DecodePartitionID(processInstanceKey)
	rec, err := b.request(ctx, span, partitionID, p, protocol.CancelProcessInstance{ProcessInstanceKey: processInstanceKey})
	if errors.Is(err, ErrUnknownPartition) {
		err = protocol.Rejectf(protocol.RejectionNotFound,
			"Expected to cancel a process instance with key '%d', but no such process was found", processInstanceKey)
	}
	return rec, err
}

func (b *Broker) nextPartition() (int32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ids) == 0 {
		return 0, ErrNoPartitions
	}
	n := b.next.Add(1) - 1
	return b.ids[int(n)%len(b.ids)], nil
}

func (b *Broker) request(ctx context.Context, span trace.Span, partitionID int32, p auth.Principal, cmd protocol.Command) (protocol.Record, error) {
	span.SetAttributes(attribute.Int("partition", int(partitionID)))

	b.mu.RLock()
	part, ok := b.partitions[partitionID]
	b.mu.RUnlock()
	if !ok {
		return protocol.Record{}, b.fail(span, fmt.Errorf("%w: %d", ErrUnknownPartition, partitionID))
	}

	id := b.nextID.Add(1)
	ch := make(chan engine.Response, 1)
	b.waitersMu.Lock()
	b.waiters[id] = ch
	b.waitersMu.Unlock()
	defer func() {
		b.waitersMu.Lock()
		delete(b.waiters, id)
		b.waitersMu.Unlock()
	}()

	if err := part.Submit(engine.Request{Command: cmd, Principal: p, RequestID: id}); err != nil {
		return protocol.Record{}, b.fail(span, fmt.Errorf("failed to submit to partition %d: %w", partitionID, err))
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Err != nil {
			return protocol.Record{}, b.fail(span, r.Err)
		}
		span.SetAttributes(
			attribute.Int64("record.key", r.Record.Key),
			attribute.String("record.intent", string(r.Record.Intent)))
		return r.Record, nil
	case <-timer.C:
		return protocol.Record{}, b.fail(span, ErrTimeout)
	case <-ctx.Done():
		return protocol.Record{}, b.fail(span, ctx.Err())
	}
}

func (b *Broker) fail(span trace.Span, err error) error {
	span.RecordError(err)
	if rt := protocol.RejectionTypeOf(err); rt != protocol.RejectionNone {
		span.SetAttributes(attribute.String("rejection_type", string(rt)))
	}
	span.SetStatus(codes.Error, err.Error())
	return err
}
