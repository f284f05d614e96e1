// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/protocol"
)

var _ broker.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	stats *broker.Stats
	svc   broker.Service
}

// NewMetrics creates metrics middleware that wraps a broker service.
func NewMetrics(svc broker.Service) broker.Service {
	return &metricsMiddleware{svc.Stats(), svc}
}

// Publish wraps the call with publish metrics.
func (mm *metricsMiddleware) Publish(ctx context.Context, p auth.Principal, msg protocol.MessageRecord) (protocol.Record, error) {
	rec, err := mm.svc.Publish(ctx, p, msg)
	mm.record(err, mm.stats.IncrementPublishes)
	return rec, err
}

// Correlate wraps the call with correlation metrics.
func (mm *metricsMiddleware) Correlate(ctx context.Context, p auth.Principal, c protocol.MessageCorrelationRecord) (protocol.Record, error) {
	rec, err := mm.svc.Correlate(ctx, p, c)
	mm.record(err, mm.stats.IncrementCorrelations)
	return rec, err
}

// Deploy wraps the call with deployment metrics.
func (mm *metricsMiddleware) Deploy(ctx context.Context, p auth.Principal, d protocol.DeploymentRecord) (protocol.Record, error) {
	rec, err := mm.svc.Deploy(ctx, p, d)
	mm.record(err, mm.stats.IncrementDeployments)
	return rec, err
}

// CreateInstance wraps the call with instance metrics.
func (mm *metricsMiddleware) CreateInstance(ctx context.Context, p auth.Principal, inst protocol.ProcessInstanceRecord) (protocol.Record, error) {
	rec, err := mm.svc.CreateInstance(ctx, p, inst)
	mm.record(err, mm.stats.IncrementInstances)
	return rec, err
}

// CancelInstance wraps the call with cancellation metrics.
func (mm *metricsMiddleware) CancelInstance(ctx context.Context, p auth.Principal, key int64) (protocol.Record, error) {
	rec, err := mm.svc.CancelInstance(ctx, p, key)
	mm.record(err, mm.stats.IncrementCancels)
	return rec, err
}

// Stats returns the broker statistics.
func (mm *metricsMiddleware) Stats() *broker.Stats {
	return mm.stats
}

func (mm *metricsMiddleware) record(err error, success func()) {
	if err != nil {
		mm.stats.RecordError(err)
		return
	}
	success()
}
