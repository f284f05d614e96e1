// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware wraps broker.Service with cross-cutting concerns.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/protocol"
)

var _ broker.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   broker.Service
}

// NewLogging creates logging middleware that wraps a broker service.
func NewLogging(svc broker.Service, logger *slog.Logger) broker.Service {
	return &loggingMiddleware{logger, svc}
}

func (lm *loggingMiddleware) log(op string, p auth.Principal, begin time.Time, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("username", p.Username),
		slog.String("duration", time.Since(begin).String()))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level := slog.LevelWarn
		if protocol.RejectionTypeOf(err) != protocol.RejectionNone {
			level = slog.LevelDebug
		}
		lm.logger.LogAttrs(context.Background(), level, op, attrs...)
		return
	}
	lm.logger.LogAttrs(context.Background(), slog.LevelInfo, op, attrs...)
}

// Publish logs publish requests.
func (lm *loggingMiddleware) Publish(ctx context.Context, p auth.Principal, msg protocol.MessageRecord) (rec protocol.Record, err error) {
	defer func(begin time.Time) {
		lm.log("publish", p, begin, err,
			slog.String("name", msg.Name),
			slog.String("correlation_key", msg.CorrelationKey),
			slog.String("tenant_id", msg.TenantID),
			slog.Int64("message_key", rec.Key))
	}(time.Now())

	return lm.next.Publish(ctx, p, msg)
}

// Correlate logs correlate requests.
func (lm *loggingMiddleware) Correlate(ctx context.Context, p auth.Principal, c protocol.MessageCorrelationRecord) (rec protocol.Record, err error) {
	defer func(begin time.Time) {
		lm.log("correlate", p, begin, err,
			slog.String("name", c.Name),
			slog.String("correlation_key", c.CorrelationKey),
			slog.String("tenant_id", c.TenantID))
	}(time.Now())

	return lm.next.Correlate(ctx, p, c)
}

// Deploy logs deployments.
func (lm *loggingMiddleware) Deploy(ctx context.Context, p auth.Principal, d protocol.DeploymentRecord) (rec protocol.Record, err error) {
	defer func(begin time.Time) {
		lm.log("deploy", p, begin, err, slog.Int("processes", len(d.Processes)))
	}(time.Now())

	return lm.next.Deploy(ctx, p, d)
}

// CreateInstance logs process instance creation.
func (lm *loggingMiddleware) CreateInstance(ctx context.Context, p auth.Principal, inst protocol.ProcessInstanceRecord) (rec protocol.Record, err error) {
	defer func(begin time.Time) {
		lm.log("create_instance", p, begin, err,
			slog.String("bpmn_process_id", inst.BpmnProcessID),
			slog.Int64("process_instance_key", rec.Key))
	}(time.Now())

	return lm.next.CreateInstance(ctx, p, inst)
}

// CancelInstance logs process instance cancellation.
func (lm *loggingMiddleware) CancelInstance(ctx context.Context, p auth.Principal, key int64) (rec protocol.Record, err error) {
	defer func(begin time.Time) {
		lm.log("cancel_instance", p, begin, err, slog.Int64("process_instance_key", key))
	}(time.Now())

	return lm.next.CancelInstance(ctx, p, key)
}

// Stats returns the wrapped service statistics.
func (lm *loggingMiddleware) Stats() *broker.Stats {
	return lm.next.Stats()
}
