// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/protocol"
)

// Service defines the client operations of the correlator.
// This interface enables middleware wrapping for cross-cutting concerns
// like logging, metrics, and tracing.
type Service interface {
	// Publish buffers a message on the partition of its correlation key and
	// correlates it to waiting subscriptions and start events.
	Publish(ctx context.Context, p auth.Principal, msg protocol.MessageRecord) (protocol.Record, error)

	// Correlate delivers a message without buffering it and returns the
	// correlated process instance.
	Correlate(ctx context.Context, p auth.Principal, c protocol.MessageCorrelationRecord) (protocol.Record, error)

	// Deploy registers process versions on the deployment partition.
	Deploy(ctx context.Context, p auth.Principal, d protocol.DeploymentRecord) (protocol.Record, error)

	// CreateInstance starts the latest version of a process.
	CreateInstance(ctx context.Context, p auth.Principal, inst protocol.ProcessInstanceRecord) (protocol.Record, error)

	// CancelInstance terminates a process instance.
	CancelInstance(ctx context.Context, p auth.Principal, processInstanceKey int64) (protocol.Record, error)

	// Stats returns the request statistics.
	Stats() *Stats
}
