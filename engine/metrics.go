// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/absmach/correlator/protocol"
)

// Metrics receives partition instrumentation.
type Metrics interface {
	RecordCommand(partitionID int32, cmd protocol.ValueType, intent protocol.Intent, rejection protocol.RejectionType, d time.Duration)
	RecordCorrelation(partitionID int32, startEvent bool)
	RecordExpired(partitionID int32, n int)
	RecordResend(partitionID int32, intent protocol.Intent)
	SetBufferedMessages(partitionID int32, n int)
	SetPendingSubscriptions(partitionID int32, n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommand(int32, protocol.ValueType, protocol.Intent, protocol.RejectionType, time.Duration) {
}
func (noopMetrics) RecordCorrelation(int32, bool)       {}
func (noopMetrics) RecordExpired(int32, int)            {}
func (noopMetrics) RecordResend(int32, protocol.Intent) {}
func (noopMetrics) SetBufferedMessages(int32, int)      {}
func (noopMetrics) SetPendingSubscriptions(int32, int)  {}
