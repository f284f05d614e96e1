// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/absmach/correlator/protocol"
)

// Stats tracks client request statistics.
type Stats struct {
	startTime time.Time

	publishes    atomic.Uint64
	correlations atomic.Uint64
	deployments  atomic.Uint64
	instances    atomic.Uint64
	cancels      atomic.Uint64

	rejections atomic.Uint64
	forbidden  atomic.Uint64
	timeouts   atomic.Uint64
	failures   atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// IncrementPublishes counts an accepted publish.
func (s *Stats) IncrementPublishes() { s.publishes.Add(1) }

// IncrementCorrelations counts an accepted correlate request.
func (s *Stats) IncrementCorrelations() { s.correlations.Add(1) }

// IncrementDeployments counts an accepted deployment.
func (s *Stats) IncrementDeployments() { s.deployments.Add(1) }

// IncrementInstances counts a created process instance.
func (s *Stats) IncrementInstances() { s.instances.Add(1) }

// IncrementCancels counts a canceled process instance.
func (s *Stats) IncrementCancels() { s.cancels.Add(1) }

// RecordError classifies a failed request.
func (s *Stats) RecordError(err error) {
	switch {
	case err == nil:
	case protocol.RejectionTypeOf(err) == protocol.RejectionForbidden:
		s.forbidden.Add(1)
		s.rejections.Add(1)
	case protocol.RejectionTypeOf(err) != protocol.RejectionNone:
		s.rejections.Add(1)
	case errors.Is(err, ErrTimeout):
		s.timeouts.Add(1)
	default:
		s.failures.Add(1)
	}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Uptime       string `json:"uptime"`
	Publishes    uint64 `json:"publishes"`
	Correlations uint64 `json:"correlations"`
	Deployments  uint64 `json:"deployments"`
	Instances    uint64 `json:"instances"`
	Cancels      uint64 `json:"cancels"`
	Rejections   uint64 `json:"rejections"`
	Forbidden    uint64 `json:"forbidden"`
	Timeouts     uint64 `json:"timeouts"`
	Failures     uint64 `json:"failures"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:       time.Since(s.startTime).Truncate(time.Second).String(),
		Publishes:    s.publishes.Load(),
		Correlations: s.correlations.Load(),
		Deployments:  s.deployments.Load(),
		Instances:    s.instances.Load(),
		Cancels:      s.cancels.Load(),
		Rejections:   s.rejections.Load(),
		Forbidden:    s.forbidden.Load(),
		Timeouts:     s.timeouts.Load(),
		Failures:     s.failures.Load(),
	}
}
