// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 10 * time.Second
)

// BreakerConfig configures the circuit breaker kept per target partition.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// partitionBreakers manages circuit breakers per target partition.
type partitionBreakers struct {
	cfg      BreakerConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	breakers map[int32]*gobreaker.CircuitBreaker
}

func newPartitionBreakers(cfg BreakerConfig, logger *slog.Logger) *partitionBreakers {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &partitionBreakers{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[int32]*gobreaker.CircuitBreaker),
	}
}

func (pb *partitionBreakers) get(partitionID int32) *gobreaker.CircuitBreaker {
	pb.mu.RLock()
	cb, ok := pb.breakers[partitionID]
	pb.mu.RUnlock()
	if ok {
		return cb
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if cb, ok = pb.breakers[partitionID]; ok {
		return cb
	}
	threshold := pb.cfg.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("partition-%d", partitionID),
		MaxRequests: 1,
		Timeout:     pb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			pb.logger.Warn("partition_circuit_state_changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	pb.breakers[partitionID] = cb
	return cb
}

// state returns the breaker state of a partition.
func (pb *partitionBreakers) state(partitionID int32) gobreaker.State {
	return pb.get(partitionID).State()
}
