// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster delivers commands between the partitions of a node.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/sony/gobreaker"
)

// Transport errors.
var (
	ErrUnknownPartition = errors.New("unknown partition")
	ErrCircuitOpen      = errors.New("circuit open")
)

// Receiver accepts commands for a partition.
type Receiver interface {
	Submit(req engine.Request) error
}

var _ engine.Sender = (*LocalTransport)(nil)

// LocalTransport routes commands to partitions hosted in the same process.
// Delivery failures are reported to the caller, which relies on its own
// resend schedule.
type LocalTransport struct {
	mu          sync.RWMutex
	partitions  map[int32]Receiver
	interceptor Interceptor
	breakers    *partitionBreakers
	logger      *slog.Logger
}

// NewLocalTransport creates a transport without registered partitions.
func NewLocalTransport(cfg BreakerConfig, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTransport{
		partitions: make(map[int32]Receiver),
		breakers:   newPartitionBreakers(cfg, logger),
		logger:     logger,
	}
}

// Register makes a partition reachable.
func (t *LocalTransport) Register(partitionID int32, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partitions[partitionID] = r
}

// Unregister makes a partition unreachable.
func (t *LocalTransport) Unregister(partitionID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.partitions, partitionID)
}

// SetInterceptor installs a hook deciding the fate of each command. A nil
// interceptor delivers everything.
func (t *LocalTransport) SetInterceptor(i Interceptor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.interceptor = i
}

// Send implements engine.Sender.
func (t *LocalTransport) Send(ctx context.Context, partitionID int32, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	r, ok := t.partitions[partitionID]
	interceptor := t.interceptor
	t.mu.RUnlock()

	copies := 1
	if interceptor != nil {
		switch interceptor(partitionID, cmd) {
		case Drop:
			t.logger.Debug("command_dropped",
				slog.Int("target", int(partitionID)),
				slog.String("intent", string(cmd.Intent())))
			return nil
		case Duplicate:
			copies = 2
		}
	}

	cb := t.breakers.get(partitionID)
	for range copies {
		_, err := cb.Execute(func() (any, error) {
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partitionID)
			}
			return nil, r.Submit(engine.Request{Command: cmd})
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w for partition %d", ErrCircuitOpen, partitionID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// BreakerState returns the circuit breaker state of a target partition.
func (t *LocalTransport) BreakerState(partitionID int32) gobreaker.State {
	return t.breakers.state(partitionID)
}
