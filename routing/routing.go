// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package routing maps correlation keys to partitions.
package routing

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashMod routes a correlation key to one of the first PartitionCount
// partitions. Partitions added later do not take part in message
// correlation until PartitionCount is raised, so existing key assignments
// stay stable.
type HashMod struct {
	PartitionCount int32 `json:"partitionCount" yaml:"partition_count"`
}

// PartitionFor returns the 1-based partition id for correlationKey.
func (h HashMod) PartitionFor(correlationKey string) int32 {
	return int32(Hash(correlationKey)%uint64(h.PartitionCount)) + 1
}

// State describes the partitions of a cluster and how message correlation
// is distributed over them.
type State struct {
	Partitions         []int32 `json:"partitions"`
	MessageCorrelation HashMod `json:"messageCorrelation"`
}

// NewState returns a state where all partitionCount partitions take part in
// message correlation.
func NewState(partitionCount int32) State {
	return NewStateWithHashMod(partitionCount, partitionCount)
}

// NewStateWithHashMod returns a state with partitionCount partitions of
// which the first hashMod are used for message correlation.
func NewStateWithHashMod(partitionCount, hashMod int32) State {
	ids := make([]int32, 0, partitionCount)
	for i := int32(1); i <= partitionCount; i++ {
		ids = append(ids, i)
	}
	return State{
		Partitions:         ids,
		MessageCorrelation: HashMod{PartitionCount: hashMod},
	}
}

// Validate checks the routing state is usable.
func (s State) Validate() error {
	if len(s.Partitions) == 0 {
		return fmt.Errorf("routing requires at least one partition")
	}
	if s.MessageCorrelation.PartitionCount < 1 {
		return fmt.Errorf("message correlation partition count must be positive")
	}
	if int(s.MessageCorrelation.PartitionCount) > len(s.Partitions) {
		return fmt.Errorf("message correlation partition count %d exceeds partitions %d",
			s.MessageCorrelation.PartitionCount, len(s.Partitions))
	}
	return nil
}

// PartitionForCorrelationKey returns the partition owning correlationKey.
func (s State) PartitionForCorrelationKey(correlationKey string) int32 {
	return s.MessageCorrelation.PartitionFor(correlationKey)
}

// Hash is the stable hash of a correlation key.
func Hash(correlationKey string) uint64 {
	return xxhash.Sum64String(correlationKey)
}
