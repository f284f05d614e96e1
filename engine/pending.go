// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"cmp"
	"slices"
	"time"
)

// pendingKey identifies a subscription on either side of the handshake.
type pendingKey struct {
	elementInstanceKey int64
	messageName        string
}

func comparePendingKeys(a, b pendingKey) int {
	if c := cmp.Compare(a.elementInstanceKey, b.elementInstanceKey); c != 0 {
		return c
	}
	return cmp.Compare(a.messageName, b.messageName)
}

// distributionKey identifies the distribution of a deployment to one
// partition.
type distributionKey struct {
	deploymentKey int64
	partitionID   int32
}

func compareDistributionKeys(a, b distributionKey) int {
	if c := cmp.Compare(a.deploymentKey, b.deploymentKey); c != 0 {
		return c
	}
	return cmp.Compare(a.partitionID, b.partitionID)
}

// pendingTracker remembers when a command awaiting an acknowledgement was
// last sent. It is transient and rebuilt on recovery.
type pendingTracker[K comparable] struct {
	sent    map[K]time.Time
	compare func(a, b K) int
}

func newPendingTracker[K comparable](compare func(a, b K) int) *pendingTracker[K] {
	return &pendingTracker[K]{sent: make(map[K]time.Time), compare: compare}
}

func (t *pendingTracker[K]) add(k K, sentAt time.Time) {
	t.sent[k] = sentAt
}

func (t *pendingTracker[K]) remove(k K) {
	delete(t.sent, k)
}

func (t *pendingTracker[K]) has(k K) bool {
	_, ok := t.sent[k]
	return ok
}

func (t *pendingTracker[K]) len() int {
	return len(t.sent)
}

// restorer returns a function that puts the entry of k back into its
// current state.
func (t *pendingTracker[K]) restorer(k K) func() error {
	at, ok := t.sent[k]
	return func() error {
		if ok {
			t.sent[k] = at
		} else {
			delete(t.sent, k)
		}
		return nil
	}
}

// due returns the keys last sent before deadline, ordered by send time.
func (t *pendingTracker[K]) due(deadline time.Time) []K {
	var keys []K
	for k, at := range t.sent {
		if at.Before(deadline) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b K) int {
		if c := t.sent[a].Compare(t.sent[b]); c != 0 {
			return c
		}
		return t.compare(a, b)
	})
	return keys
}
