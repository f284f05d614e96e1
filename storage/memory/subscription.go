// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"

	"github.com/absmach/correlator/storage"
)

var (
	_ storage.MessageSubscriptionStore        = (*MessageSubscriptionStore)(nil)
	_ storage.ProcessMessageSubscriptionStore = (*ProcessMessageSubscriptionStore)(nil)
)

type subKey struct {
	elementInstanceKey int64
	messageName        string
}

// MessageSubscriptionStore is an in-memory implementation of
// storage.MessageSubscriptionStore.
type MessageSubscriptionStore struct {
	mu   sync.RWMutex
	data map[subKey]*storage.MessageSubscription
}

// NewMessageSubscriptionStore creates a new in-memory subscription store.
func NewMessageSubscriptionStore() *MessageSubscriptionStore {
	return &MessageSubscriptionStore{
		data: make(map[subKey]*storage.MessageSubscription),
	}
}

// Put adds or updates a subscription.
func (s *MessageSubscriptionStore) Put(sub *storage.MessageSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.data[subKey{sub.ElementInstanceKey, sub.MessageName}] = &cp
	return nil
}

// Get retrieves a subscription.
func (s *MessageSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.MessageSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data[subKey{elementInstanceKey, messageName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Delete removes a subscription.
func (s *MessageSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, subKey{elementInstanceKey, messageName})
	return nil
}

// Visit iterates matching subscriptions in creation order.
func (s *MessageSubscriptionStore) Visit(tenantID, messageName, corrKey string, fn func(*storage.MessageSubscription) bool) error {
	return s.visit(func(sub *storage.MessageSubscription) bool {
		return sub.TenantID == tenantID && sub.MessageName == messageName && sub.CorrelationKey == corrKey
	}, fn)
}

// VisitState iterates subscriptions in a given state.
func (s *MessageSubscriptionStore) VisitState(state storage.MessageSubscriptionState, fn func(*storage.MessageSubscription) bool) error {
	return s.visit(func(sub *storage.MessageSubscription) bool {
		return sub.State == state
	}, fn)
}

func (s *MessageSubscriptionStore) visit(match func(*storage.MessageSubscription) bool, fn func(*storage.MessageSubscription) bool) error {
	s.mu.RLock()
	var subs []*storage.MessageSubscription
	for _, sub := range s.data {
		if match(sub) {
			cp := *sub
			subs = append(subs, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Key < subs[j].Key })
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}

// Count returns the number of subscriptions.
func (s *MessageSubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// ProcessMessageSubscriptionStore is an in-memory implementation of
// storage.ProcessMessageSubscriptionStore.
type ProcessMessageSubscriptionStore struct {
	mu   sync.RWMutex
	data map[subKey]*storage.ProcessMessageSubscription
}

// NewProcessMessageSubscriptionStore creates a new in-memory store.
func NewProcessMessageSubscriptionStore() *ProcessMessageSubscriptionStore {
	return &ProcessMessageSubscriptionStore{
		data: make(map[subKey]*storage.ProcessMessageSubscription),
	}
}

// Put adds or updates a subscription.
func (s *ProcessMessageSubscriptionStore) Put(sub *storage.ProcessMessageSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.data[subKey{sub.ElementInstanceKey, sub.MessageName}] = &cp
	return nil
}

// Get retrieves a subscription.
func (s *ProcessMessageSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.ProcessMessageSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data[subKey{elementInstanceKey, messageName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Delete removes a subscription.
func (s *ProcessMessageSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, subKey{elementInstanceKey, messageName})
	return nil
}

// VisitElementInstance iterates the subscriptions of an element instance.
func (s *ProcessMessageSubscriptionStore) VisitElementInstance(elementInstanceKey int64, fn func(*storage.ProcessMessageSubscription) bool) error {
	return s.visit(func(sub *storage.ProcessMessageSubscription) bool {
		return sub.ElementInstanceKey == elementInstanceKey
	}, fn)
}

// VisitState iterates subscriptions in a given state.
func (s *ProcessMessageSubscriptionStore) VisitState(state storage.ProcessMessageSubscriptionState, fn func(*storage.ProcessMessageSubscription) bool) error {
	return s.visit(func(sub *storage.ProcessMessageSubscription) bool {
		return sub.State == state
	}, fn)
}

func (s *ProcessMessageSubscriptionStore) visit(match func(*storage.ProcessMessageSubscription) bool, fn func(*storage.ProcessMessageSubscription) bool) error {
	s.mu.RLock()
	var subs []*storage.ProcessMessageSubscription
	for _, sub := range s.data {
		if match(sub) {
			cp := *sub
			subs = append(subs, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Key < subs[j].Key })
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}

// Count returns the number of subscriptions.
func (s *ProcessMessageSubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}
