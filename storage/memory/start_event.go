// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"

	"github.com/absmach/correlator/storage"
)

var _ storage.StartEventSubscriptionStore = (*StartEventSubscriptionStore)(nil)

type startKey struct {
	processDefinitionKey int64
	messageName          string
}

// StartEventSubscriptionStore is an in-memory implementation of
// storage.StartEventSubscriptionStore.
type StartEventSubscriptionStore struct {
	mu   sync.RWMutex
	data map[startKey]*storage.StartEventSubscription
}

// NewStartEventSubscriptionStore creates a new in-memory store.
func NewStartEventSubscriptionStore() *StartEventSubscriptionStore {
	return &StartEventSubscriptionStore{
		data: make(map[startKey]*storage.StartEventSubscription),
	}
}

// Put adds or updates a subscription.
func (s *StartEventSubscriptionStore) Put(sub *storage.StartEventSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.data[startKey{sub.ProcessDefinitionKey, sub.MessageName}] = &cp
	return nil
}

// Get returns a subscription.
func (s *StartEventSubscriptionStore) Get(processDefinitionKey int64, messageName string) (*storage.StartEventSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data[startKey{processDefinitionKey, messageName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Delete removes a subscription.
func (s *StartEventSubscriptionStore) Delete(processDefinitionKey int64, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, startKey{processDefinitionKey, messageName})
	return nil
}

// VisitMessageName iterates in ascending process definition key order.
func (s *StartEventSubscriptionStore) VisitMessageName(tenantID, messageName string, fn func(*storage.StartEventSubscription) bool) error {
	return s.visit(func(sub *storage.StartEventSubscription) bool {
		return sub.TenantID == tenantID && sub.MessageName == messageName
	}, fn)
}

// VisitProcess iterates the subscriptions of a process id.
func (s *StartEventSubscriptionStore) VisitProcess(tenantID, bpmnProcessID string, fn func(*storage.StartEventSubscription) bool) error {
	return s.visit(func(sub *storage.StartEventSubscription) bool {
		return sub.TenantID == tenantID && sub.BpmnProcessID == bpmnProcessID
	}, fn)
}

func (s *StartEventSubscriptionStore) visit(match, fn func(*storage.StartEventSubscription) bool) error {
	s.mu.RLock()
	var subs []*storage.StartEventSubscription
	for _, sub := range s.data {
		if match(sub) {
			cp := *sub
			subs = append(subs, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ProcessDefinitionKey == subs[j].ProcessDefinitionKey {
			return subs[i].MessageName < subs[j].MessageName
		}
		return subs[i].ProcessDefinitionKey < subs[j].ProcessDefinitionKey
	})
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}
