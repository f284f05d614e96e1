// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/correlator/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

type identity struct {
	tenantID, name, correlationKey string
}

type idKey struct {
	identity
	messageID string
}

type correlationKey struct {
	messageKey    int64
	bpmnProcessID string
}

type lockKey struct {
	tenantID, bpmnProcessID, correlationKey string
}

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu           sync.RWMutex
	data         map[int64]*storage.Message
	ids          map[idKey]int64
	correlations map[correlationKey]*storage.Correlation
	locks        map[lockKey]int64
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data:         make(map[int64]*storage.Message),
		ids:          make(map[idKey]int64),
		correlations: make(map[correlationKey]*storage.Correlation),
		locks:        make(map[lockKey]int64),
	}
}

func messageIDKey(m *storage.Message) idKey {
	return idKey{identity{m.TenantID, m.Name, m.CorrelationKey}, m.MessageID}
}

// Put stores a message.
func (s *MessageStore) Put(msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	s.data[msg.Key] = &cp
	if msg.MessageID != "" {
		s.ids[messageIDKey(msg)] = msg.Key
	}
	return nil
}

// Get retrieves a message by key.
func (s *MessageStore) Get(key int64) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// Delete removes a message together with its id index and markers.
func (s *MessageStore) Delete(key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.data[key]
	if !ok {
		return nil
	}
	delete(s.data, key)
	if msg.MessageID != "" {
		id := messageIDKey(msg)
		if s.ids[id] == key {
			delete(s.ids, id)
		}
	}
	for k := range s.correlations {
		if k.messageKey == key {
			delete(s.correlations, k)
		}
	}
	return nil
}

// ExistsID reports whether a live message with the id is buffered.
func (s *MessageStore) ExistsID(tenantID, name, corrKey, messageID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.ids[idKey{identity{tenantID, name, corrKey}, messageID}]
	if !ok {
		return false, nil
	}
	msg, ok := s.data[key]
	return ok && msg.Deadline.After(now), nil
}

// Visit iterates matching messages in key order.
func (s *MessageStore) Visit(tenantID, name, corrKey string, fn func(*storage.Message) bool) error {
	s.mu.RLock()
	var matches []*storage.Message
	for _, m := range s.data {
		if m.TenantID == tenantID && m.Name == name && m.CorrelationKey == corrKey {
			cp := *m
			matches = append(matches, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })
	for _, m := range matches {
		if !fn(m) {
			break
		}
	}
	return nil
}

// VisitDeadlines iterates expired messages in deadline order.
func (s *MessageStore) VisitDeadlines(until time.Time, fn func(int64, time.Time) bool) error {
	type entry struct {
		key      int64
		deadline time.Time
	}

	s.mu.RLock()
	var due []entry
	for k, m := range s.data {
		if !m.Deadline.After(until) {
			due = append(due, entry{k, m.Deadline})
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].key < due[j].key
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, e := range due {
		if !fn(e.key, e.deadline) {
			break
		}
	}
	return nil
}

// PutCorrelation stores a correlation marker.
func (s *MessageStore) PutCorrelation(c *storage.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.correlations[correlationKey{c.MessageKey, c.BpmnProcessID}] = &cp
	return nil
}

// GetCorrelation returns a correlation marker.
func (s *MessageStore) GetCorrelation(messageKey int64, bpmnProcessID string) (*storage.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.correlations[correlationKey{messageKey, bpmnProcessID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// VisitCorrelations iterates the markers of a message.
func (s *MessageStore) VisitCorrelations(messageKey int64, fn func(*storage.Correlation) bool) error {
	s.mu.RLock()
	var matches []*storage.Correlation
	for k, c := range s.correlations {
		if k.messageKey == messageKey {
			cp := *c
			matches = append(matches, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].BpmnProcessID < matches[j].BpmnProcessID })
	for _, c := range matches {
		if !fn(c) {
			break
		}
	}
	return nil
}

// RemoveCorrelation deletes a correlation marker.
func (s *MessageStore) RemoveCorrelation(messageKey int64, bpmnProcessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.correlations, correlationKey{messageKey, bpmnProcessID})
	return nil
}

// PutActiveInstance locks a correlation key for a process.
func (s *MessageStore) PutActiveInstance(tenantID, bpmnProcessID, corrKey string, processInstanceKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locks[lockKey{tenantID, bpmnProcessID, corrKey}] = processInstanceKey
	return nil
}

// ActiveInstance returns the instance holding a lock.
func (s *MessageStore) ActiveInstance(tenantID, bpmnProcessID, corrKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.locks[lockKey{tenantID, bpmnProcessID, corrKey}]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return key, nil
}

// RemoveActiveInstance releases a lock.
func (s *MessageStore) RemoveActiveInstance(tenantID, bpmnProcessID, corrKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, lockKey{tenantID, bpmnProcessID, corrKey})
	return nil
}

// Count returns the number of buffered messages.
func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}
