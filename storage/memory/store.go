// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/correlator/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages       *MessageStore
	subscriptions  *MessageSubscriptionStore
	processSubs    *ProcessMessageSubscriptionStore
	startEventSubs *StartEventSubscriptionStore
	meta           *MetaStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:       NewMessageStore(),
		subscriptions:  NewMessageSubscriptionStore(),
		processSubs:    NewProcessMessageSubscriptionStore(),
		startEventSubs: NewStartEventSubscriptionStore(),
		meta:           &MetaStore{},
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// MessageSubscriptions returns the message subscription store.
func (s *Store) MessageSubscriptions() storage.MessageSubscriptionStore {
	return s.subscriptions
}

// ProcessMessageSubscriptions returns the process message subscription store.
func (s *Store) ProcessMessageSubscriptions() storage.ProcessMessageSubscriptionStore {
	return s.processSubs
}

// StartEventSubscriptions returns the start event subscription store.
func (s *Store) StartEventSubscriptions() storage.StartEventSubscriptionStore {
	return s.startEventSubs
}

// Meta returns the metadata store.
func (s *Store) Meta() storage.MetaStore {
	return s.meta
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
