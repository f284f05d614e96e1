// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync/atomic"

	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/storage"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ storage.MessageSubscriptionStore        = (*MessageSubscriptionStore)(nil)
	_ storage.ProcessMessageSubscriptionStore = (*ProcessMessageSubscriptionStore)(nil)
)

// MessageSubscriptionStore implements storage.MessageSubscriptionStore
// using BadgerDB.
//
// Key format:
//
//	ms:{elementInstanceKey}{messageName}             -> subscription
//	msidx:{tenant}{name}{corrKey}{subscriptionKey}   -> primary key
type MessageSubscriptionStore struct {
	db    *badger.DB
	codec codec.Codec
	count atomic.Int64
}

// NewMessageSubscriptionStore creates a new BadgerDB subscription store.
func NewMessageSubscriptionStore(db *badger.DB, c codec.Codec) *MessageSubscriptionStore {
	s := &MessageSubscriptionStore{db: db, codec: c}
	s.count.Store(countPrefix(db, prefixSubscription))
	return s
}

func subKey(prefix string, elementInstanceKey int64, messageName string) []byte {
	return key(prefix, u64(elementInstanceKey), []byte(messageName))
}

func subIndexKey(sub *storage.MessageSubscription) []byte {
	return append(identityKey(prefixSubIndex, sub.TenantID, sub.MessageName, sub.CorrelationKey), u64(sub.Key)...)
}

// Put adds or updates a subscription.
func (s *MessageSubscriptionStore) Put(sub *storage.MessageSubscription) error {
	pk := subKey(prefixSubscription, sub.ElementInstanceKey, sub.MessageName)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(pk)
		isNew := err == badger.ErrKeyNotFound

		if err := set(txn, s.codec, pk, sub); err != nil {
			return fmt.Errorf("failed to store subscription: %w", err)
		}
		if err := txn.Set(subIndexKey(sub), pk); err != nil {
			return err
		}
		if isNew {
			s.count.Add(1)
		}
		return nil
	})
}

// Get retrieves a subscription.
func (s *MessageSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.MessageSubscription, error) {
	var sub storage.MessageSubscription
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, s.codec, subKey(prefixSubscription, elementInstanceKey, messageName), &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Delete removes a subscription and its index entry.
func (s *MessageSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	pk := subKey(prefixSubscription, elementInstanceKey, messageName)
	return s.db.Update(func(txn *badger.Txn) error {
		var sub storage.MessageSubscription
		err := get(txn, s.codec, pk, &sub)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(subIndexKey(&sub)); err != nil {
			return err
		}
		if err := txn.Delete(pk); err != nil {
			return err
		}
		s.count.Add(-1)
		return nil
	})
}

// Visit iterates matching subscriptions in creation order.
func (s *MessageSubscriptionStore) Visit(tenantID, messageName, corrKey string, fn func(*storage.MessageSubscription) bool) error {
	var subs []*storage.MessageSubscription
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = identityKey(prefixSubIndex, tenantID, messageName, corrKey)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			pk, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var sub storage.MessageSubscription
			if err := get(txn, s.codec, pk, &sub); err != nil {
				if err == storage.ErrNotFound {
					continue
				}
				return err
			}
			subs = append(subs, &sub)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}

// VisitState iterates subscriptions in a given state.
func (s *MessageSubscriptionStore) VisitState(state storage.MessageSubscriptionState, fn func(*storage.MessageSubscription) bool) error {
	var subs []*storage.MessageSubscription
	err := scan(s.db, prefixSubscription, func(val []byte) error {
		var sub storage.MessageSubscription
		if err := s.codec.Unmarshal(val, &sub); err != nil {
			return err
		}
		if sub.State == state {
			subs = append(subs, &sub)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}

// Count returns the number of subscriptions.
func (s *MessageSubscriptionStore) Count() int {
	return int(s.count.Load())
}

// ProcessMessageSubscriptionStore implements
// storage.ProcessMessageSubscriptionStore using BadgerDB.
//
// Key format: pms:{elementInstanceKey}{messageName}.
type ProcessMessageSubscriptionStore struct {
	db    *badger.DB
	codec codec.Codec
	count atomic.Int64
}

// NewProcessMessageSubscriptionStore creates a new BadgerDB store.
func NewProcessMessageSubscriptionStore(db *badger.DB, c codec.Codec) *ProcessMessageSubscriptionStore {
	s := &ProcessMessageSubscriptionStore{db: db, codec: c}
	s.count.Store(countPrefix(db, prefixProcessSub))
	return s
}

// Put adds or updates a subscription.
func (s *ProcessMessageSubscriptionStore) Put(sub *storage.ProcessMessageSubscription) error {
	pk := subKey(prefixProcessSub, sub.ElementInstanceKey, sub.MessageName)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(pk)
		isNew := err == badger.ErrKeyNotFound

		if err := set(txn, s.codec, pk, sub); err != nil {
			return fmt.Errorf("failed to store process subscription: %w", err)
		}
		if isNew {
			s.count.Add(1)
		}
		return nil
	})
}

// Get retrieves a subscription.
func (s *ProcessMessageSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.ProcessMessageSubscription, error) {
	var sub storage.ProcessMessageSubscription
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, s.codec, subKey(prefixProcessSub, elementInstanceKey, messageName), &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Delete removes a subscription.
func (s *ProcessMessageSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	pk := subKey(prefixProcessSub, elementInstanceKey, messageName)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(pk)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(pk); err != nil {
			return err
		}
		s.count.Add(-1)
		return nil
	})
}

// VisitElementInstance iterates the subscriptions of an element instance.
func (s *ProcessMessageSubscriptionStore) VisitElementInstance(elementInstanceKey int64, fn func(*storage.ProcessMessageSubscription) bool) error {
	return s.visit(prefixProcessSub+string(u64(elementInstanceKey)), func(*storage.ProcessMessageSubscription) bool { return true }, fn)
}

// VisitState iterates subscriptions in a given state.
func (s *ProcessMessageSubscriptionStore) VisitState(state storage.ProcessMessageSubscriptionState, fn func(*storage.ProcessMessageSubscription) bool) error {
	return s.visit(prefixProcessSub, func(sub *storage.ProcessMessageSubscription) bool {
		return sub.State == state
	}, fn)
}

func (s *ProcessMessageSubscriptionStore) visit(prefix string, match, fn func(*storage.ProcessMessageSubscription) bool) error {
	var subs []*storage.ProcessMessageSubscription
	err := scan(s.db, prefix, func(val []byte) error {
		var sub storage.ProcessMessageSubscription
		if err := s.codec.Unmarshal(val, &sub); err != nil {
			return err
		}
		if match(&sub) {
			subs = append(subs, &sub)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !fn(sub) {
			break
		}
	}
	return nil
}

// Count returns the number of subscriptions.
func (s *ProcessMessageSubscriptionStore) Count() int {
	return int(s.count.Load())
}

func scan(db *badger.DB, prefix string, fn func(val []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
