// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.StartEventSubscriptionStore = (*StartEventSubscriptionStore)(nil)

// StartEventSubscriptionStore implements storage.StartEventSubscriptionStore
// using BadgerDB.
//
// Key format:
//
//	ses:{processDefinitionKey}{messageName}                      -> subscription
//	sesidx:{tenant}{messageName}{processDefinitionKey}           -> primary key
type StartEventSubscriptionStore struct {
	db    *badger.DB
	codec codec.Codec
}

// NewStartEventSubscriptionStore creates a new BadgerDB store.
func NewStartEventSubscriptionStore(db *badger.DB, c codec.Codec) *StartEventSubscriptionStore {
	return &StartEventSubscriptionStore{db: db, codec: c}
}

func startIndexKey(tenantID, messageName string, pdk int64) []byte {
	return key(prefixStartIndex, str(tenantID), str(messageName), u64(pdk))
}

// Put adds or updates a subscription.
func (s *StartEventSubscriptionStore) Put(sub *storage.StartEventSubscription) error {
	pk := key(prefixStartSub, u64(sub.ProcessDefinitionKey), []byte(sub.MessageName))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := set(txn, s.codec, pk, sub); err != nil {
			return err
		}
		return txn.Set(startIndexKey(sub.TenantID, sub.MessageName, sub.ProcessDefinitionKey), pk)
	})
}

// Get returns a subscription.
func (s *StartEventSubscriptionStore) Get(processDefinitionKey int64, messageName string) (*storage.StartEventSubscription, error) {
	var sub storage.StartEventSubscription
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, s.codec, key(prefixStartSub, u64(processDefinitionKey), []byte(messageName)), &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Delete removes a subscription.
func (s *StartEventSubscriptionStore) Delete(processDefinitionKey int64, messageName string) error {
	pk := key(prefixStartSub, u64(processDefinitionKey), []byte(messageName))
	return s.db.Update(func(txn *badger.Txn) error {
		var sub storage.StartEventSubscription
		err := get(txn, s.codec, pk, &sub)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(startIndexKey(sub.TenantID, sub.MessageName, sub.ProcessDefinitionKey)); err != nil {
			return err
		}
		return txn.Delete(pk)
	})
}

// VisitMessageName iterates in ascending process definition key order.
func (s *StartEventSubscriptionStore) VisitMessageName(tenantID, messageName string, fn func(*storage.StartEventSubscription) bool) error {
	var subs []*storage.StartEventSubscription
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixStartIndex, str(tenantID), str(messageName))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			pk, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var sub storage.StartEventSubscription
			if err := get(txn, s.codec, pk, &sub); err != nil {
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

// VisitProcess iterates the subscriptions of a process id.
func (s *StartEventSubscriptionStore) VisitProcess(tenantID, bpmnProcessID string, fn func(*storage.StartEventSubscription) bool) error {
	var subs []*storage.StartEventSubscription
	err := scan(s.db, prefixStartSub, func(val []byte) error {
		var sub storage.StartEventSubscription
		if err := s.codec.Unmarshal(val, &sub); err != nil {
			return err
		}
		if sub.TenantID == tenantID && sub.BpmnProcessID == bpmnProcessID {
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
