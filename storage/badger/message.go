// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format:
//
//	msg:{key}                              -> message
//	msgid:{tenant}{name}{corrKey}{id}      -> key
//	msgidx:{tenant}{name}{corrKey}{key}    -> empty
//	msgttl:{deadline}{key}                 -> empty
//	corr:{messageKey}{bpmnProcessId}       -> correlation
//	lock:{tenant}{bpmnProcessId}{corrKey}  -> process instance key
type MessageStore struct {
	db    *badger.DB
	codec codec.Codec
	count atomic.Int64
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB, c codec.Codec) *MessageStore {
	s := &MessageStore{db: db, codec: c}
	s.count.Store(countPrefix(db, prefixMessage))
	return s
}

func identityKey(prefix, tenantID, name, corrKey string) []byte {
	return key(prefix, str(tenantID), str(name), str(corrKey))
}

// Put stores a message and its indexes.
func (s *MessageStore) Put(msg *storage.Message) error {
	pk := key(prefixMessage, u64(msg.Key))
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(pk)
		isNew := err == badger.ErrKeyNotFound

		if err := set(txn, s.codec, pk, msg); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		if msg.MessageID != "" {
			idk := key(prefixMessageID, str(msg.TenantID), str(msg.Name), str(msg.CorrelationKey), []byte(msg.MessageID))
			if err := txn.Set(idk, u64(msg.Key)); err != nil {
				return err
			}
		}
		idx := append(identityKey(prefixMessageIndex, msg.TenantID, msg.Name, msg.CorrelationKey), u64(msg.Key)...)
		if err := txn.Set(idx, nil); err != nil {
			return err
		}
		if err := txn.Set(key(prefixDeadline, deadline(msg.Deadline), u64(msg.Key)), nil); err != nil {
			return err
		}
		if isNew {
			s.count.Add(1)
		}
		return nil
	})
}

// Get retrieves a message by key.
func (s *MessageStore) Get(k int64) (*storage.Message, error) {
	var msg storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, s.codec, key(prefixMessage, u64(k)), &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete removes a message, its indexes and correlation markers.
func (s *MessageStore) Delete(k int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var msg storage.Message
		err := get(txn, s.codec, key(prefixMessage, u64(k)), &msg)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		keys := [][]byte{
			key(prefixMessage, u64(k)),
			append(identityKey(prefixMessageIndex, msg.TenantID, msg.Name, msg.CorrelationKey), u64(k)...),
			key(prefixDeadline, deadline(msg.Deadline), u64(k)),
		}
		if msg.MessageID != "" {
			idk := key(prefixMessageID, str(msg.TenantID), str(msg.Name), str(msg.CorrelationKey), []byte(msg.MessageID))
			item, err := txn.Get(idk)
			if err == nil {
				if err := item.Value(func(v []byte) error {
					if readU64(v) == k {
						keys = append(keys, idk)
					}
					return nil
				}); err != nil {
					return err
				}
			}
		}
		keys = append(keys, collectKeys(txn, key(prefixCorrelation, u64(k)))...)

		for _, dk := range keys {
			if err := txn.Delete(dk); err != nil {
				return err
			}
		}
		s.count.Add(-1)
		return nil
	})
}

func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// ExistsID reports whether a live message with the id is buffered.
func (s *MessageStore) ExistsID(tenantID, name, corrKey, messageID string, now time.Time) (bool, error) {
	idk := key(prefixMessageID, str(tenantID), str(name), str(corrKey), []byte(messageID))
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idk)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var k int64
		if err := item.Value(func(v []byte) error {
			k = readU64(v)
			return nil
		}); err != nil {
			return err
		}
		var msg storage.Message
		err = get(txn, s.codec, key(prefixMessage, u64(k)), &msg)
		if err == storage.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = msg.Deadline.After(now)
		return nil
	})
	return exists, err
}

// Visit iterates matching messages in key order.
func (s *MessageStore) Visit(tenantID, name, corrKey string, fn func(*storage.Message) bool) error {
	prefix := identityKey(prefixMessageIndex, tenantID, name, corrKey)
	var keys []int64
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range collectKeys(txn, prefix) {
			keys = append(keys, readU64(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		msg, err := s.Get(k)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(msg) {
			break
		}
	}
	return nil
}

// VisitDeadlines iterates messages whose deadline is not after until.
func (s *MessageStore) VisitDeadlines(until time.Time, fn func(int64, time.Time) bool) error {
	type entry struct {
		key      int64
		deadline time.Time
	}
	limit := until.UnixNano()
	var due []entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDeadline)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()[len(prefixDeadline):]
			ts := readU64(k[:8])
			if ts > limit {
				break
			}
			due = append(due, entry{readU64(k[8:16]), time.Unix(0, ts)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range due {
		if !fn(e.key, e.deadline) {
			break
		}
	}
	return nil
}

// PutCorrelation stores a correlation marker.
func (s *MessageStore) PutCorrelation(c *storage.Correlation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return set(txn, s.codec, key(prefixCorrelation, u64(c.MessageKey), []byte(c.BpmnProcessID)), c)
	})
}

// GetCorrelation returns a correlation marker.
func (s *MessageStore) GetCorrelation(messageKey int64, bpmnProcessID string) (*storage.Correlation, error) {
	var c storage.Correlation
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, s.codec, key(prefixCorrelation, u64(messageKey), []byte(bpmnProcessID)), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// VisitCorrelations iterates the markers of a message.
func (s *MessageStore) VisitCorrelations(messageKey int64, fn func(*storage.Correlation) bool) error {
	var corrs []*storage.Correlation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixCorrelation, u64(messageKey))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c storage.Correlation
			if err := it.Item().Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			corrs = append(corrs, &c)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range corrs {
		if !fn(c) {
			break
		}
	}
	return nil
}

// RemoveCorrelation deletes a correlation marker.
func (s *MessageStore) RemoveCorrelation(messageKey int64, bpmnProcessID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(prefixCorrelation, u64(messageKey), []byte(bpmnProcessID)))
	})
}

// PutActiveInstance locks a correlation key for a process.
func (s *MessageStore) PutActiveInstance(tenantID, bpmnProcessID, corrKey string, processInstanceKey int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey(prefixLock, tenantID, bpmnProcessID, corrKey), u64(processInstanceKey))
	})
}

// ActiveInstance returns the instance holding a lock.
func (s *MessageStore) ActiveInstance(tenantID, bpmnProcessID, corrKey string) (int64, error) {
	var pik int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(prefixLock, tenantID, bpmnProcessID, corrKey))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			pik = readU64(v)
			return nil
		})
	})
	return pik, err
}

// RemoveActiveInstance releases a lock.
func (s *MessageStore) RemoveActiveInstance(tenantID, bpmnProcessID, corrKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(identityKey(prefixLock, tenantID, bpmnProcessID, corrKey))
	})
}

// Count returns the number of buffered messages.
func (s *MessageStore) Count() int {
	return int(s.count.Load())
}
