// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"github.com/absmach/correlator/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MetaStore = (*MetaStore)(nil)

// MetaStore keeps partition bookkeeping in BadgerDB.
type MetaStore struct {
	db *badger.DB
}

func (s *MetaStore) read(k string) (int64, error) {
	var v int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(k))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = readU64(val)
			return nil
		})
	})
	return v, err
}

func (s *MetaStore) write(k string, v int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(k), u64(v))
	})
}

func (s *MetaStore) LastKey() (int64, error)  { return s.read(keyLastKey) }
func (s *MetaStore) SetLastKey(k int64) error { return s.write(keyLastKey, k) }

func (s *MetaStore) LastProcessedPosition() (int64, error) { return s.read(keyPosition) }
func (s *MetaStore) SetLastProcessedPosition(pos int64) error {
	return s.write(keyPosition, pos)
}
