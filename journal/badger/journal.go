// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed journal.
package badger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/journal"
	"github.com/absmach/correlator/protocol"
	"github.com/dgraph-io/badger/v4"
)

var _ journal.Journal = (*Journal)(nil)

const prefixRecord = "rec:"

// Config holds journal configuration.
type Config struct {
	Dir         string
	InMemory    bool
	Compression codec.Compression
	SyncWrites  bool
}

// Journal stores records under rec:{position}.
type Journal struct {
	db    *badger.DB
	codec codec.Codec

	mu     sync.Mutex
	last   int64
	closed bool
}

// New opens or creates a journal.
func New(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{db: db, codec: codec.New(cfg.Compression)}
	if err := j.loadLast(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func positionKey(pos int64) []byte {
	k := make([]byte, len(prefixRecord)+8)
	copy(k, prefixRecord)
	binary.BigEndian.PutUint64(k[len(prefixRecord):], uint64(pos))
	return k
}

func (j *Journal) loadLast() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from the largest possible key.
		it.Seek(positionKey(-1))
		if it.Valid() {
			k := it.Item().Key()
			j.last = int64(binary.BigEndian.Uint64(k[len(prefixRecord):]))
		}
		return nil
	})
}

// Append implements journal.Journal.
func (j *Journal) Append(records []protocol.Record) ([]protocol.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, journal.ErrClosed
	}

	out := make([]protocol.Record, len(records))
	pos := j.last
	err := j.db.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			pos++
			rec.Position = pos
			data, err := j.codec.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode record %s: %w", rec, err)
			}
			if err := txn.Set(positionKey(pos), data); err != nil {
				return err
			}
			out[i] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	j.last = pos
	return out, nil
}

// Read implements journal.Journal.
func (j *Journal) Read(from int64, limit int) ([]protocol.Record, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, journal.ErrClosed
	}
	if from < 1 {
		from = 1
	}

	var out []protocol.Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(positionKey(from)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec protocol.Record
			if err := it.Item().Value(func(val []byte) error {
				return j.codec.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// LastPosition implements journal.Journal.
func (j *Journal) LastPosition() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.last
}

// Close implements journal.Journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	return j.db.Close()
}
