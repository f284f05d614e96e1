// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sync"
	"time"

	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	messages       *MessageStore
	subscriptions  *MessageSubscriptionStore
	processSubs    *ProcessMessageSubscriptionStore
	startEventSubs *StartEventSubscriptionStore
	meta           *MetaStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string // Directory for BadgerDB data
	InMemory    bool
	Compression codec.Compression
	SyncWrites  bool
	GCInterval  time.Duration
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	c := codec.New(cfg.Compression)
	s := &Store{
		db:             db,
		messages:       NewMessageStore(db, c),
		subscriptions:  NewMessageSubscriptionStore(db, c),
		processSubs:    NewProcessMessageSubscriptionStore(db, c),
		startEventSubs: NewStartEventSubscriptionStore(db, c),
		meta:           &MetaStore{db: db},
		gcStopCh:       make(chan struct{}),
		gcDone:         make(chan struct{}),
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
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

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func get(txn *badger.Txn, c codec.Codec, k []byte, v any) error {
	item, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return c.Unmarshal(val, v)
	})
}

func set(txn *badger.Txn, c codec.Codec, k []byte, v any) error {
	data, err := c.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func countPrefix(db *badger.DB, prefix string) int64 {
	var n int64
	_ = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}
