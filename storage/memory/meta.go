// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/correlator/storage"
)

var _ storage.MetaStore = (*MetaStore)(nil)

// MetaStore keeps partition bookkeeping in memory.
type MetaStore struct {
	mu       sync.Mutex
	lastKey  int64
	position int64
}

func (s *MetaStore) LastKey() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey, nil
}

func (s *MetaStore) SetLastKey(key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKey = key
	return nil
}

func (s *MetaStore) LastProcessedPosition() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *MetaStore) SetLastProcessedPosition(pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = pos
	return nil
}
