// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory journal.
package memory

import (
	"sync"

	"github.com/absmach/correlator/journal"
	"github.com/absmach/correlator/protocol"
)

var _ journal.Journal = (*Journal)(nil)

// Journal keeps records in a slice.
type Journal struct {
	mu      sync.RWMutex
	records []protocol.Record
	closed  bool
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{}
}

// Append implements journal.Journal.
func (j *Journal) Append(records []protocol.Record) ([]protocol.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, journal.ErrClosed
	}
	out := make([]protocol.Record, len(records))
	for i, rec := range records {
		rec.Position = int64(len(j.records)) + 1
		j.records = append(j.records, rec)
		out[i] = rec
	}
	return out, nil
}

// Read implements journal.Journal.
func (j *Journal) Read(from int64, limit int) ([]protocol.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, journal.ErrClosed
	}
	if from < 1 {
		from = 1
	}
	start := int(from - 1)
	if start >= len(j.records) {
		return nil, nil
	}
	end := len(j.records)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]protocol.Record, end-start)
	copy(out, j.records[start:end])
	return out, nil
}

// LastPosition implements journal.Journal.
func (j *Journal) LastPosition() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return int64(len(j.records))
}

// Close implements journal.Journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	return nil
}
