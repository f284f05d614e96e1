// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal is the ordered, durable per-partition record log.
package journal

import (
	"errors"

	"github.com/absmach/correlator/protocol"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// Journal appends records in order and assigns their positions. Positions
// start at 1 and are contiguous.
type Journal interface {
	// Append writes records atomically, setting their positions, and returns
	// them.
	Append(records []protocol.Record) ([]protocol.Record, error)

	// Read returns up to limit records starting at position from.
	Read(from int64, limit int) ([]protocol.Record, error)

	// LastPosition returns the position of the newest record, or 0.
	LastPosition() int64

	// Close releases the journal.
	Close() error
}
