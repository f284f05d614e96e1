// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool reuses the byte buffers records are encoded into.
package bufpool

import (
	"bytes"
	"encoding/json"
	"sync"
)

// DefaultMaxCap is the largest buffer kept by the default pool.
const DefaultMaxCap = 64 * 1024

var defaultPool = New(DefaultMaxCap)

// Pool hands out reset buffers. Buffers grown beyond maxCap are dropped on
// Put so one oversized record does not pin memory.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New creates a pool keeping buffers up to maxCap bytes.
func New(maxCap int) *Pool {
	return &Pool{
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

// EncodedLen returns the length of the JSON encoding of v.
func (p *Pool) EncodedLen(v any) (int, error) {
	b := p.Get()
	defer p.Put(b)

	if err := json.NewEncoder(b).Encode(v); err != nil {
		return 0, err
	}
	// Encode terminates the value with a newline.
	return b.Len() - 1, nil
}

// Get returns an empty buffer from the default pool.
func Get() *bytes.Buffer { return defaultPool.Get() }

// Put returns b to the default pool.
func Put(b *bytes.Buffer) { defaultPool.Put(b) }

// EncodedLen measures v using the default pool.
func EncodedLen(v any) (int, error) { return defaultPool.EncodedLen(v) }
