// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := New(1024)

	b := p.Get()
	b.WriteString("record")
	p.Put(b)

	b2 := p.Get()
	assert.Zero(t, b2.Len())
	p.Put(b2)
}

func TestPutDropsOversizedBuffer(t *testing.T) {
	p := New(16)

	b := p.Get()
	b.Grow(1024)
	assert.NotPanics(t, func() { p.Put(b) })
	assert.NotPanics(t, func() { p.Put(nil) })
}

func TestEncodedLen(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"string", "correlation-key"},
		{"struct", struct {
			Name string `json:"name"`
			TTL  int64  `json:"ttl"`
		}{"order-paid", 60000}},
		{"map", map[string]any{"orderId": 42, "items": []string{"a", "b"}}},
		{"escaped", "<tag>&"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want, err := json.Marshal(tc.value)
			require.NoError(t, err)

			n, err := EncodedLen(tc.value)
			require.NoError(t, err)
			assert.Equal(t, len(want), n)
		})
	}
}

func TestEncodedLenError(t *testing.T) {
	_, err := EncodedLen(make(chan int))
	assert.Error(t, err)
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := EncodedLen("partition")
			assert.NoError(t, err)
			assert.Equal(t, len(`"partition"`), n)
		}()
	}
	wg.Wait()
}
