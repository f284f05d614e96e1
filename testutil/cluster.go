// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process partition cluster driven step by
// step with a fake clock.
package testutil

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/cluster"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/journal"
	badgerjournal "github.com/absmach/correlator/journal/badger"
	memjournal "github.com/absmach/correlator/journal/memory"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/routing"
	"github.com/absmach/correlator/storage"
	badgerstore "github.com/absmach/correlator/storage/badger"
	"github.com/absmach/correlator/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// maxDrainSteps guards Drain against commands bouncing forever.
const maxDrainSteps = 100_000

// TestCluster is a set of partitions sharing a local transport and a fake
// clock. Nothing runs in the background; tests call Drain and Advance.
type TestCluster struct {
	t          testing.TB
	Clock      clockwork.FakeClock
	Transport  *cluster.LocalTransport
	Records    *RecordingExporter
	Partitions []*TestPartition

	mu        sync.Mutex
	nextID    uint64
	responses map[uint64]engine.Response
}

// TestPartition is one partition with its state.
type TestPartition struct {
	ID        int32
	Partition *engine.Partition
	Store     storage.Store
	Journal   journal.Journal
}

type options struct {
	hashMod    int32
	configure  func(*engine.Config)
	authorizer auth.Authorizer
	badgerDir  string
}

// Option configures a TestCluster.
type Option func(*options)

// WithHashMod limits message correlation to the first n partitions.
func WithHashMod(n int32) Option {
	return func(o *options) { o.hashMod = n }
}

// WithConfig adjusts the configuration of every partition.
func WithConfig(fn func(*engine.Config)) Option {
	return func(o *options) { o.configure = fn }
}

// WithAuthorizer sets the authorizer of every partition.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithBadger stores partition state and journals in badger under dir.
func WithBadger(dir string) Option {
	return func(o *options) { o.badgerDir = dir }
}

// NewTestCluster creates and recovers partitionCount partitions.
func NewTestCluster(t testing.TB, partitionCount int32, opts ...Option) *TestCluster {
	t.Helper()

	o := options{hashMod: partitionCount}
	for _, opt := range opts {
		opt(&o)
	}

	tc := &TestCluster{
		t:         t,
		Clock:     clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Transport: cluster.NewLocalTransport(cluster.BreakerConfig{FailureThreshold: 1_000_000}, nil),
		Records:   NewRecordingExporter(),
		responses: make(map[uint64]engine.Response),
	}

	state := routing.NewStateWithHashMod(partitionCount, o.hashMod)
	for _, id := range state.Partitions {
		cfg := engine.DefaultConfig(id, state)
		if o.configure != nil {
			o.configure(&cfg)
		}
		store, j := tc.openState(id, o.badgerDir)

		popts := []engine.Option{
			engine.WithClock(tc.Clock),
			engine.WithExporters(tc.Records),
			engine.WithResponder(engine.ResponderFunc(tc.respond)),
		}
		if o.authorizer != nil {
			popts = append(popts, engine.WithAuthorizer(o.authorizer))
		}
		p, err := engine.New(cfg, store, j, tc.Transport, popts...)
		require.NoError(t, err)
		require.NoError(t, p.Recover())

		tc.Transport.Register(id, p)
		tc.Partitions = append(tc.Partitions, &TestPartition{ID: id, Partition: p, Store: store, Journal: j})
	}

	t.Cleanup(tc.Close)
	return tc
}

func (tc *TestCluster) openState(id int32, dir string) (storage.Store, journal.Journal) {
	if dir == "" {
		return memory.New(), memjournal.New()
	}
	base := filepath.Join(dir, fmt.Sprintf("partition-%d", id))
	store, err := badgerstore.New(badgerstore.Config{Dir: filepath.Join(base, "state")})
	require.NoError(tc.t, err)
	j, err := badgerjournal.New(badgerjournal.Config{Dir: filepath.Join(base, "journal")})
	require.NoError(tc.t, err)
	return store, j
}

// Close releases partition state.
func (tc *TestCluster) Close() {
	for _, p := range tc.Partitions {
		p.Partition.Stop()
		_ = p.Journal.Close()
		_ = p.Store.Close()
	}
	tc.Partitions = nil
}

// Partition returns a partition by id.
func (tc *TestCluster) Partition(id int32) *TestPartition {
	for _, p := range tc.Partitions {
		if p.ID == id {
			return p
		}
	}
	tc.t.Fatalf("unknown partition %d", id)
	return nil
}

// PartitionFor returns the partition owning a correlation key.
func (tc *TestCluster) PartitionFor(correlationKey string) int32 {
	return tc.Partitions[0].Partition.Config().Routing.PartitionForCorrelationKey(correlationKey)
}

// Submit enqueues cmd on a partition as an anonymous principal and returns
// the request id.
func (tc *TestCluster) Submit(partitionID int32, cmd protocol.Command) uint64 {
	return tc.SubmitAs(partitionID, cmd, auth.Principal{})
}

// SubmitAs enqueues cmd on behalf of principal.
func (tc *TestCluster) SubmitAs(partitionID int32, cmd protocol.Command, principal auth.Principal) uint64 {
	tc.t.Helper()

	tc.mu.Lock()
	tc.nextID++
	id := tc.nextID
	tc.mu.Unlock()

	err := tc.Partition(partitionID).Partition.Submit(engine.Request{Command: cmd, Principal: principal, RequestID: id})
	require.NoError(tc.t, err)
	return id
}

// Drain processes commands on all partitions until every queue is empty.
func (tc *TestCluster) Drain() {
	tc.t.Helper()

	for step := 0; step < maxDrainSteps; step++ {
		progressed := false
		for _, p := range tc.Partitions {
			if p.Partition.ProcessNext() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	tc.t.Fatalf("cluster did not settle after %d steps", maxDrainSteps)
}

// Advance moves the clock, runs due scheduled tasks and drains.
func (tc *TestCluster) Advance(d time.Duration) {
	tc.t.Helper()

	tc.Clock.Advance(d)
	tc.RunScheduledTasks()
}

// RunScheduledTasks runs due tasks on all partitions and drains.
func (tc *TestCluster) RunScheduledTasks() {
	tc.t.Helper()

	for _, p := range tc.Partitions {
		p.Partition.RunScheduledTasks()
	}
	tc.Drain()
}

func (tc *TestCluster) respond(r engine.Response) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.responses[r.RequestID] = r
}

// Response returns the response to a request.
func (tc *TestCluster) Response(requestID uint64) (engine.Response, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	r, ok := tc.responses[requestID]
	return r, ok
}
