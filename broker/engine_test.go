// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/cluster"
	"github.com/absmach/correlator/engine"
	memjournal "github.com/absmach/correlator/journal/memory"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/routing"
	"github.com/absmach/correlator/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()

	state := routing.NewState(1)
	b := broker.New(broker.Config{Routing: state, RequestTimeout: 5 * time.Second}, nil)
	transport := cluster.NewLocalTransport(cluster.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Second}, nil)

	p, err := engine.New(engine.DefaultConfig(1, state), memory.New(), memjournal.New(), transport, engine.WithResponder(b))
	require.NoError(t, err)
	require.NoError(t, p.Recover())
	transport.Register(1, p)
	b.Register(p)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	require.Eventually(t, b.Ready, time.Second, 5*time.Millisecond)
	return b
}

func TestBrokerCorrelatesToWaitingInstance(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	proc := bpmn.NewProcess("order").
		StartEvent("start").
		IntermediateCatchEvent("wait", "order canceled", "orderId").
		EndEvent("end").
		MustBuild()
	_, err := b.Deploy(ctx, auth.Principal{}, protocol.DeploymentRecord{Processes: []protocol.ProcessRecord{proc}})
	require.NoError(t, err)

	inst, err := b.CreateInstance(ctx, auth.Principal{}, protocol.ProcessInstanceRecord{
		BpmnProcessID: "order",
		Variables:     map[string]any{"orderId": "order-123"},
	})
	require.NoError(t, err)

	rec, err := b.Correlate(ctx, auth.Principal{}, protocol.MessageCorrelationRecord{
		Name:           "order canceled",
		CorrelationKey: "order-123",
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageCorrelationCorrelated, rec.Intent)
	assert.Equal(t, inst.Key, rec.Value.(protocol.MessageCorrelationRecord).ProcessInstanceKey)
}

func TestBrokerPublishDuplicate(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	msg := protocol.MessageRecord{Name: "a", CorrelationKey: "k", MessageID: "m-1", TimeToLive: time.Hour}
	rec, err := b.Publish(ctx, auth.Principal{}, msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessagePublished, rec.Intent)

	_, err = b.Publish(ctx, auth.Principal{}, msg)
	assert.ErrorIs(t, err, protocol.ErrAlreadyExists)
}

func TestBrokerCorrelateWithoutSubscription(t *testing.T) {
	b := startBroker(t)

	_, err := b.Correlate(context.Background(), auth.Principal{}, protocol.MessageCorrelationRecord{Name: "a", CorrelationKey: "k"})
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestBrokerCancelInstance(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	proc := bpmn.NewProcess("order").
		StartEvent("start").
		IntermediateCatchEvent("wait", "order canceled", "orderId").
		EndEvent("end").
		MustBuild()
	_, err := b.Deploy(ctx, auth.Principal{}, protocol.DeploymentRecord{Processes: []protocol.ProcessRecord{proc}})
	require.NoError(t, err)
	inst, err := b.CreateInstance(ctx, auth.Principal{}, protocol.ProcessInstanceRecord{
		BpmnProcessID: "order",
		Variables:     map[string]any{"orderId": "order-123"},
	})
	require.NoError(t, err)

	_, err = b.CancelInstance(ctx, auth.Principal{}, inst.Key)
	require.NoError(t, err)

	_, err = b.CancelInstance(ctx, auth.Principal{}, inst.Key)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}
