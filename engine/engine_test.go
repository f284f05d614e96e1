// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"testing"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/cluster"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	orderCanceled = "order canceled"
	orderKey      = "order-123"
)

func orderProcess() protocol.ProcessRecord {
	return bpmn.NewProcess("order").
		StartEvent("start").
		IntermediateCatchEvent("wait", orderCanceled, "orderId").
		EndEvent("end").
		MustBuild()
}

func deploy(t *testing.T, tc *testutil.TestCluster, procs ...protocol.ProcessRecord) protocol.DeploymentRecord {
	t.Helper()

	id := tc.Submit(1, protocol.DeployProcess{Deployment: protocol.DeploymentRecord{Processes: procs}})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	require.NoError(t, resp.Err)
	return resp.Record.Value.(protocol.DeploymentRecord)
}

func createInstance(t *testing.T, tc *testutil.TestCluster, rec protocol.ProcessInstanceRecord) int64 {
	t.Helper()

	id := tc.Submit(1, protocol.CreateProcessInstance{Instance: rec})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	require.NoError(t, resp.Err)
	return resp.Record.Key
}

func createOrder(t *testing.T, tc *testutil.TestCluster) int64 {
	t.Helper()
	return createInstance(t, tc, protocol.ProcessInstanceRecord{
		BpmnProcessID: "order",
		Variables:     map[string]any{"orderId": orderKey},
	})
}

func publish(t *testing.T, tc *testutil.TestCluster, msg protocol.MessageRecord) engine.Response {
	t.Helper()

	id := tc.Submit(tc.PartitionFor(msg.CorrelationKey), protocol.PublishMessage{Message: msg})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	return resp
}

func processCompleted(rec protocol.Record) bool {
	v, ok := rec.Value.(protocol.ProcessInstanceRecord)
	return ok && rec.RecordType == protocol.RecordTypeEvent &&
		rec.Intent == protocol.ProcessInstanceElementCompleted &&
		v.ElementType == protocol.ElementProcess
}

func indexOf(records []protocol.Record, fn func(protocol.Record) bool) int {
	for i, rec := range records {
		if fn(rec) {
			return i
		}
	}
	return -1
}

func TestPublishCorrelatesToWaitingInstance(t *testing.T) {
	tc := testutil.NewTestCluster(t, 3)
	deploy(t, tc, orderProcess())
	pik := createOrder(t, tc)

	subPartition := tc.Partition(tc.PartitionFor(orderKey))
	assert.Equal(t, 1, subPartition.Store.MessageSubscriptions().Count())
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCreated), 1)

	resp := publish(t, tc, protocol.MessageRecord{
		Name:           orderCanceled,
		CorrelationKey: orderKey,
		TimeToLive:     time.Hour,
		Variables:      map[string]any{"reason": "customer"},
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, protocol.MessagePublished, resp.Record.Intent)

	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	pms := correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord)
	assert.Equal(t, pik, pms.ProcessInstanceKey)
	assert.Equal(t, resp.Record.Key, pms.MessageKey)
	assert.Equal(t, "customer", pms.Variables["reason"])

	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCorrelated), 1)
	assert.Len(t, tc.Records.Filter(processCompleted), 1)

	assert.Equal(t, 0, subPartition.Store.MessageSubscriptions().Count())
	assert.Equal(t, 0, tc.Partition(1).Store.ProcessMessageSubscriptions().Count())
	// The message stays buffered for other processes.
	assert.Equal(t, 1, subPartition.Store.Messages().Count())
}

func TestPublishDuplicateMessageID(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	msg := protocol.MessageRecord{Name: "a", CorrelationKey: "k", MessageID: "m-1", TimeToLive: time.Minute}

	require.NoError(t, publish(t, tc, msg).Err)
	resp := publish(t, tc, msg)
	require.Error(t, resp.Err)
	assert.ErrorIs(t, resp.Err, protocol.ErrAlreadyExists)

	// The same id in another tenant does not collide.
	other := msg
	other.TenantID = "tenant-b"
	require.NoError(t, publish(t, tc, other).Err)

	// Empty ids never collide.
	anon := protocol.MessageRecord{Name: "a", CorrelationKey: "k", TimeToLive: time.Minute}
	require.NoError(t, publish(t, tc, anon).Err)
	require.NoError(t, publish(t, tc, anon).Err)

	// Once expired the id is free again.
	tc.Advance(2 * time.Minute)
	require.NoError(t, publish(t, tc, msg).Err)
}

func TestExpiredMessageReleasesIDBeforeSweep(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	msg := protocol.MessageRecord{Name: "a", CorrelationKey: "k", MessageID: "m-1", TimeToLive: time.Second}
	first := publish(t, tc, msg)
	require.NoError(t, first.Err)

	// Deadline passed, TTL scan not run yet.
	tc.Clock.Advance(2 * time.Second)
	renewed := msg
	renewed.TimeToLive = time.Hour
	second := publish(t, tc, renewed)
	require.NoError(t, second.Err)
	assert.NotEqual(t, first.Record.Key, second.Record.Key)

	// Sweeping the old message leaves the id with the new one.
	tc.Advance(engine.DefaultTTLCheckInterval)
	expired := tc.Records.Events(protocol.ValueTypeMessage, protocol.MessageExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, first.Record.Key, expired[0].Key)
	assert.ErrorIs(t, publish(t, tc, renewed).Err, protocol.ErrAlreadyExists)
}

func TestZeroTTLMessageExpiresImmediately(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		tc := testutil.NewTestCluster(t, 2)
		resp := publish(t, tc, protocol.MessageRecord{Name: "a", CorrelationKey: "k", TimeToLive: ttl})
		require.NoError(t, resp.Err)

		assert.Equal(t, []protocol.Intent{protocol.MessagePublished, protocol.MessageExpired},
			tc.Records.Intents(protocol.ValueTypeMessage))
		assert.Equal(t, 0, tc.Partition(tc.PartitionFor("k")).Store.Messages().Count())
	}
}

func TestZeroTTLMessageCorrelatesToOpenSubscription(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	createOrder(t, tc)

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey})

	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 1)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessage, protocol.MessageExpired), 1)
}

func TestBufferedMessageCorrelatesWhenSubscriptionOpens(t *testing.T) {
	tc := testutil.NewTestCluster(t, 3)
	deploy(t, tc, orderProcess())

	resp := publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	require.NoError(t, resp.Err)

	pik := createOrder(t, tc)
	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	assert.Equal(t, pik, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).ProcessInstanceKey)
	assert.Equal(t, resp.Record.Key, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).MessageKey)
}

func TestExpiredMessageIsNotCorrelated(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Second})
	// Deadline passed, TTL scan not run yet.
	tc.Clock.Advance(2 * time.Second)

	createOrder(t, tc)
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated))
}

func TestMessageCorrelatesOncePerProcess(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	first := createOrder(t, tc)
	second := createOrder(t, tc)

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	assert.Equal(t, first, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).ProcessInstanceKey)

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	correlated = tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 2)
	assert.Equal(t, second, correlated[1].Value.(protocol.ProcessMessageSubscriptionRecord).ProcessInstanceKey)
}

func TestMessageCorrelatesToEveryProcess(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	other := bpmn.NewProcess("audit").
		StartEvent("start").
		ReceiveTask("wait", orderCanceled, "orderId").
		MustBuild()
	deploy(t, tc, orderProcess(), other)

	createOrder(t, tc)
	createInstance(t, tc, protocol.ProcessInstanceRecord{BpmnProcessID: "audit", Variables: map[string]any{"orderId": orderKey}})

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 2)
	assert.Len(t, tc.Records.Filter(processCompleted), 2)
}

func TestNonInterruptingSubscriptionCorrelatesInPublishOrder(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, bpmn.NewProcess("shipment").
		StartEvent("start").
		ServiceTask("ship").
		BoundaryEvent("update", "shipment update", "id", false).
		EndEvent("end").
		MustBuild())

	var keys []int64
	for i := 1; i <= 3; i++ {
		resp := publish(t, tc, protocol.MessageRecord{
			Name:           "shipment update",
			CorrelationKey: "s-1",
			TimeToLive:     time.Hour,
			Variables:      map[string]any{"n": i},
		})
		require.NoError(t, resp.Err)
		keys = append(keys, resp.Record.Key)
	}

	pik := createInstance(t, tc, protocol.ProcessInstanceRecord{BpmnProcessID: "shipment", Variables: map[string]any{"id": "s-1"}})

	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 3)
	for i, rec := range correlated {
		assert.Equal(t, keys[i], rec.Value.(protocol.ProcessMessageSubscriptionRecord).MessageKey)
	}

	inst, ok := tc.Partition(1).Partition.Processes().Instance(pik)
	require.True(t, ok)
	assert.EqualValues(t, 3, inst.Variables["n"])

	// A later message correlates as well.
	publish(t, tc, protocol.MessageRecord{Name: "shipment update", CorrelationKey: "s-1", TimeToLive: time.Hour})
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 4)
}

func TestDuplicateCorrelateIsAppliedOnce(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	createOrder(t, tc)

	tc.Transport.SetInterceptor(cluster.DuplicateAll(
		cluster.IntentOf[protocol.CorrelateProcessMessageSubscription](protocol.ProcessMessageSubscriptionCorrelate)))
	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})

	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 1)
	rejections := tc.Records.Rejections(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelate)
	require.Len(t, rejections, 1)
	assert.Equal(t, protocol.RejectionInvalidState, rejections[0].RejectionType)
	assert.Len(t, tc.Records.Filter(processCompleted), 1)
}

func TestRedeliveredEarlierCorrelateIsRejected(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, bpmn.NewProcess("shipment").
		StartEvent("start").
		ServiceTask("ship").
		BoundaryEvent("update", "shipment update", "id", false).
		EndEvent("end").
		MustBuild())
	pik := createInstance(t, tc, protocol.ProcessInstanceRecord{BpmnProcessID: "shipment", Variables: map[string]any{"id": "s-1"}})

	var keys []int64
	for i := 1; i <= 2; i++ {
		resp := publish(t, tc, protocol.MessageRecord{
			Name:           "shipment update",
			CorrelationKey: "s-1",
			TimeToLive:     time.Hour,
			Variables:      map[string]any{"n": i},
		})
		require.NoError(t, resp.Err)
		keys = append(keys, resp.Record.Key)
	}
	require.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 2)

	correlates := tc.Records.Commands(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelate)
	require.Len(t, correlates, 2)
	first := correlates[0].Value.(protocol.ProcessMessageSubscriptionRecord)
	require.Equal(t, keys[0], first.MessageKey)

	// The first CORRELATE arrives again after the second was applied.
	tc.Submit(1, protocol.CorrelateProcessMessageSubscription{Subscription: first})
	tc.Drain()

	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 2)
	for i, rec := range correlated {
		assert.Equal(t, keys[i], rec.Value.(protocol.ProcessMessageSubscriptionRecord).MessageKey)
	}
	rejections := tc.Records.Rejections(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelate)
	require.Len(t, rejections, 1)
	assert.Equal(t, protocol.RejectionInvalidState, rejections[0].RejectionType)

	inst, ok := tc.Partition(1).Partition.Processes().Instance(pik)
	require.True(t, ok)
	assert.EqualValues(t, 2, inst.Variables["n"])
}

func TestCorrelateRetriedUntilDelivered(t *testing.T) {
	for _, drops := range []int{1, 3, 5} {
		tc := testutil.NewTestCluster(t, 2)
		deploy(t, tc, orderProcess())
		createOrder(t, tc)

		tc.Transport.SetInterceptor(cluster.DropFirst(drops,
			cluster.IntentOf[protocol.CorrelateProcessMessageSubscription](protocol.ProcessMessageSubscriptionCorrelate)))
		publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
		assert.Empty(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated))

		for i := 0; i < drops; i++ {
			tc.Advance(engine.DefaultSubscriptionCheckInterval)
		}

		assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 1)
		assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCorrelated), 1)

		// Nothing is left to resend.
		tc.Advance(engine.DefaultSubscriptionCheckInterval)
		assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 1)
	}
}

func TestLostCorrelateAcknowledgementConverges(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	createOrder(t, tc)
	createOrder(t, tc)

	tc.Transport.SetInterceptor(cluster.DropFirst(2,
		cluster.IntentOf[protocol.CorrelateMessageSubscription](protocol.MessageSubscriptionCorrelate)))
	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	tc.Advance(engine.DefaultSubscriptionCheckInterval)

	// The first instance consumed the message; the second never sees it.
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated), 1)
	assert.Len(t, tc.Records.Filter(processCompleted), 1)
	assert.Equal(t, 1, tc.Partition(tc.PartitionFor(orderKey)).Store.MessageSubscriptions().Count())
}

func TestSubscriptionOpeningRetried(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())

	tc.Transport.SetInterceptor(cluster.DropFirst(1,
		cluster.IntentOf[protocol.CreateMessageSubscription](protocol.MessageSubscriptionCreate)))
	createOrder(t, tc)
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCreated))

	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCreated), 1)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCreated), 1)
}

func TestDuplicateSubscriptionOpenRejected(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())

	tc.Transport.SetInterceptor(cluster.DuplicateAll(
		cluster.IntentOf[protocol.CreateMessageSubscription](protocol.MessageSubscriptionCreate)))
	createOrder(t, tc)

	rejections := tc.Records.Rejections(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCreate)
	require.Len(t, rejections, 1)
	assert.Equal(t, protocol.RejectionInvalidState, rejections[0].RejectionType)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCreated), 1)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCreated), 1)
}

func TestPublishRoutedToWrongPartitionRejected(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2, testutil.WithHashMod(1))
	require.Equal(t, int32(1), tc.PartitionFor(orderKey))

	id := tc.Submit(2, protocol.PublishMessage{Message: protocol.MessageRecord{Name: "a", CorrelationKey: orderKey, TimeToLive: time.Minute}})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, protocol.ErrInvalidState)
	assert.Contains(t, resp.Err.Error(), "not routed to the right partition")
	assert.Equal(t, 0, tc.Partition(2).Store.Messages().Count())

	resp = publish(t, tc, protocol.MessageRecord{Name: "a", CorrelationKey: orderKey, TimeToLive: time.Minute})
	require.NoError(t, resp.Err)
	assert.Equal(t, int32(1), resp.PartitionID)
}

func TestMessageStartEventCreatesInstance(t *testing.T) {
	tc := testutil.NewTestCluster(t, 3)
	deploy(t, tc, bpmn.NewProcess("process").
		MessageStartEvent("start", "messageName").
		EndEvent("end").
		MustBuild())

	resp := publish(t, tc, protocol.MessageRecord{Name: "messageName", CorrelationKey: uuid.NewString(), TimeToLive: time.Minute})
	require.NoError(t, resp.Err)

	records := tc.Records.Records()
	correlated := indexOf(records, func(rec protocol.Record) bool {
		return rec.IsEvent() && rec.ValueType == protocol.ValueTypeMessageStartEventSubscription &&
			rec.Intent == protocol.MessageStartEventSubscriptionCorrelated
	})
	completed := indexOf(records, processCompleted)
	require.GreaterOrEqual(t, correlated, 0)
	require.GreaterOrEqual(t, completed, 0)
	assert.Less(t, correlated, completed)

	sub := records[correlated].Value.(protocol.MessageStartEventSubscriptionRecord)
	assert.Equal(t, resp.Record.Key, sub.MessageKey)
	assert.Equal(t, records[completed].Key, sub.ProcessInstanceKey)
}

func TestMessageStartEventOneInstancePerCorrelationKey(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, bpmn.NewProcess("wf").
		MessageStartEvent("start", "start").
		ReceiveTask("wait", "continue", "key").
		EndEvent("end").
		MustBuild())

	startMsg := protocol.MessageRecord{Name: "start", CorrelationKey: "k1", TimeToLive: time.Hour, Variables: map[string]any{"key": "k1"}}
	publish(t, tc, startMsg)
	publish(t, tc, startMsg)

	started := func() []protocol.Record {
		return tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated)
	}
	require.Len(t, started(), 1)

	// Completing the active instance starts the next one from the buffer.
	publish(t, tc, protocol.MessageRecord{Name: "continue", CorrelationKey: "k1", TimeToLive: time.Hour})
	require.Len(t, started(), 2)
	first := started()[0].Value.(protocol.MessageStartEventSubscriptionRecord)
	second := started()[1].Value.(protocol.MessageStartEventSubscriptionRecord)
	assert.Less(t, first.MessageKey, second.MessageKey)
	assert.NotEqual(t, first.ProcessInstanceKey, second.ProcessInstanceKey)

	// The message that started an instance never starts another one.
	publish(t, tc, protocol.MessageRecord{Name: "continue", CorrelationKey: "k1", TimeToLive: time.Hour})
	assert.Len(t, started(), 2)
	assert.Len(t, tc.Records.Filter(processCompleted), 2)
}

func TestMessageStartEventWithoutCorrelationKey(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, bpmn.NewProcess("wf").
		MessageStartEvent("start", "start").
		ReceiveTask("wait", "continue", "key").
		MustBuild())

	msg := protocol.MessageRecord{Name: "start", TimeToLive: time.Hour, Variables: map[string]any{"key": "x"}}
	publish(t, tc, msg)
	publish(t, tc, msg)

	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated), 2)
}

func TestMessageStartEventUsesLatestVersion(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	v1 := deploy(t, tc, bpmn.NewProcess("wf").MessageStartEvent("start", "go").EndEvent("end").MustBuild())
	v2 := deploy(t, tc, bpmn.NewProcess("wf").MessageStartEvent("start", "go").EndEvent("done").MustBuild())
	require.Equal(t, int32(1), v1.Processes[0].Version)
	require.Equal(t, int32(2), v2.Processes[0].Version)

	// Redeploying an identical definition keeps the version.
	again := deploy(t, tc, bpmn.NewProcess("wf").MessageStartEvent("start", "go").EndEvent("done").MustBuild())
	assert.Equal(t, v2.Processes[0].ProcessDefinitionKey, again.Processes[0].ProcessDefinitionKey)

	// Every partition dropped the subscription of version 1.
	deleted := tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionDeleted)
	assert.Len(t, deleted, 2)

	publish(t, tc, protocol.MessageRecord{Name: "go", CorrelationKey: "c", TimeToLive: time.Minute})
	started := tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated)
	require.Len(t, started, 1)
	assert.Equal(t, v2.Processes[0].ProcessDefinitionKey, started[0].Value.(protocol.MessageStartEventSubscriptionRecord).ProcessDefinitionKey)
}

func TestMessageStartEventTieBreakByDefinitionKey(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1)
	deploy(t, tc,
		bpmn.NewProcess("b").MessageStartEvent("start", "go").ReceiveTask("wait", "x", "k").MustBuild(),
		bpmn.NewProcess("a").MessageStartEvent("start", "go").ReceiveTask("wait", "x", "k").MustBuild())

	id := tc.Submit(1, protocol.CorrelateMessage{Correlation: protocol.MessageCorrelationRecord{Name: "go", CorrelationKey: "c", Variables: map[string]any{"k": "v"}}})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	require.NoError(t, resp.Err)

	started := tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated)
	require.Len(t, started, 2)
	firstDef := started[0].Value.(protocol.MessageStartEventSubscriptionRecord)
	secondDef := started[1].Value.(protocol.MessageStartEventSubscriptionRecord)
	assert.Less(t, firstDef.ProcessDefinitionKey, secondDef.ProcessDefinitionKey)
	assert.Equal(t, "b", firstDef.BpmnProcessID)

	corr := resp.Record.Value.(protocol.MessageCorrelationRecord)
	assert.Equal(t, firstDef.ProcessInstanceKey, corr.ProcessInstanceKey)
}

func TestCorrelateMessageToWaitingInstance(t *testing.T) {
	tc := testutil.NewTestCluster(t, 3)
	deploy(t, tc, orderProcess())
	pik := createOrder(t, tc)

	id := tc.Submit(tc.PartitionFor(orderKey), protocol.CorrelateMessage{Correlation: protocol.MessageCorrelationRecord{
		Name:           orderCanceled,
		CorrelationKey: orderKey,
	}})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	require.NoError(t, resp.Err)
	assert.Equal(t, protocol.MessageCorrelationCorrelated, resp.Record.Intent)
	assert.Equal(t, pik, resp.Record.Value.(protocol.MessageCorrelationRecord).ProcessInstanceKey)

	// Correlated messages are not buffered.
	assert.Equal(t, 0, tc.Partition(tc.PartitionFor(orderKey)).Store.Messages().Count())
}

func TestCorrelateMessageWithoutSubscriptionNotFound(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)

	id := tc.Submit(tc.PartitionFor("k"), protocol.CorrelateMessage{Correlation: protocol.MessageCorrelationRecord{Name: "nobody", CorrelationKey: "k"}})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, protocol.ErrNotFound)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageCorrelation, protocol.MessageCorrelationNotCorrelated), 1)
}

func TestCorrelateForbiddenForAnyCandidate(t *testing.T) {
	alice := auth.Principal{Username: "alice"}
	authorizer := auth.NewStatic(map[string][]auth.Grant{
		"alice": {
			{Resource: auth.ResourceProcessDefinition, Permission: auth.PermissionCreateProcessInstance, ResourceIDs: []string{"p1"}},
			{Resource: auth.ResourceMessage, Permission: auth.PermissionCreate},
		},
	}, false, protocol.DefaultTenantID)
	tc := testutil.NewTestCluster(t, 1, testutil.WithAuthorizer(authorizer))
	deploy(t, tc,
		bpmn.NewProcess("p1").MessageStartEvent("start", "go").EndEvent("end").MustBuild(),
		bpmn.NewProcess("p2").MessageStartEvent("start", "go").EndEvent("end").MustBuild())

	id := tc.SubmitAs(1, protocol.CorrelateMessage{Correlation: protocol.MessageCorrelationRecord{Name: "go", CorrelationKey: "c"}}, alice)
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, protocol.ErrForbidden)
	assert.Contains(t, resp.Err.Error(), "Insufficient permissions to perform operation 'CREATE_PROCESS_INSTANCE' on resource 'PROCESS_DEFINITION', required resource identifiers are one of '[*, p2]'")
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated))
	assert.Empty(t, tc.Records.Filter(processCompleted))

	// Publishing only needs the message permission.
	id = tc.SubmitAs(1, protocol.PublishMessage{Message: protocol.MessageRecord{Name: "go", CorrelationKey: "c", TimeToLive: time.Minute}}, alice)
	tc.Drain()
	resp, _ = tc.Response(id)
	require.NoError(t, resp.Err)
	assert.Len(t, tc.Records.Filter(processCompleted), 2)
}

func TestPublishForbiddenWithoutPermission(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1, testutil.WithAuthorizer(auth.NewStatic(nil, false, protocol.DefaultTenantID)))

	id := tc.SubmitAs(1, protocol.PublishMessage{Message: protocol.MessageRecord{Name: "a", CorrelationKey: "k"}}, auth.Principal{Username: "bob"})
	tc.Drain()
	resp, ok := tc.Response(id)
	require.True(t, ok)
	assert.ErrorIs(t, resp.Err, protocol.ErrForbidden)
	assert.Contains(t, resp.Err.Error(), "Insufficient permissions to perform operation 'CREATE' on resource 'MESSAGE'")
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessage, protocol.MessagePublished))
}

func TestPublishForbiddenForUnauthorizedTenant(t *testing.T) {
	authorizer := auth.NewStatic(map[string][]auth.Grant{
		"carol": {{Resource: auth.ResourceMessage, Permission: auth.PermissionCreate}},
	}, true, protocol.DefaultTenantID)
	tc := testutil.NewTestCluster(t, 1, testutil.WithAuthorizer(authorizer))
	carol := auth.Principal{Username: "carol", TenantIDs: []string{"tenant-a"}}

	id := tc.SubmitAs(1, protocol.PublishMessage{Message: protocol.MessageRecord{Name: "a", TenantID: "tenant-b"}}, carol)
	tc.Drain()
	resp, _ := tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrForbidden)

	id = tc.SubmitAs(1, protocol.PublishMessage{Message: protocol.MessageRecord{Name: "a", TenantID: "tenant-a"}}, carol)
	tc.Drain()
	resp, _ = tc.Response(id)
	assert.NoError(t, resp.Err)
}

func TestTenantsAreIsolated(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	process := func(tenant string) protocol.ProcessRecord {
		return bpmn.NewProcess("order").
			TenantID(tenant).
			StartEvent("start").
			IntermediateCatchEvent("wait", orderCanceled, "orderId").
			MustBuild()
	}
	deploy(t, tc, process("tenant-a"), process("tenant-b"))
	createInstance(t, tc, protocol.ProcessInstanceRecord{BpmnProcessID: "order", TenantID: "tenant-a", Variables: map[string]any{"orderId": orderKey}})

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TenantID: "tenant-b", TimeToLive: time.Hour})
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCorrelating))

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TenantID: "tenant-c", TimeToLive: time.Hour})
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated))

	// A tenant-b instance picks up the tenant-b message only.
	createInstance(t, tc, protocol.ProcessInstanceRecord{BpmnProcessID: "order", TenantID: "tenant-b", Variables: map[string]any{"orderId": orderKey}})
	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	assert.Equal(t, "tenant-b", correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).TenantID)
}

func TestMessagesExpireInPublishOrder(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())

	var keys []int64
	for _, id := range []string{"first", "second"} {
		resp := publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, MessageID: id, TimeToLive: 100 * time.Millisecond})
		require.NoError(t, resp.Err)
		keys = append(keys, resp.Record.Key)
	}

	tc.Advance(engine.DefaultTTLCheckInterval)

	expired := tc.Records.Events(protocol.ValueTypeMessage, protocol.MessageExpired)
	require.Len(t, expired, 2)
	assert.Equal(t, keys[0], expired[0].Key)
	assert.Equal(t, keys[1], expired[1].Key)
	batch := tc.Records.Events(protocol.ValueTypeMessageBatch, protocol.MessageBatchExpired)
	require.Len(t, batch, 1)
	assert.Equal(t, keys, batch[0].Value.(protocol.MessageBatchRecord).MessageKeys)

	createOrder(t, tc)
	createOrder(t, tc)
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCorrelating))
}

func TestMessagesExpireOneByOneWithoutBatching(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1, testutil.WithConfig(func(c *engine.Config) {
		c.TTLBatchLimit = 1
		c.AppendMessageBodyOnExpired = true
	}))
	for i := 0; i < 3; i++ {
		publish(t, tc, protocol.MessageRecord{Name: "a", CorrelationKey: "k", TimeToLive: time.Second, Variables: map[string]any{"i": i}})
	}

	// One message per pass; the check reruns while messages are due.
	tc.Advance(engine.DefaultTTLCheckInterval)
	assert.Len(t, tc.Records.Commands(protocol.ValueTypeMessage, protocol.MessageExpire), 1)
	tc.RunScheduledTasks()
	tc.RunScheduledTasks()

	assert.Len(t, tc.Records.Commands(protocol.ValueTypeMessage, protocol.MessageExpire), 3)
	expired := tc.Records.Events(protocol.ValueTypeMessage, protocol.MessageExpired)
	require.Len(t, expired, 3)
	assert.Equal(t, "a", expired[0].Value.(protocol.MessageRecord).Name)
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageBatch, protocol.MessageBatchExpired))
}

func TestMessagesExpireIndividuallyWhenBatchingDisabled(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1, testutil.WithConfig(func(c *engine.Config) {
		c.BatchExpiry = false
	}))
	for range 3 {
		publish(t, tc, protocol.MessageRecord{Name: "a", CorrelationKey: "k", TimeToLive: time.Second})
	}

	tc.Advance(engine.DefaultTTLCheckInterval)

	assert.Len(t, tc.Records.Commands(protocol.ValueTypeMessage, protocol.MessageExpire), 3)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessage, protocol.MessageExpired), 3)
	assert.Empty(t, tc.Records.Commands(protocol.ValueTypeMessageBatch, protocol.MessageBatchExpire))
}

func TestExpireBatchOfMissingMessagesRejected(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1)

	tc.Submit(1, protocol.ExpireMessageBatch{Batch: protocol.MessageBatchRecord{MessageKeys: []int64{1, 2}}})
	tc.Drain()

	rejections := tc.Records.Rejections(protocol.ValueTypeMessageBatch, protocol.MessageBatchExpire)
	require.Len(t, rejections, 1)
	assert.Equal(t, protocol.RejectionNotFound, rejections[0].RejectionType)
}

func TestCancelClosesSubscriptions(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	pik := createOrder(t, tc)

	id := tc.Submit(1, protocol.CancelProcessInstance{ProcessInstanceKey: pik})
	tc.Drain()
	resp, _ := tc.Response(id)
	require.NoError(t, resp.Err)

	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionDeleted), 1)
	assert.Equal(t, 0, tc.Partition(1).Store.ProcessMessageSubscriptions().Count())
	assert.Equal(t, 0, tc.Partition(tc.PartitionFor(orderKey)).Store.MessageSubscriptions().Count())

	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionCorrelating))

	id = tc.Submit(1, protocol.CancelProcessInstance{ProcessInstanceKey: pik})
	tc.Drain()
	resp, _ = tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrNotFound)
}

func TestOrphanSubscriptionReleasesMessage(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	deploy(t, tc, orderProcess())
	pik := createOrder(t, tc)

	tc.Transport.SetInterceptor(cluster.DropFirst(1,
		cluster.IntentOf[protocol.DeleteMessageSubscription](protocol.MessageSubscriptionDelete)))
	tc.Submit(1, protocol.CancelProcessInstance{ProcessInstanceKey: pik})
	tc.Drain()
	subPartition := tc.Partition(tc.PartitionFor(orderKey))
	require.Equal(t, 1, subPartition.Store.MessageSubscriptions().Count())

	second := createOrder(t, tc)
	publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: time.Hour})

	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageSubscription, protocol.MessageSubscriptionRejected), 1)
	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	assert.Equal(t, second, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).ProcessInstanceKey)
	assert.Equal(t, 0, subPartition.Store.MessageSubscriptions().Count())
}

func TestDeployOnlyOnDeploymentPartition(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)

	id := tc.Submit(2, protocol.DeployProcess{Deployment: protocol.DeploymentRecord{Processes: []protocol.ProcessRecord{orderProcess()}}})
	tc.Drain()
	resp, _ := tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrInvalidState)

	id = tc.Submit(1, protocol.DeployProcess{Deployment: protocol.DeploymentRecord{Processes: []protocol.ProcessRecord{{BpmnProcessID: "broken"}}}})
	tc.Drain()
	resp, _ = tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrInvalidArgument)

	deploy(t, tc, orderProcess())
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentDistributed), 1)
	_, ok := tc.Partition(2).Partition.Processes().Latest(protocol.DefaultTenantID, "order")
	assert.True(t, ok)
}

func startProcess() protocol.ProcessRecord {
	return bpmn.NewProcess("wf").
		MessageStartEvent("start", "start").
		EndEvent("end").
		MustBuild()
}

func keyRoutedTo(tc *testutil.TestCluster, partitionID int32) string {
	for {
		if k := uuid.NewString(); tc.PartitionFor(k) == partitionID {
			return k
		}
	}
}

func TestDeploymentDistributionRetriedUntilAcknowledged(t *testing.T) {
	tc := testutil.NewTestCluster(t, 2)
	tc.Transport.SetInterceptor(cluster.DropFirst(1,
		cluster.IntentOf[protocol.DistributeDeployment](protocol.DeploymentDistribute)))

	deploy(t, tc, startProcess())
	require.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentDistributing), 1)
	assert.Empty(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentDistributed))
	_, ok := tc.Partition(2).Partition.Processes().Latest(protocol.DefaultTenantID, "wf")
	assert.False(t, ok)

	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentDistributed), 1)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentAcknowledged), 1)

	resp := publish(t, tc, protocol.MessageRecord{Name: "start", CorrelationKey: keyRoutedTo(tc, 2), TimeToLive: time.Minute})
	require.NoError(t, resp.Err)
	assert.Equal(t, int32(2), resp.PartitionID)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeMessageStartEventSubscription, protocol.MessageStartEventSubscriptionCorrelated), 1)

	// Nothing is resent once acknowledged.
	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	assert.Len(t, tc.Records.Commands(protocol.ValueTypeDeployment, protocol.DeploymentDistribute), 1)
}

func TestDuplicateDistributionIsAcknowledged(t *testing.T) {
	tc := testutil.NewTestCluster(t, 3)
	tc.Transport.SetInterceptor(cluster.DuplicateAll(
		cluster.IntentOf[protocol.DistributeDeployment](protocol.DeploymentDistribute)))

	deploy(t, tc, startProcess())
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentDistributed), 2)
	rejected := tc.Records.Rejections(protocol.ValueTypeDeployment, protocol.DeploymentDistribute)
	require.Len(t, rejected, 2)
	assert.Equal(t, protocol.RejectionAlreadyExists, rejected[0].RejectionType)

	// Every partition acknowledged once; the repeated acknowledgements are
	// refused.
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentAcknowledged), 2)
	assert.Len(t, tc.Records.Rejections(protocol.ValueTypeDeployment, protocol.DeploymentAcknowledge), 2)

	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	assert.Len(t, tc.Records.Commands(protocol.ValueTypeDeployment, protocol.DeploymentDistribute), 4)
}

func TestPendingDistributionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	tc := testutil.NewTestCluster(t, 2, testutil.WithBadger(dir))
	tc.Transport.SetInterceptor(cluster.DropFirst(1,
		cluster.IntentOf[protocol.DistributeDeployment](protocol.DeploymentDistribute)))
	deploy(t, tc, startProcess())
	tc.Close()

	tc = testutil.NewTestCluster(t, 2, testutil.WithBadger(dir))
	_, ok := tc.Partition(2).Partition.Processes().Latest(protocol.DefaultTenantID, "wf")
	require.False(t, ok)

	tc.Advance(engine.DefaultSubscriptionCheckInterval)
	_, ok = tc.Partition(2).Partition.Processes().Latest(protocol.DefaultTenantID, "wf")
	assert.True(t, ok)
	assert.Len(t, tc.Records.Events(protocol.ValueTypeDeployment, protocol.DeploymentAcknowledged), 1)
}

func TestCreateInstanceOfUnknownProcess(t *testing.T) {
	tc := testutil.NewTestCluster(t, 1)

	id := tc.Submit(1, protocol.CreateProcessInstance{Instance: protocol.ProcessInstanceRecord{BpmnProcessID: "missing"}})
	tc.Drain()
	resp, _ := tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrNotFound)

	deploy(t, tc, bpmn.NewProcess("msg-only").MessageStartEvent("start", "go").EndEvent("end").MustBuild())
	id = tc.Submit(1, protocol.CreateProcessInstance{Instance: protocol.ProcessInstanceRecord{BpmnProcessID: "msg-only"}})
	tc.Drain()
	resp, _ = tc.Response(id)
	assert.ErrorIs(t, resp.Err, protocol.ErrInvalidArgument)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	tc := testutil.NewTestCluster(t, 2, testutil.WithBadger(dir))
	deploy(t, tc, orderProcess())
	resp := publish(t, tc, protocol.MessageRecord{Name: orderCanceled, CorrelationKey: orderKey, TimeToLive: 24 * time.Hour})
	require.NoError(t, resp.Err)
	tc.Close()

	tc = testutil.NewTestCluster(t, 2, testutil.WithBadger(dir))
	assert.Equal(t, 1, tc.Partition(tc.PartitionFor(orderKey)).Store.Messages().Count())

	pik := createOrder(t, tc)
	correlated := tc.Records.Events(protocol.ValueTypeProcessMessageSubscription, protocol.ProcessMessageSubscriptionCorrelated)
	require.Len(t, correlated, 1)
	assert.Equal(t, pik, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).ProcessInstanceKey)
	assert.Equal(t, resp.Record.Key, correlated[0].Value.(protocol.ProcessMessageSubscriptionRecord).MessageKey)
	assert.NotEqual(t, resp.Record.Key, pik)
}
