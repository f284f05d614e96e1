// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bpmn

import (
	"testing"

	"github.com/absmach/correlator/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	key    int64
	intent protocol.Intent
	value  protocol.Value
}

type sent struct {
	partition int32
	cmd       protocol.Command
}

type fakeWriter struct {
	key       int64
	events    []event
	sent      []sent
	rollbacks []func()
}

func (w *fakeWriter) NextKey() int64 {
	w.key++
	return w.key
}

func (w *fakeWriter) AppendEvent(key int64, intent protocol.Intent, value protocol.Value) error {
	w.events = append(w.events, event{key, intent, value})
	return nil
}

func (w *fakeWriter) Send(partitionID int32, cmd protocol.Command) {
	w.sent = append(w.sent, sent{partitionID, cmd})
}

func (w *fakeWriter) SubscriptionPartition(string) int32 { return 2 }

func (w *fakeWriter) OnRollback(fn func()) {
	w.rollbacks = append(w.rollbacks, fn)
}

func (w *fakeWriter) rollback() {
	for i := len(w.rollbacks) - 1; i >= 0; i-- {
		w.rollbacks[i]()
	}
	w.rollbacks = nil
}

func (w *fakeWriter) intents(vt protocol.ValueType) []protocol.Intent {
	var ret []protocol.Intent
	for _, e := range w.events {
		if e.value.ValueType() == vt {
			ret = append(ret, e.intent)
		}
	}
	return ret
}

func deployed(t *testing.T, b *Builder) protocol.ProcessRecord {
	p, err := b.Build()
	require.NoError(t, err)
	p.ProcessDefinitionKey = 100
	p.Version = 1
	p.TenantID = protocol.DefaultTenantID
	return p
}

func TestCreateInstanceRunsToCompletion(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("p").StartEvent("start").EndEvent("end"))
	e.Deploy(def)
	w := &fakeWriter{key: 1000}

	require.NoError(t, e.CreateInstance(w, def, "start", 1, nil, ""))

	assert.Equal(t, []protocol.Intent{
		protocol.ProcessInstanceElementActivated,
		protocol.ProcessInstanceElementActivated,
		protocol.ProcessInstanceElementCompleted,
		protocol.ProcessInstanceElementActivated,
		protocol.ProcessInstanceElementCompleted,
		protocol.ProcessInstanceElementCompleted,
	}, w.intents(protocol.ValueTypeProcessInstance))
	assert.Equal(t, 0, e.ActiveInstances())

	last := w.events[len(w.events)-1].value.(protocol.ProcessInstanceRecord)
	assert.Equal(t, protocol.ElementProcess, last.ElementType)
}

func TestCatchEventOpensAndConsumesSubscription(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("order").
		StartEvent("start").
		IntermediateCatchEvent("wait", "order canceled", "orderId").
		EndEvent("end"))
	w := &fakeWriter{key: 1000}

	require.NoError(t, e.CreateInstance(w, def, "start", 1, map[string]any{"orderId": "order-123"}, ""))
	assert.Equal(t, []protocol.Intent{protocol.ProcessMessageSubscriptionCreating}, w.intents(protocol.ValueTypeProcessMessageSubscription))
	require.Len(t, w.sent, 1)
	create, ok := w.sent[0].cmd.(protocol.CreateMessageSubscription)
	require.True(t, ok)
	assert.Equal(t, int32(2), w.sent[0].partition)
	assert.Equal(t, "order-123", create.Subscription.CorrelationKey)
	assert.Equal(t, "order canceled", create.Subscription.MessageName)
	assert.True(t, create.Subscription.Interrupting)

	inst, ok := e.Instance(1)
	require.True(t, ok)
	elementID, eik, ok := inst.ActiveElement()
	require.True(t, ok)
	assert.Equal(t, "wait", elementID)

	sub := w.events[len(w.events)-1].value.(protocol.ProcessMessageSubscriptionRecord)
	assert.Equal(t, eik, sub.ElementInstanceKey)

	w.sent = nil
	require.NoError(t, e.Trigger(w, sub, map[string]any{"reason": "customer"}))
	assert.Equal(t, []protocol.Intent{
		protocol.ProcessMessageSubscriptionCreating,
		protocol.ProcessMessageSubscriptionDeleting,
	}, w.intents(protocol.ValueTypeProcessMessageSubscription))
	assert.Equal(t, 0, e.ActiveInstances())

	// The consumed subscription stays until the subscription partition
	// acknowledges the close.
	require.Len(t, w.sent, 1)
	assert.IsType(t, protocol.DeleteMessageSubscription{}, w.sent[0].cmd)

	// A second trigger for the consumed element is refused.
	assert.ErrorIs(t, e.Trigger(w, sub, nil), ErrInstanceNotFound)
}

func TestNonInterruptingBoundaryKeepsWaiting(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("p").
		StartEvent("start").
		ServiceTask("task").
		BoundaryEvent("notify", "update", "key", false).
		BoundaryEvent("abort", "abort", "key", true).
		EndEvent("end"))
	w := &fakeWriter{key: 1000}

	require.NoError(t, e.CreateInstance(w, def, "start", 1, map[string]any{"key": 42.0}, ""))
	require.Len(t, w.sent, 2)
	update := w.sent[0].cmd.(protocol.CreateMessageSubscription).Subscription
	assert.Equal(t, "42", update.CorrelationKey)
	assert.False(t, update.Interrupting)

	var updateSub, abortSub protocol.ProcessMessageSubscriptionRecord
	for _, ev := range w.events {
		if rec, ok := ev.value.(protocol.ProcessMessageSubscriptionRecord); ok {
			if rec.MessageName == "update" {
				updateSub = rec
			} else {
				abortSub = rec
			}
		}
	}

	require.NoError(t, e.Trigger(w, updateSub, map[string]any{"n": 1}))
	require.NoError(t, e.Trigger(w, updateSub, map[string]any{"n": 2}))
	inst, ok := e.Instance(1)
	require.True(t, ok)
	assert.Equal(t, 2, inst.Variables["n"])

	w.sent = nil
	require.NoError(t, e.Trigger(w, abortSub, nil))
	assert.Equal(t, 0, e.ActiveInstances())

	// Both subscriptions of the task are closed remotely.
	require.Len(t, w.sent, 2)
	del, ok := w.sent[0].cmd.(protocol.DeleteMessageSubscription)
	require.True(t, ok)
	assert.Equal(t, "update", del.Subscription.MessageName)
}

func TestCancelClosesSubscriptions(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("p").StartEvent("start").ReceiveTask("receive", "msg", "key").EndEvent("end"))
	w := &fakeWriter{key: 1000}
	require.NoError(t, e.CreateInstance(w, def, "start", 1, map[string]any{"key": "k"}, ""))

	w.sent = nil
	require.NoError(t, e.Cancel(w, 1))
	assert.Contains(t, w.intents(protocol.ValueTypeProcessMessageSubscription), protocol.ProcessMessageSubscriptionDeleted)
	require.Len(t, w.sent, 1)
	assert.IsType(t, protocol.DeleteMessageSubscription{}, w.sent[0].cmd)

	assert.ErrorIs(t, e.Cancel(w, 1), ErrInstanceNotFound)
}

func TestUnresolvableCorrelationKeyLeavesIncident(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("p").StartEvent("start").IntermediateCatchEvent("wait", "msg", "missing"))
	w := &fakeWriter{key: 1000}

	require.NoError(t, e.CreateInstance(w, def, "start", 1, nil, ""))
	assert.Empty(t, w.sent)
	assert.Equal(t, 1, e.ActiveInstances())
}

func TestLatestVersion(t *testing.T) {
	e := NewEngine(nil, nil)
	v1 := deployed(t, NewProcess("p").StartEvent("s"))
	v2 := v1
	v2.ProcessDefinitionKey, v2.Version = 200, 2
	e.Deploy(v2)
	e.Deploy(v1)

	latest, ok := e.Latest(protocol.DefaultTenantID, "p")
	require.True(t, ok)
	assert.Equal(t, int64(200), latest.ProcessDefinitionKey)

	_, ok = e.Latest("other", "p")
	assert.False(t, ok)
}

func TestUndeployRestoresPreviousVersion(t *testing.T) {
	e := NewEngine(nil, nil)
	v1 := deployed(t, NewProcess("p").StartEvent("s"))
	v2 := v1
	v2.ProcessDefinitionKey, v2.Version = 200, 2
	e.Deploy(v1)
	e.Deploy(v2)

	e.Undeploy(200)
	_, ok := e.Definition(200)
	assert.False(t, ok)
	latest, ok := e.Latest(protocol.DefaultTenantID, "p")
	require.True(t, ok)
	assert.Equal(t, int64(100), latest.ProcessDefinitionKey)

	e.Undeploy(100)
	_, ok = e.Latest(protocol.DefaultTenantID, "p")
	assert.False(t, ok)
}

func TestRollbackRestoresInstance(t *testing.T) {
	e := NewEngine(nil, nil)
	def := deployed(t, NewProcess("p").
		StartEvent("start").
		ServiceTask("task").
		BoundaryEvent("notify", "update", "key", false).
		BoundaryEvent("abort", "abort", "key", true).
		EndEvent("end"))
	w := &fakeWriter{key: 1000}

	require.NoError(t, e.CreateInstance(w, def, "start", 1, map[string]any{"key": "k"}, ""))
	w.rollbacks = nil
	var abortSub protocol.ProcessMessageSubscriptionRecord
	for _, ev := range w.events {
		if rec, ok := ev.value.(protocol.ProcessMessageSubscriptionRecord); ok && rec.MessageName == "abort" {
			abortSub = rec
		}
	}

	require.NoError(t, e.Trigger(w, abortSub, map[string]any{"reason": "x"}))
	assert.Equal(t, 0, e.ActiveInstances())

	w.rollback()
	inst, ok := e.Instance(1)
	require.True(t, ok)
	elementID, _, ok := inst.ActiveElement()
	require.True(t, ok)
	assert.Equal(t, "task", elementID)
	assert.NotContains(t, inst.Variables, "reason")

	// The restored element still owns its subscriptions.
	w.sent = nil
	require.NoError(t, e.Trigger(w, abortSub, nil))
	assert.Len(t, w.sent, 2)

	// Rolling back a creation removes the instance.
	w.rollbacks = nil
	def2 := deployed(t, NewProcess("q").StartEvent("start").ReceiveTask("r", "m", "key"))
	require.NoError(t, e.CreateInstance(w, def2, "start", 2, map[string]any{"key": "k"}, ""))
	w.rollback()
	_, ok = e.Instance(2)
	assert.False(t, ok)
}

func TestBuilderValidation(t *testing.T) {
	_, err := NewProcess("p").EndEvent("end").Build()
	assert.Error(t, err)

	_, err = NewProcess("p").StartEvent("s").BoundaryEvent("b", "m", "k", true).Build()
	assert.Error(t, err)

	_, err = NewProcess("p").StartEvent("s").ServiceTask("t").
		BoundaryEvent("a", "m", "k", true).BoundaryEvent("b", "m", "k", false).Build()
	assert.Error(t, err)

	_, err = NewProcess("p").StartEvent("s").IntermediateCatchEvent("s", "m", "k").Build()
	assert.Error(t, err)

	p, err := NewProcess("p").MessageStartEvent("s", "start").EndEvent("e").Build()
	require.NoError(t, err)
	assert.Len(t, p.MessageStartEvents(), 1)
	_, ok := p.NoneStartEvent()
	assert.False(t, ok)
}

func TestVariableResolver(t *testing.T) {
	r := VariableResolver{}
	vars := map[string]any{"s": "order-1", "f": 12.0, "i": 7, "b": true}

	got, err := r.Resolve("s", vars)
	require.NoError(t, err)
	assert.Equal(t, "order-1", got)

	got, err = r.Resolve("f", vars)
	require.NoError(t, err)
	assert.Equal(t, "12", got)

	got, err = r.Resolve("i", vars)
	require.NoError(t, err)
	assert.Equal(t, "7", got)

	_, err = r.Resolve("b", vars)
	assert.ErrorIs(t, err, ErrCorrelationKey)
	_, err = r.Resolve("none", vars)
	assert.ErrorIs(t, err, ErrCorrelationKey)
}
