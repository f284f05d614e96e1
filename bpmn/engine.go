// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bpmn executes sequential processes whose wait states are message
// events. It emits PROCESS_INSTANCE events and opens and closes process
// message subscriptions through a Writer.
package bpmn

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/absmach/correlator/protocol"
)

// Engine errors.
var (
	ErrProcessNotFound  = errors.New("process definition not found")
	ErrInstanceNotFound = errors.New("process instance not found")
	ErrNotWaiting       = errors.New("element instance is not waiting for the message")
)

// Writer is the partition context a command is processed in.
type Writer interface {
	// NextKey generates a partition-unique key.
	NextKey() int64
	// AppendEvent writes and applies a follow-up event.
	AppendEvent(key int64, intent protocol.Intent, value protocol.Value) error
	// Send delivers a command to a partition after the result is committed.
	Send(partitionID int32, cmd protocol.Command)
	// SubscriptionPartition returns the partition owning a correlation key.
	SubscriptionPartition(correlationKey string) int32
	// OnRollback registers fn to run if the command fails and its changes
	// are reverted.
	OnRollback(fn func())
}

type processID struct {
	tenantID, bpmnProcessID string
}

type openSubscription struct {
	key    int64
	record protocol.ProcessMessageSubscriptionRecord
}

type elementInstance struct {
	key           int64
	index         int
	element       protocol.Element
	subscriptions []openSubscription
}

// Instance is an active process instance.
type Instance struct {
	Key                 int64
	Definition          protocol.ProcessRecord
	Variables           map[string]any
	StartCorrelationKey string

	active *elementInstance
}

// ActiveElement returns the id and key of the element the instance waits in.
func (i *Instance) ActiveElement() (string, int64, bool) {
	if i.active == nil {
		return "", 0, false
	}
	return i.active.element.ID, i.active.key, true
}

// Engine keeps deployed definitions and active instances of one partition.
type Engine struct {
	resolver    CorrelationKeyResolver
	logger      *slog.Logger
	definitions map[int64]protocol.ProcessRecord
	latest      map[processID]int64
	instances   map[int64]*Instance
}

// NewEngine creates an engine.
func NewEngine(resolver CorrelationKeyResolver, logger *slog.Logger) *Engine {
	if resolver == nil {
		resolver = VariableResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:    resolver,
		logger:      logger,
		definitions: make(map[int64]protocol.ProcessRecord),
		latest:      make(map[processID]int64),
		instances:   make(map[int64]*Instance),
	}
}

// Deploy registers a process version.
func (e *Engine) Deploy(p protocol.ProcessRecord) {
	e.definitions[p.ProcessDefinitionKey] = p
	id := processID{p.TenantID, p.BpmnProcessID}
	if cur, ok := e.latest[id]; !ok || e.definitions[cur].Version < p.Version {
		e.latest[id] = p.ProcessDefinitionKey
	}
}

// Undeploy removes a process version. The newest remaining version becomes
// the latest one.
func (e *Engine) Undeploy(processDefinitionKey int64) {
	p, ok := e.definitions[processDefinitionKey]
	if !ok {
		return
	}
	delete(e.definitions, processDefinitionKey)
	id := processID{p.TenantID, p.BpmnProcessID}
	if e.latest[id] != processDefinitionKey {
		return
	}
	delete(e.latest, id)
	for key, def := range e.definitions {
		if def.TenantID != p.TenantID || def.BpmnProcessID != p.BpmnProcessID {
			continue
		}
		if cur, ok := e.latest[id]; !ok || e.definitions[cur].Version < def.Version {
			e.latest[id] = key
		}
	}
}

// Definition returns a deployed process version.
func (e *Engine) Definition(processDefinitionKey int64) (protocol.ProcessRecord, bool) {
	p, ok := e.definitions[processDefinitionKey]
	return p, ok
}

// Latest returns the newest version of a process.
func (e *Engine) Latest(tenantID, bpmnProcessID string) (protocol.ProcessRecord, bool) {
	key, ok := e.latest[processID{tenantID, bpmnProcessID}]
	if !ok {
		return protocol.ProcessRecord{}, false
	}
	return e.definitions[key], true
}

// Instance returns an active process instance.
func (e *Engine) Instance(key int64) (*Instance, bool) {
	inst, ok := e.instances[key]
	return inst, ok
}

// ActiveInstances returns the number of active instances.
func (e *Engine) ActiveInstances() int {
	return len(e.instances)
}

// CreateInstance starts def at startEventID with key instanceKey. A
// non-empty startCorrelationKey is carried on the process completion event
// so the caller can release its per-key lock.
func (e *Engine) CreateInstance(w Writer, def protocol.ProcessRecord, startEventID string, instanceKey int64, variables map[string]any, startCorrelationKey string) error {
	e.track(w, instanceKey)
	vars := make(map[string]any, len(variables))
	maps.Copy(vars, variables)
	inst := &Instance{
		Key:                 instanceKey,
		Definition:          def,
		Variables:           vars,
		StartCorrelationKey: startCorrelationKey,
	}
	e.instances[instanceKey] = inst

	if err := w.AppendEvent(instanceKey, protocol.ProcessInstanceElementActivated, e.processRecord(inst)); err != nil {
		return err
	}
	start := e.record(inst, startEventID, protocol.ElementStartEvent, instanceKey)
	startKey := w.NextKey()
	if err := w.AppendEvent(startKey, protocol.ProcessInstanceElementActivated, start); err != nil {
		return err
	}
	if err := w.AppendEvent(startKey, protocol.ProcessInstanceElementCompleted, start); err != nil {
		return err
	}
	return e.activate(w, inst, 0)
}

// Trigger applies a correlated message to the element instance that opened
// sub. Interrupting subscriptions leave the element; others only merge the
// variables.
func (e *Engine) Trigger(w Writer, sub protocol.ProcessMessageSubscriptionRecord, variables map[string]any) error {
	inst, ok := e.instances[sub.ProcessInstanceKey]
	if !ok {
		return ErrInstanceNotFound
	}
	e.track(w, inst.Key)
	ei := inst.active
	if ei == nil || ei.key != sub.ElementInstanceKey {
		return ErrNotWaiting
	}
	maps.Copy(inst.Variables, variables)

	if sub.ElementID == ei.element.ID {
		if err := e.closeSubscriptions(w, ei, false); err != nil {
			return err
		}
		rec := e.record(inst, ei.element.ID, ei.element.Type, inst.Key)
		if err := w.AppendEvent(ei.key, protocol.ProcessInstanceElementCompleted, rec); err != nil {
			return err
		}
		return e.activate(w, inst, ei.index+1)
	}

	boundary, ok := findBoundary(ei.element, sub.ElementID)
	if !ok {
		return ErrNotWaiting
	}
	if boundary.Interrupting {
		if err := e.closeSubscriptions(w, ei, false); err != nil {
			return err
		}
		rec := e.record(inst, ei.element.ID, ei.element.Type, inst.Key)
		if err := w.AppendEvent(ei.key, protocol.ProcessInstanceElementTerminated, rec); err != nil {
			return err
		}
		inst.active = nil
	}
	be := e.record(inst, boundary.ID, protocol.ElementBoundaryEvent, inst.Key)
	be.Variables = variables
	bk := w.NextKey()
	if err := w.AppendEvent(bk, protocol.ProcessInstanceElementActivated, be); err != nil {
		return err
	}
	if err := w.AppendEvent(bk, protocol.ProcessInstanceElementCompleted, be); err != nil {
		return err
	}
	if boundary.Interrupting {
		return e.complete(w, inst)
	}
	return nil
}

// Cancel terminates an instance and closes its subscriptions.
func (e *Engine) Cancel(w Writer, processInstanceKey int64) error {
	inst, ok := e.instances[processInstanceKey]
	if !ok {
		return ErrInstanceNotFound
	}
	e.track(w, inst.Key)
	if ei := inst.active; ei != nil {
		if err := e.closeSubscriptions(w, ei, true); err != nil {
			return err
		}
		rec := e.record(inst, ei.element.ID, ei.element.Type, inst.Key)
		if err := w.AppendEvent(ei.key, protocol.ProcessInstanceElementTerminated, rec); err != nil {
			return err
		}
		inst.active = nil
	}
	delete(e.instances, inst.Key)
	return w.AppendEvent(inst.Key, protocol.ProcessInstanceElementTerminated, e.processRecord(inst))
}

// track saves the current state of an instance and restores it when the
// command is rolled back. An instance that does not exist yet is removed.
func (e *Engine) track(w Writer, key int64) {
	inst, ok := e.instances[key]
	if !ok {
		w.OnRollback(func() { delete(e.instances, key) })
		return
	}
	saved := *inst
	saved.Variables = maps.Clone(inst.Variables)
	if inst.active != nil {
		ei := *inst.active
		ei.subscriptions = slices.Clone(inst.active.subscriptions)
		saved.active = &ei
	}
	w.OnRollback(func() {
		*inst = saved
		e.instances[key] = inst
	})
}

func (e *Engine) activate(w Writer, inst *Instance, index int) error {
	if index >= len(inst.Definition.Elements) {
		return e.complete(w, inst)
	}
	el := inst.Definition.Elements[index]
	ei := &elementInstance{key: w.NextKey(), index: index, element: el}
	inst.active = ei

	rec := e.record(inst, el.ID, el.Type, inst.Key)
	if err := w.AppendEvent(ei.key, protocol.ProcessInstanceElementActivated, rec); err != nil {
		return err
	}

	switch el.Type {
	case protocol.ElementIntermediateCatchEvent, protocol.ElementReceiveTask:
		return e.openSubscription(w, inst, ei, el.ID, *el.Message, true)
	case protocol.ElementServiceTask:
		for _, be := range el.Boundaries {
			if err := e.openSubscription(w, inst, ei, be.ID, be.Message, be.Interrupting); err != nil {
				return err
			}
		}
		return nil
	case protocol.ElementEndEvent:
		if err := w.AppendEvent(ei.key, protocol.ProcessInstanceElementCompleted, rec); err != nil {
			return err
		}
		return e.activate(w, inst, index+1)
	default:
		return fmt.Errorf("unsupported element type %q", el.Type)
	}
}

func (e *Engine) openSubscription(w Writer, inst *Instance, ei *elementInstance, elementID string, msg protocol.MessageDefinition, interrupting bool) error {
	correlationKey, err := e.resolver.Resolve(msg.CorrelationKey, inst.Variables)
	if err != nil {
		// The element stays active without a subscription until the
		// instance is cancelled.
		e.logger.Warn("incident: subscription not opened",
			slog.Int64("process_instance_key", inst.Key),
			slog.String("element_id", elementID),
			slog.String("error", err.Error()))
		return nil
	}

	rec := protocol.ProcessMessageSubscriptionRecord{
		SubscriptionPartitionID: w.SubscriptionPartition(correlationKey),
		ProcessInstanceKey:      inst.Key,
		ElementInstanceKey:      ei.key,
		ProcessDefinitionKey:    inst.Definition.ProcessDefinitionKey,
		BpmnProcessID:           inst.Definition.BpmnProcessID,
		ElementID:               elementID,
		MessageName:             msg.Name,
		CorrelationKey:          correlationKey,
		Interrupting:            interrupting,
		TenantID:                inst.Definition.TenantID,
	}
	key := w.NextKey()
	if err := w.AppendEvent(key, protocol.ProcessMessageSubscriptionCreating, rec); err != nil {
		return err
	}
	ei.subscriptions = append(ei.subscriptions, openSubscription{key: key, record: rec})
	w.Send(rec.SubscriptionPartitionID, protocol.CreateMessageSubscription{Subscription: MessageSubscriptionFor(rec)})
	return nil
}

// closeSubscriptions closes all subscriptions of ei on the subscription
// partition. Inline closing removes the local side at once; otherwise it is
// kept in DELETING until the subscription partition acknowledges.
func (e *Engine) closeSubscriptions(w Writer, ei *elementInstance, inline bool) error {
	intent := protocol.ProcessMessageSubscriptionDeleting
	if inline {
		intent = protocol.ProcessMessageSubscriptionDeleted
	}
	for _, s := range ei.subscriptions {
		if err := w.AppendEvent(s.key, intent, s.record); err != nil {
			return err
		}
		w.Send(s.record.SubscriptionPartitionID, protocol.DeleteMessageSubscription{Subscription: MessageSubscriptionFor(s.record)})
	}
	ei.subscriptions = nil
	return nil
}

func (e *Engine) complete(w Writer, inst *Instance) error {
	inst.active = nil
	delete(e.instances, inst.Key)
	return w.AppendEvent(inst.Key, protocol.ProcessInstanceElementCompleted, e.processRecord(inst))
}

func (e *Engine) processRecord(inst *Instance) protocol.ProcessInstanceRecord {
	rec := e.record(inst, inst.Definition.BpmnProcessID, protocol.ElementProcess, -1)
	rec.StartCorrelationKey = inst.StartCorrelationKey
	rec.Variables = maps.Clone(inst.Variables)
	return rec
}

func (e *Engine) record(inst *Instance, elementID string, t protocol.ElementType, flowScope int64) protocol.ProcessInstanceRecord {
	return protocol.ProcessInstanceRecord{
		BpmnProcessID:        inst.Definition.BpmnProcessID,
		ProcessDefinitionKey: inst.Definition.ProcessDefinitionKey,
		Version:              inst.Definition.Version,
		ProcessInstanceKey:   inst.Key,
		ElementID:            elementID,
		ElementType:          t,
		FlowScopeKey:         flowScope,
		TenantID:             inst.Definition.TenantID,
	}
}

func findBoundary(el protocol.Element, id string) (protocol.BoundaryEvent, bool) {
	for _, be := range el.Boundaries {
		if be.ID == id {
			return be, true
		}
	}
	return protocol.BoundaryEvent{}, false
}

// MessageSubscriptionFor maps a process message subscription to the record
// understood by the subscription partition.
func MessageSubscriptionFor(rec protocol.ProcessMessageSubscriptionRecord) protocol.MessageSubscriptionRecord {
	return protocol.MessageSubscriptionRecord{
		ProcessInstanceKey:   rec.ProcessInstanceKey,
		ElementInstanceKey:   rec.ElementInstanceKey,
		ProcessDefinitionKey: rec.ProcessDefinitionKey,
		BpmnProcessID:        rec.BpmnProcessID,
		MessageName:          rec.MessageName,
		CorrelationKey:       rec.CorrelationKey,
		MessageKey:           rec.MessageKey,
		Variables:            rec.Variables,
		Interrupting:         rec.Interrupting,
		TenantID:             rec.TenantID,
	}
}
