// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// ElementType is the kind of a process element.
type ElementType string

// Element types.
const (
	ElementProcess                ElementType = "PROCESS"
	ElementStartEvent             ElementType = "START_EVENT"
	ElementIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementReceiveTask            ElementType = "RECEIVE_TASK"
	ElementServiceTask            ElementType = "SERVICE_TASK"
	ElementBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementEndEvent               ElementType = "END_EVENT"
)

// MessageDefinition references a message by name. CorrelationKey is the
// name of the variable holding the correlation key; it is unused on start
// events.
type MessageDefinition struct {
	Name           string `json:"name"`
	CorrelationKey string `json:"correlationKey,omitempty"`
}

// StartEvent is a process entry point. A nil Message denotes a none start
// event.
type StartEvent struct {
	ID      string             `json:"id"`
	Message *MessageDefinition `json:"message,omitempty"`
}

// BoundaryEvent is a message event attached to a service task.
type BoundaryEvent struct {
	ID           string            `json:"id"`
	Message      MessageDefinition `json:"message"`
	Interrupting bool              `json:"interrupting"`
}

// Element is a step of a sequential process.
type Element struct {
	ID         string             `json:"id"`
	Type       ElementType        `json:"type"`
	Message    *MessageDefinition `json:"message,omitempty"`
	Boundaries []BoundaryEvent    `json:"boundaries,omitempty"`
}

// ProcessRecord is a deployed process version. Elements run in order after
// one of the start events is triggered.
type ProcessRecord struct {
	BpmnProcessID        string       `json:"bpmnProcessId"`
	Version              int32        `json:"version"`
	ProcessDefinitionKey int64        `json:"processDefinitionKey"`
	TenantID             string       `json:"tenantId"`
	StartEvents          []StartEvent `json:"startEvents"`
	Elements             []Element    `json:"elements"`
}

// MessageStartEvents returns the start events triggered by a message.
func (p ProcessRecord) MessageStartEvents() []StartEvent {
	var ret []StartEvent
	for _, se := range p.StartEvents {
		if se.Message != nil {
			ret = append(ret, se)
		}
	}
	return ret
}

// NoneStartEvent returns the start event without a trigger.
func (p ProcessRecord) NoneStartEvent() (StartEvent, bool) {
	for _, se := range p.StartEvents {
		if se.Message == nil {
			return se, true
		}
	}
	return StartEvent{}, false
}
