// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bpmn

import (
	"fmt"

	"github.com/absmach/correlator/protocol"
)

// Builder assembles a sequential process definition.
type Builder struct {
	process protocol.ProcessRecord
	err     error
}

// NewProcess starts a definition for bpmnProcessID.
func NewProcess(bpmnProcessID string) *Builder {
	return &Builder{process: protocol.ProcessRecord{BpmnProcessID: bpmnProcessID}}
}

// TenantID sets the tenant owning the process.
func (b *Builder) TenantID(id string) *Builder {
	b.process.TenantID = id
	return b
}

// StartEvent adds a none start event.
func (b *Builder) StartEvent(id string) *Builder {
	b.process.StartEvents = append(b.process.StartEvents, protocol.StartEvent{ID: id})
	return b
}

// MessageStartEvent adds a start event triggered by messageName.
func (b *Builder) MessageStartEvent(id, messageName string) *Builder {
	b.process.StartEvents = append(b.process.StartEvents, protocol.StartEvent{
		ID:      id,
		Message: &protocol.MessageDefinition{Name: messageName},
	})
	return b
}

// IntermediateCatchEvent adds a message catch event. correlationKey names
// the variable holding the correlation key.
func (b *Builder) IntermediateCatchEvent(id, messageName, correlationKey string) *Builder {
	return b.element(protocol.Element{
		ID:      id,
		Type:    protocol.ElementIntermediateCatchEvent,
		Message: &protocol.MessageDefinition{Name: messageName, CorrelationKey: correlationKey},
	})
}

// ReceiveTask adds a task completed by a message.
func (b *Builder) ReceiveTask(id, messageName, correlationKey string) *Builder {
	return b.element(protocol.Element{
		ID:      id,
		Type:    protocol.ElementReceiveTask,
		Message: &protocol.MessageDefinition{Name: messageName, CorrelationKey: correlationKey},
	})
}

// ServiceTask adds a wait state left only through a boundary event or
// cancellation.
func (b *Builder) ServiceTask(id string) *Builder {
	return b.element(protocol.Element{ID: id, Type: protocol.ElementServiceTask})
}

// BoundaryEvent attaches a message boundary event to the last service task.
func (b *Builder) BoundaryEvent(id, messageName, correlationKey string, interrupting bool) *Builder {
	n := len(b.process.Elements)
	if n == 0 || b.process.Elements[n-1].Type != protocol.ElementServiceTask {
		b.err = fmt.Errorf("boundary event %q must follow a service task", id)
		return b
	}
	task := &b.process.Elements[n-1]
	for _, be := range task.Boundaries {
		if be.Message.Name == messageName {
			b.err = fmt.Errorf("service task %q already has a boundary event for message %q", task.ID, messageName)
			return b
		}
	}
	task.Boundaries = append(task.Boundaries, protocol.BoundaryEvent{
		ID:           id,
		Message:      protocol.MessageDefinition{Name: messageName, CorrelationKey: correlationKey},
		Interrupting: interrupting,
	})
	return b
}

// EndEvent adds a none end event.
func (b *Builder) EndEvent(id string) *Builder {
	return b.element(protocol.Element{ID: id, Type: protocol.ElementEndEvent})
}

func (b *Builder) element(e protocol.Element) *Builder {
	b.process.Elements = append(b.process.Elements, e)
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (protocol.ProcessRecord, error) {
	if b.err != nil {
		return protocol.ProcessRecord{}, b.err
	}
	if err := Validate(b.process); err != nil {
		return protocol.ProcessRecord{}, err
	}
	return b.process, nil
}

// MustBuild is Build for definitions known to be valid.
func (b *Builder) MustBuild() protocol.ProcessRecord {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks a definition can be executed.
func Validate(p protocol.ProcessRecord) error {
	if p.BpmnProcessID == "" {
		return fmt.Errorf("process id must not be empty")
	}
	if len(p.StartEvents) == 0 {
		return fmt.Errorf("process %q has no start event", p.BpmnProcessID)
	}
	ids := map[string]bool{p.BpmnProcessID: true}
	none := 0
	for _, se := range p.StartEvents {
		if ids[se.ID] {
			return fmt.Errorf("duplicate element id %q", se.ID)
		}
		ids[se.ID] = true
		if se.Message == nil {
			none++
		} else if se.Message.Name == "" {
			return fmt.Errorf("start event %q has an empty message name", se.ID)
		}
	}
	if none > 1 {
		return fmt.Errorf("process %q has more than one none start event", p.BpmnProcessID)
	}
	for _, e := range p.Elements {
		if ids[e.ID] {
			return fmt.Errorf("duplicate element id %q", e.ID)
		}
		ids[e.ID] = true
		switch e.Type {
		case protocol.ElementIntermediateCatchEvent, protocol.ElementReceiveTask:
			if e.Message == nil || e.Message.Name == "" || e.Message.CorrelationKey == "" {
				return fmt.Errorf("element %q requires a message name and correlation key", e.ID)
			}
		case protocol.ElementServiceTask:
			for _, be := range e.Boundaries {
				if ids[be.ID] {
					return fmt.Errorf("duplicate element id %q", be.ID)
				}
				ids[be.ID] = true
				if be.Message.Name == "" || be.Message.CorrelationKey == "" {
					return fmt.Errorf("boundary event %q requires a message name and correlation key", be.ID)
				}
			}
		case protocol.ElementEndEvent:
		default:
			return fmt.Errorf("element %q has unsupported type %q", e.ID, e.Type)
		}
	}
	return nil
}
