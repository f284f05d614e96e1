// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the partition state: buffered messages,
// subscriptions on both sides of the correlation handshake, start event
// subscriptions and partition metadata.
package storage

import (
	"errors"
	"slices"
	"time"

	"github.com/absmach/correlator/protocol"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite state of one partition.
type Store interface {
	// Messages returns the buffered message store.
	Messages() MessageStore

	// MessageSubscriptions returns the correlation-key side subscriptions.
	MessageSubscriptions() MessageSubscriptionStore

	// ProcessMessageSubscriptions returns the process-instance side
	// subscriptions.
	ProcessMessageSubscriptions() ProcessMessageSubscriptionStore

	// StartEventSubscriptions returns the message start event subscriptions.
	StartEventSubscriptions() StartEventSubscriptionStore

	// Meta returns the partition metadata store.
	Meta() MetaStore

	// Close closes all storage backends.
	Close() error
}

// Message is a buffered message.
type Message struct {
	Key int64 `json:"key"`
	protocol.MessageRecord
}

// Correlation marks a message as correlated to a process. A message is
// correlated at most once per bpmn process id.
type Correlation struct {
	MessageKey         int64  `json:"messageKey"`
	BpmnProcessID      string `json:"bpmnProcessId"`
	ElementInstanceKey int64  `json:"elementInstanceKey"`
	Confirmed          bool   `json:"confirmed"`
}

// MessageStore stores buffered messages and their correlation markers.
type MessageStore interface {
	// Put stores a message and indexes it by name, correlation key, id and
	// deadline.
	Put(msg *Message) error

	// Get returns the message with the given key.
	Get(key int64) (*Message, error)

	// Delete removes a message, its indexes and its correlation markers.
	Delete(key int64) error

	// ExistsID reports whether a message with the given non-empty id is
	// still buffered and its deadline is after now.
	ExistsID(tenantID, name, correlationKey, messageID string, now time.Time) (bool, error)

	// Visit calls fn for buffered messages matching the identity in key
	// order until fn returns false.
	Visit(tenantID, name, correlationKey string, fn func(*Message) bool) error

	// VisitDeadlines calls fn in deadline order for messages whose deadline
	// is not after until, stopping when fn returns false.
	VisitDeadlines(until time.Time, fn func(key int64, deadline time.Time) bool) error

	// PutCorrelation stores a correlation marker.
	PutCorrelation(c *Correlation) error

	// GetCorrelation returns the marker for a message and process.
	GetCorrelation(messageKey int64, bpmnProcessID string) (*Correlation, error)

	// VisitCorrelations calls fn for every marker of a message.
	VisitCorrelations(messageKey int64, fn func(*Correlation) bool) error

	// RemoveCorrelation deletes a marker.
	RemoveCorrelation(messageKey int64, bpmnProcessID string) error

	// PutActiveInstance locks a correlation key for a process started by a
	// message.
	PutActiveInstance(tenantID, bpmnProcessID, correlationKey string, processInstanceKey int64) error

	// ActiveInstance returns the instance holding the lock.
	ActiveInstance(tenantID, bpmnProcessID, correlationKey string) (int64, error)

	// RemoveActiveInstance releases the lock.
	RemoveActiveInstance(tenantID, bpmnProcessID, correlationKey string) error

	// Count returns the number of buffered messages.
	Count() int
}

// MessageSubscriptionState is the lifecycle state of a MessageSubscription.
type MessageSubscriptionState string

// Message subscription states.
const (
	MessageSubscriptionCreated     MessageSubscriptionState = "CREATED"
	MessageSubscriptionCorrelating MessageSubscriptionState = "CORRELATING"
)

// MessageSubscription is the correlation-key side of a subscription.
type MessageSubscription struct {
	Key   int64                    `json:"key"`
	State MessageSubscriptionState `json:"state"`
	protocol.MessageSubscriptionRecord
}

// MessageSubscriptionStore stores correlation-key side subscriptions.
// Subscriptions are identified by element instance key and message name.
type MessageSubscriptionStore interface {
	Put(sub *MessageSubscription) error
	Get(elementInstanceKey int64, messageName string) (*MessageSubscription, error)
	Delete(elementInstanceKey int64, messageName string) error

	// Visit calls fn for subscriptions matching the identity in creation
	// order until fn returns false.
	Visit(tenantID, messageName, correlationKey string, fn func(*MessageSubscription) bool) error

	// VisitState calls fn for all subscriptions in state.
	VisitState(state MessageSubscriptionState, fn func(*MessageSubscription) bool) error

	Count() int
}

// ProcessMessageSubscriptionState is the lifecycle state of a
// ProcessMessageSubscription.
type ProcessMessageSubscriptionState string

// Process message subscription states.
const (
	ProcessMessageSubscriptionCreating   ProcessMessageSubscriptionState = "CREATING"
	ProcessMessageSubscriptionCreated    ProcessMessageSubscriptionState = "CREATED"
	ProcessMessageSubscriptionCorrelated ProcessMessageSubscriptionState = "CORRELATED"
	ProcessMessageSubscriptionDeleting   ProcessMessageSubscriptionState = "DELETING"
)

// ProcessMessageSubscription is the process-instance side of a
// subscription. CorrelatedMessageKeys holds every message applied to the
// element instance so a redelivered correlation is recognised in any order.
type ProcessMessageSubscription struct {
	Key                   int64                           `json:"key"`
	State                 ProcessMessageSubscriptionState `json:"state"`
	CorrelatedMessageKeys []int64                         `json:"correlatedMessageKeys,omitempty"`
	protocol.ProcessMessageSubscriptionRecord
}

// HasCorrelated reports whether the message was applied already.
func (s *ProcessMessageSubscription) HasCorrelated(messageKey int64) bool {
	return slices.Contains(s.CorrelatedMessageKeys, messageKey)
}

// ProcessMessageSubscriptionStore stores process-instance side
// subscriptions.
type ProcessMessageSubscriptionStore interface {
	Put(sub *ProcessMessageSubscription) error
	Get(elementInstanceKey int64, messageName string) (*ProcessMessageSubscription, error)
	Delete(elementInstanceKey int64, messageName string) error

	// VisitElementInstance calls fn for all subscriptions of an element
	// instance.
	VisitElementInstance(elementInstanceKey int64, fn func(*ProcessMessageSubscription) bool) error

	// VisitState calls fn for all subscriptions in state.
	VisitState(state ProcessMessageSubscriptionState, fn func(*ProcessMessageSubscription) bool) error

	Count() int
}

// StartEventSubscription binds a deployed process version to a start
// message.
type StartEventSubscription struct {
	Key int64 `json:"key"`
	protocol.MessageStartEventSubscriptionRecord
}

// StartEventSubscriptionStore stores message start event subscriptions.
type StartEventSubscriptionStore interface {
	Put(sub *StartEventSubscription) error
	Get(processDefinitionKey int64, messageName string) (*StartEventSubscription, error)
	Delete(processDefinitionKey int64, messageName string) error

	// VisitMessageName calls fn in ascending process definition key order.
	VisitMessageName(tenantID, messageName string, fn func(*StartEventSubscription) bool) error

	// VisitProcess calls fn for all subscriptions of a process id.
	VisitProcess(tenantID, bpmnProcessID string, fn func(*StartEventSubscription) bool) error
}

// MetaStore stores partition bookkeeping.
type MetaStore interface {
	LastKey() (int64, error)
	SetLastKey(key int64) error
	LastProcessedPosition() (int64, error)
	SetLastProcessedPosition(pos int64) error
}
