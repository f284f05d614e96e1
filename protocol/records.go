// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// DefaultTenantID is used when a record does not name a tenant.
const DefaultTenantID = "<default>"

// Value is the payload of a record.
type Value interface {
	ValueType() ValueType
}

// MessageRecord is a published message.
type MessageRecord struct {
	Name           string         `json:"name"`
	CorrelationKey string         `json:"correlationKey"`
	TimeToLive     time.Duration  `json:"timeToLive"`
	Deadline       time.Time      `json:"deadline"`
	MessageID      string         `json:"messageId"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenantId"`
}

func (MessageRecord) ValueType() ValueType { return ValueTypeMessage }

// MessageBatchRecord groups message keys to expire together.
type MessageBatchRecord struct {
	MessageKeys []int64 `json:"messageKeys"`
}

func (MessageBatchRecord) ValueType() ValueType { return ValueTypeMessageBatch }

// MessageSubscriptionRecord is the correlation-key side of a subscription.
type MessageSubscriptionRecord struct {
	ProcessInstanceKey   int64          `json:"processInstanceKey"`
	ElementInstanceKey   int64          `json:"elementInstanceKey"`
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	BpmnProcessID        string         `json:"bpmnProcessId"`
	MessageName          string         `json:"messageName"`
	CorrelationKey       string         `json:"correlationKey"`
	MessageKey           int64          `json:"messageKey"`
	Variables            map[string]any `json:"variables,omitempty"`
	Interrupting         bool           `json:"interrupting"`
	TenantID             string         `json:"tenantId"`
}

func (MessageSubscriptionRecord) ValueType() ValueType { return ValueTypeMessageSubscription }

// ProcessMessageSubscriptionRecord is the process-instance side of a
// subscription.
type ProcessMessageSubscriptionRecord struct {
	SubscriptionPartitionID int32          `json:"subscriptionPartitionId"`
	ProcessInstanceKey      int64          `json:"processInstanceKey"`
	ElementInstanceKey      int64          `json:"elementInstanceKey"`
	ProcessDefinitionKey    int64          `json:"processDefinitionKey"`
	BpmnProcessID           string         `json:"bpmnProcessId"`
	ElementID               string         `json:"elementId"`
	MessageName             string         `json:"messageName"`
	CorrelationKey          string         `json:"correlationKey"`
	MessageKey              int64          `json:"messageKey"`
	Variables               map[string]any `json:"variables,omitempty"`
	Interrupting            bool           `json:"interrupting"`
	TenantID                string         `json:"tenantId"`
}

func (ProcessMessageSubscriptionRecord) ValueType() ValueType {
	return ValueTypeProcessMessageSubscription
}

// MessageStartEventSubscriptionRecord binds a deployed process version to a
// start message name.
type MessageStartEventSubscriptionRecord struct {
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	BpmnProcessID        string         `json:"bpmnProcessId"`
	StartEventID         string         `json:"startEventId"`
	MessageName          string         `json:"messageName"`
	MessageKey           int64          `json:"messageKey"`
	ProcessInstanceKey   int64          `json:"processInstanceKey"`
	CorrelationKey       string         `json:"correlationKey"`
	Variables            map[string]any `json:"variables,omitempty"`
	TenantID             string         `json:"tenantId"`
}

func (MessageStartEventSubscriptionRecord) ValueType() ValueType {
	return ValueTypeMessageStartEventSubscription
}

// MessageCorrelationRecord is a correlate-only request which is never
// buffered.
type MessageCorrelationRecord struct {
	Name               string         `json:"name"`
	CorrelationKey     string         `json:"correlationKey"`
	Variables          map[string]any `json:"variables,omitempty"`
	TenantID           string         `json:"tenantId"`
	MessageKey         int64          `json:"messageKey"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
}

func (MessageCorrelationRecord) ValueType() ValueType { return ValueTypeMessageCorrelation }

// DeploymentRecord carries one or more process definitions. Distribution
// records also name the deployment and the partition it is sent to.
type DeploymentRecord struct {
	DeploymentKey int64           `json:"deploymentKey,omitempty"`
	PartitionID   int32           `json:"partitionId,omitempty"`
	Processes     []ProcessRecord `json:"processes"`
}

func (DeploymentRecord) ValueType() ValueType { return ValueTypeDeployment }

// ProcessInstanceRecord describes a process instance or one of its element
// instances.
type ProcessInstanceRecord struct {
	BpmnProcessID        string         `json:"bpmnProcessId"`
	ProcessDefinitionKey int64          `json:"processDefinitionKey"`
	Version              int32          `json:"version"`
	ProcessInstanceKey   int64          `json:"processInstanceKey"`
	ElementID            string         `json:"elementId"`
	ElementType          ElementType    `json:"elementType"`
	FlowScopeKey         int64          `json:"flowScopeKey"`
	StartCorrelationKey  string         `json:"startCorrelationKey,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	TenantID             string         `json:"tenantId"`
}

func (ProcessInstanceRecord) ValueType() ValueType { return ValueTypeProcessInstance }

// TenantOrDefault returns id, or DefaultTenantID when id is empty.
func TenantOrDefault(id string) string {
	if id == "" {
		return DefaultTenantID
	}
	return id
}
