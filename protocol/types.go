// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the records, intents and commands exchanged by
// the correlation engine partitions.
package protocol

// ValueType identifies the record family.
type ValueType string

// Value types.
const (
	ValueTypeMessage                       ValueType = "MESSAGE"
	ValueTypeMessageBatch                  ValueType = "MESSAGE_BATCH"
	ValueTypeMessageSubscription           ValueType = "MESSAGE_SUBSCRIPTION"
	ValueTypeProcessMessageSubscription    ValueType = "PROCESS_MESSAGE_SUBSCRIPTION"
	ValueTypeMessageStartEventSubscription ValueType = "MESSAGE_START_EVENT_SUBSCRIPTION"
	ValueTypeMessageCorrelation            ValueType = "MESSAGE_CORRELATION"
	ValueTypeDeployment                    ValueType = "DEPLOYMENT"
	ValueTypeProcessInstance               ValueType = "PROCESS_INSTANCE"
)

// RecordType distinguishes commands, events and command rejections.
type RecordType string

// Record types.
const (
	RecordTypeCommand          RecordType = "COMMAND"
	RecordTypeEvent            RecordType = "EVENT"
	RecordTypeCommandRejection RecordType = "COMMAND_REJECTION"
)

// Intent is the operation carried by a record. Its meaning depends on the
// value type of the record.
type Intent string

// MESSAGE intents.
const (
	MessagePublish   Intent = "PUBLISH"
	MessagePublished Intent = "PUBLISHED"
	MessageExpire    Intent = "EXPIRE"
	MessageExpired   Intent = "EXPIRED"
)

// MESSAGE_BATCH intents.
const (
	MessageBatchExpire  Intent = "EXPIRE"
	MessageBatchExpired Intent = "EXPIRED"
)

// MESSAGE_SUBSCRIPTION intents.
const (
	MessageSubscriptionCreate      Intent = "CREATE"
	MessageSubscriptionCreated     Intent = "CREATED"
	MessageSubscriptionCorrelate   Intent = "CORRELATE"
	MessageSubscriptionCorrelating Intent = "CORRELATING"
	MessageSubscriptionCorrelated  Intent = "CORRELATED"
	MessageSubscriptionReject      Intent = "REJECT"
	MessageSubscriptionRejected    Intent = "REJECTED"
	MessageSubscriptionDelete      Intent = "DELETE"
	MessageSubscriptionDeleted     Intent = "DELETED"
)

// PROCESS_MESSAGE_SUBSCRIPTION intents.
const (
	ProcessMessageSubscriptionCreating   Intent = "CREATING"
	ProcessMessageSubscriptionCreate     Intent = "CREATE"
	ProcessMessageSubscriptionCreated    Intent = "CREATED"
	ProcessMessageSubscriptionCorrelate  Intent = "CORRELATE"
	ProcessMessageSubscriptionCorrelated Intent = "CORRELATED"
	ProcessMessageSubscriptionDeleting   Intent = "DELETING"
	ProcessMessageSubscriptionDelete     Intent = "DELETE"
	ProcessMessageSubscriptionDeleted    Intent = "DELETED"
)

// MESSAGE_START_EVENT_SUBSCRIPTION intents.
const (
	MessageStartEventSubscriptionCreated    Intent = "CREATED"
	MessageStartEventSubscriptionCorrelated Intent = "CORRELATED"
	MessageStartEventSubscriptionDeleted    Intent = "DELETED"
)

// MESSAGE_CORRELATION intents.
const (
	MessageCorrelationCorrelate     Intent = "CORRELATE"
	MessageCorrelationCorrelating   Intent = "CORRELATING"
	MessageCorrelationCorrelated    Intent = "CORRELATED"
	MessageCorrelationNotCorrelated Intent = "NOT_CORRELATED"
)

// DEPLOYMENT intents.
const (
	DeploymentCreate       Intent = "CREATE"
	DeploymentCreated      Intent = "CREATED"
	DeploymentDistributing Intent = "DISTRIBUTING"
	DeploymentDistribute   Intent = "DISTRIBUTE"
	DeploymentDistributed  Intent = "DISTRIBUTED"
	DeploymentAcknowledge  Intent = "ACKNOWLEDGE"
	DeploymentAcknowledged Intent = "ACKNOWLEDGED"
)

// PROCESS_INSTANCE intents.
const (
	ProcessInstanceCreate            Intent = "CREATE"
	ProcessInstanceCancel            Intent = "CANCEL"
	ProcessInstanceElementActivated  Intent = "ELEMENT_ACTIVATED"
	ProcessInstanceElementCompleted  Intent = "ELEMENT_COMPLETED"
	ProcessInstanceElementTerminated Intent = "ELEMENT_TERMINATED"
)

// RejectionType classifies why a command was rejected.
type RejectionType string

// Rejection types.
const (
	RejectionNone            RejectionType = ""
	RejectionAlreadyExists   RejectionType = "ALREADY_EXISTS"
	RejectionNotFound        RejectionType = "NOT_FOUND"
	RejectionInvalidState    RejectionType = "INVALID_STATE"
	RejectionForbidden       RejectionType = "FORBIDDEN"
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectionProcessingError RejectionType = "PROCESSING_ERROR"
)
