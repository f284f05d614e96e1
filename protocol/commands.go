// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// Command is a request to change partition state. The set of commands is
// closed; each family has its own marker interface so processors can switch
// over it exhaustively.
type Command interface {
	Payload() Value
	Intent() Intent
	isCommand()
}

// MessageCommand is PublishMessage | ExpireMessage | ExpireMessageBatch.
type MessageCommand interface {
	Command
	messageCommand()
}

// MessageSubscriptionCommand is CreateMessageSubscription |
// CorrelateMessageSubscription | RejectMessageSubscription |
// DeleteMessageSubscription.
type MessageSubscriptionCommand interface {
	Command
	messageSubscriptionCommand()
}

// ProcessMessageSubscriptionCommand is CreateProcessMessageSubscription |
// CorrelateProcessMessageSubscription | DeleteProcessMessageSubscription.
type ProcessMessageSubscriptionCommand interface {
	Command
	processMessageSubscriptionCommand()
}

// ProcessCommand is DeployProcess | DistributeDeployment |
// AcknowledgeDeployment | CreateProcessInstance | CancelProcessInstance.
type ProcessCommand interface {
	Command
	processCommand()
}

type (
	// PublishMessage stores a message and correlates it to waiting
	// subscriptions and start events.
	PublishMessage struct{ Message MessageRecord }
	// ExpireMessage removes a single message.
	ExpireMessage struct{ MessageKey int64 }
	// ExpireMessageBatch removes all listed messages that still exist.
	ExpireMessageBatch struct{ Batch MessageBatchRecord }
)

func (c PublishMessage) Payload() Value     { return c.Message }
func (c ExpireMessage) Payload() Value      { return MessageRecord{} }
func (c ExpireMessageBatch) Payload() Value { return c.Batch }

func (PublishMessage) Intent() Intent     { return MessagePublish }
func (ExpireMessage) Intent() Intent      { return MessageExpire }
func (ExpireMessageBatch) Intent() Intent { return MessageBatchExpire }

// Key returns the key of the message to expire.
func (c ExpireMessage) Key() int64 { return c.MessageKey }

func (PublishMessage) isCommand()          {}
func (ExpireMessage) isCommand()           {}
func (ExpireMessageBatch) isCommand()      {}
func (PublishMessage) messageCommand()     {}
func (ExpireMessage) messageCommand()      {}
func (ExpireMessageBatch) messageCommand() {}

type (
	// CreateMessageSubscription opens a subscription on the correlation-key
	// partition.
	CreateMessageSubscription struct{ Subscription MessageSubscriptionRecord }
	// CorrelateMessageSubscription acknowledges a correlation applied by the
	// process-instance partition.
	CorrelateMessageSubscription struct{ Subscription MessageSubscriptionRecord }
	// RejectMessageSubscription reports that the process-instance partition
	// refused a correlation.
	RejectMessageSubscription struct{ Subscription MessageSubscriptionRecord }
	// DeleteMessageSubscription closes a subscription.
	DeleteMessageSubscription struct{ Subscription MessageSubscriptionRecord }
)

func (c CreateMessageSubscription) Payload() Value    { return c.Subscription }
func (c CorrelateMessageSubscription) Payload() Value { return c.Subscription }
func (c RejectMessageSubscription) Payload() Value    { return c.Subscription }
func (c DeleteMessageSubscription) Payload() Value    { return c.Subscription }

func (CreateMessageSubscription) Intent() Intent    { return MessageSubscriptionCreate }
func (CorrelateMessageSubscription) Intent() Intent { return MessageSubscriptionCorrelate }
func (RejectMessageSubscription) Intent() Intent    { return MessageSubscriptionReject }
func (DeleteMessageSubscription) Intent() Intent    { return MessageSubscriptionDelete }

func (CreateMessageSubscription) isCommand()                     {}
func (CorrelateMessageSubscription) isCommand()                  {}
func (RejectMessageSubscription) isCommand()                     {}
func (DeleteMessageSubscription) isCommand()                     {}
func (CreateMessageSubscription) messageSubscriptionCommand()    {}
func (CorrelateMessageSubscription) messageSubscriptionCommand() {}
func (RejectMessageSubscription) messageSubscriptionCommand()    {}
func (DeleteMessageSubscription) messageSubscriptionCommand()    {}

type (
	// CreateProcessMessageSubscription acknowledges that the correlation-key
	// partition opened the subscription.
	CreateProcessMessageSubscription struct {
		Subscription ProcessMessageSubscriptionRecord
	}
	// CorrelateProcessMessageSubscription delivers a message to a waiting
	// element instance.
	CorrelateProcessMessageSubscription struct {
		Subscription ProcessMessageSubscriptionRecord
	}
	// DeleteProcessMessageSubscription acknowledges that the correlation-key
	// partition closed the subscription.
	DeleteProcessMessageSubscription struct {
		Subscription ProcessMessageSubscriptionRecord
	}
)

func (c CreateProcessMessageSubscription) Payload() Value    { return c.Subscription }
func (c CorrelateProcessMessageSubscription) Payload() Value { return c.Subscription }
func (c DeleteProcessMessageSubscription) Payload() Value    { return c.Subscription }

func (CreateProcessMessageSubscription) Intent() Intent {
	return ProcessMessageSubscriptionCreate
}

func (CorrelateProcessMessageSubscription) Intent() Intent {
	return ProcessMessageSubscriptionCorrelate
}

func (DeleteProcessMessageSubscription) Intent() Intent {
	return ProcessMessageSubscriptionDelete
}

func (CreateProcessMessageSubscription) isCommand()                            {}
func (CorrelateProcessMessageSubscription) isCommand()                         {}
func (DeleteProcessMessageSubscription) isCommand()                            {}
func (CreateProcessMessageSubscription) processMessageSubscriptionCommand()    {}
func (CorrelateProcessMessageSubscription) processMessageSubscriptionCommand() {}
func (DeleteProcessMessageSubscription) processMessageSubscriptionCommand()    {}

// CorrelateMessage correlates a message without buffering it.
type CorrelateMessage struct{ Correlation MessageCorrelationRecord }

func (c CorrelateMessage) Payload() Value { return c.Correlation }
func (CorrelateMessage) Intent() Intent   { return MessageCorrelationCorrelate }
func (CorrelateMessage) isCommand()       {}

type (
	// DeployProcess registers new process versions. It is accepted by the
	// deployment partition only.
	DeployProcess struct{ Deployment DeploymentRecord }
	// DistributeDeployment replicates a deployment, with keys and versions
	// already assigned, to another partition.
	DistributeDeployment struct{ Deployment DeploymentRecord }
	// AcknowledgeDeployment confirms to the deployment partition that a
	// distribution reached Deployment.PartitionID.
	AcknowledgeDeployment struct{ Deployment DeploymentRecord }
	// CreateProcessInstance starts the latest version of a process at its
	// none start event.
	CreateProcessInstance struct{ Instance ProcessInstanceRecord }
	// CancelProcessInstance terminates an active process instance.
	CancelProcessInstance struct{ ProcessInstanceKey int64 }
)

func (c DeployProcess) Payload() Value         { return c.Deployment }
func (c DistributeDeployment) Payload() Value  { return c.Deployment }
func (c AcknowledgeDeployment) Payload() Value { return c.Deployment }
func (c CreateProcessInstance) Payload() Value { return c.Instance }
func (c CancelProcessInstance) Payload() Value {
	return ProcessInstanceRecord{ProcessInstanceKey: c.ProcessInstanceKey}
}

func (DeployProcess) Intent() Intent         { return DeploymentCreate }
func (DistributeDeployment) Intent() Intent  { return DeploymentDistribute }
func (AcknowledgeDeployment) Intent() Intent { return DeploymentAcknowledge }
func (CreateProcessInstance) Intent() Intent { return ProcessInstanceCreate }
func (CancelProcessInstance) Intent() Intent { return ProcessInstanceCancel }

// Key returns the key of the acknowledged deployment.
func (c AcknowledgeDeployment) Key() int64 { return c.Deployment.DeploymentKey }

// Key returns the key of the instance to cancel.
func (c CancelProcessInstance) Key() int64 { return c.ProcessInstanceKey }

func (DeployProcess) isCommand()              {}
func (DistributeDeployment) isCommand()       {}
func (AcknowledgeDeployment) isCommand()      {}
func (CreateProcessInstance) isCommand()      {}
func (CancelProcessInstance) isCommand()      {}
func (DeployProcess) processCommand()         {}
func (DistributeDeployment) processCommand()  {}
func (AcknowledgeDeployment) processCommand() {}
func (CreateProcessInstance) processCommand() {}
func (CancelProcessInstance) processCommand() {}

// CommandKey returns the record key a command targets, or -1.
func CommandKey(cmd Command) int64 {
	if k, ok := cmd.(interface{ Key() int64 }); ok {
		return k.Key()
	}
	return -1
}

// CommandFromRecord rebuilds the command stored in a command record.
func CommandFromRecord(rec Record) (Command, error) {
	if rec.RecordType != RecordTypeCommand {
		return nil, fmt.Errorf("record %s is not a command", rec)
	}
	switch v := rec.Value.(type) {
	case MessageRecord:
		switch rec.Intent {
		case MessagePublish:
			return PublishMessage{Message: v}, nil
		case MessageExpire:
			return ExpireMessage{MessageKey: rec.Key}, nil
		}
	case MessageBatchRecord:
		if rec.Intent == MessageBatchExpire {
			return ExpireMessageBatch{Batch: v}, nil
		}
	case MessageSubscriptionRecord:
		switch rec.Intent {
		case MessageSubscriptionCreate:
			return CreateMessageSubscription{Subscription: v}, nil
		case MessageSubscriptionCorrelate:
			return CorrelateMessageSubscription{Subscription: v}, nil
		case MessageSubscriptionReject:
			return RejectMessageSubscription{Subscription: v}, nil
		case MessageSubscriptionDelete:
			return DeleteMessageSubscription{Subscription: v}, nil
		}
	case ProcessMessageSubscriptionRecord:
		switch rec.Intent {
		case ProcessMessageSubscriptionCreate:
			return CreateProcessMessageSubscription{Subscription: v}, nil
		case ProcessMessageSubscriptionCorrelate:
			return CorrelateProcessMessageSubscription{Subscription: v}, nil
		case ProcessMessageSubscriptionDelete:
			return DeleteProcessMessageSubscription{Subscription: v}, nil
		}
	case MessageCorrelationRecord:
		if rec.Intent == MessageCorrelationCorrelate {
			return CorrelateMessage{Correlation: v}, nil
		}
	case DeploymentRecord:
		switch rec.Intent {
		case DeploymentCreate:
			return DeployProcess{Deployment: v}, nil
		case DeploymentDistribute:
			return DistributeDeployment{Deployment: v}, nil
		case DeploymentAcknowledge:
			return AcknowledgeDeployment{Deployment: v}, nil
		}
	case ProcessInstanceRecord:
		switch rec.Intent {
		case ProcessInstanceCreate:
			return CreateProcessInstance{Instance: v}, nil
		case ProcessInstanceCancel:
			return CancelProcessInstance{ProcessInstanceKey: rec.Key}, nil
		}
	}
	return nil, fmt.Errorf("no command for %s.%s", rec.ValueType, rec.Intent)
}
