// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"log/slog"

	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// Commands on the process instance partition.

func (p *Partition) createProcessMessageSubscription(c *processingContext, cmd protocol.CreateProcessMessageSubscription) error {
	rec := cmd.Subscription
	sub, err := p.store.ProcessMessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	if errors.Is(err, storage.ErrNotFound) {
		c.reject(protocol.RejectionNotFound,
			"Expected to acknowledge the opening of a subscription for element with key '%d' and message name '%s', but no such subscription exists",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}
	if err != nil {
		return err
	}
	if sub.State != storage.ProcessMessageSubscriptionCreating {
		c.reject(protocol.RejectionInvalidState,
			"Expected to acknowledge the opening of a subscription for element with key '%d' and message name '%s', but it is %s",
			rec.ElementInstanceKey, rec.MessageName, sub.State)
		return nil
	}
	return c.AppendEvent(sub.Key, protocol.ProcessMessageSubscriptionCreated, sub.ProcessMessageSubscriptionRecord)
}

// correlateProcessMessageSubscription applies a message to the waiting
// element instance. The stored subscription decides whether the message
// was already applied.
func (p *Partition) correlateProcessMessageSubscription(c *processingContext, cmd protocol.CorrelateProcessMessageSubscription) error {
	rec := cmd.Subscription
	msRecord := bpmn.MessageSubscriptionFor(rec)
	replyTo := rec.SubscriptionPartitionID

	sub, err := p.store.ProcessMessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	if errors.Is(err, storage.ErrNotFound) {
		// The element instance is gone; free the message and close the
		// orphaned subscription.
		c.Send(replyTo, protocol.RejectMessageSubscription{Subscription: msRecord})
		c.Send(replyTo, protocol.DeleteMessageSubscription{Subscription: msRecord})
		c.reject(protocol.RejectionNotFound,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but no such subscription exists",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}
	if err != nil {
		return err
	}

	if sub.HasCorrelated(rec.MessageKey) {
		c.Send(replyTo, protocol.CorrelateMessageSubscription{Subscription: msRecord})
		c.reject(protocol.RejectionInvalidState,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but the message with key '%d' was already correlated",
			rec.ElementInstanceKey, rec.MessageName, rec.MessageKey)
		return nil
	}

	switch sub.State {
	case storage.ProcessMessageSubscriptionCreating, storage.ProcessMessageSubscriptionCreated:
	default:
		c.Send(replyTo, protocol.RejectMessageSubscription{Subscription: msRecord})
		c.reject(protocol.RejectionInvalidState,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but it is %s",
			rec.ElementInstanceKey, rec.MessageName, sub.State)
		return nil
	}

	inst, ok := p.processes.Instance(sub.ProcessInstanceKey)
	if _, eik, active := activeElement(inst, ok); !active || eik != sub.ElementInstanceKey {
		c.Send(replyTo, protocol.RejectMessageSubscription{Subscription: msRecord})
		c.Send(replyTo, protocol.DeleteMessageSubscription{Subscription: msRecord})
		if err := c.AppendEvent(sub.Key, protocol.ProcessMessageSubscriptionDeleted, sub.ProcessMessageSubscriptionRecord); err != nil {
			return err
		}
		c.reject(protocol.RejectionNotFound,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but the element instance is not active",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}

	if sub.State == storage.ProcessMessageSubscriptionCreating {
		// The opening acknowledgement was overtaken by the correlation.
		if err := c.AppendEvent(sub.Key, protocol.ProcessMessageSubscriptionCreated, sub.ProcessMessageSubscriptionRecord); err != nil {
			return err
		}
	}

	correlated := sub.ProcessMessageSubscriptionRecord
	correlated.MessageKey = rec.MessageKey
	correlated.Variables = rec.Variables
	if err := c.AppendEvent(sub.Key, protocol.ProcessMessageSubscriptionCorrelated, correlated); err != nil {
		return err
	}
	c.Send(replyTo, protocol.CorrelateMessageSubscription{Subscription: msRecord})

	p.logger.Debug("process_subscription_correlated",
		slog.Int64("process_instance_key", sub.ProcessInstanceKey),
		slog.Int64("element_instance_key", sub.ElementInstanceKey),
		slog.Int64("message_key", rec.MessageKey))
	return p.processes.Trigger(c, correlated, rec.Variables)
}

func (p *Partition) deleteProcessMessageSubscription(c *processingContext, cmd protocol.DeleteProcessMessageSubscription) error {
	rec := cmd.Subscription
	sub, err := p.store.ProcessMessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	if errors.Is(err, storage.ErrNotFound) {
		c.reject(protocol.RejectionNotFound,
			"Expected to acknowledge the closing of a subscription for element with key '%d' and message name '%s', but no such subscription exists",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}
	if err != nil {
		return err
	}
	if sub.State != storage.ProcessMessageSubscriptionDeleting {
		c.reject(protocol.RejectionInvalidState,
			"Expected to acknowledge the closing of a subscription for element with key '%d' and message name '%s', but it is %s",
			rec.ElementInstanceKey, rec.MessageName, sub.State)
		return nil
	}
	return c.AppendEvent(sub.Key, protocol.ProcessMessageSubscriptionDeleted, sub.ProcessMessageSubscriptionRecord)
}

func activeElement(inst *bpmn.Instance, ok bool) (string, int64, bool) {
	if !ok {
		return "", 0, false
	}
	return inst.ActiveElement()
}
