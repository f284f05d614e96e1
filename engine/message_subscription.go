// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"log/slog"

	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// Commands on the correlation key partition.

func (p *Partition) createMessageSubscription(c *processingContext, cmd protocol.CreateMessageSubscription) error {
	rec := cmd.Subscription
	rec.TenantID = protocol.TenantOrDefault(rec.TenantID)
	rec.MessageKey = 0
	rec.Variables = nil
	ack := protocol.CreateProcessMessageSubscription{Subscription: processSubscriptionFor(rec, p.cfg.PartitionID)}

	_, err := p.store.MessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	switch {
	case err == nil:
		// The acknowledgement may have been lost, so it is sent again.
		c.Send(protocol.DecodePartitionID(rec.ProcessInstanceKey), ack)
		c.reject(protocol.RejectionInvalidState,
			"Expected to open a new message subscription for element with key '%d' and message name '%s', but there is already a message subscription for that element key and message name opened",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	key := c.NextKey()
	if err := c.AppendEvent(key, protocol.MessageSubscriptionCreated, rec); err != nil {
		return err
	}
	c.Send(protocol.DecodePartitionID(rec.ProcessInstanceKey), ack)

	sub := &storage.MessageSubscription{Key: key, State: storage.MessageSubscriptionCreated, MessageSubscriptionRecord: rec}
	return p.correlateBufferedMessage(c, sub)
}

// correlateMessageSubscription handles the acknowledgement of the process
// instance partition that it correlated the message.
func (p *Partition) correlateMessageSubscription(c *processingContext, cmd protocol.CorrelateMessageSubscription) error {
	rec := cmd.Subscription
	sub, ok, err := p.correlatingSubscription(c, rec, "correlate")
	if !ok || err != nil {
		return err
	}

	corr := sub.MessageSubscriptionRecord
	if err := c.AppendEvent(sub.Key, protocol.MessageSubscriptionCorrelated, corr); err != nil {
		return err
	}
	p.metrics.RecordCorrelation(p.cfg.PartitionID, false)

	if pc, ok := p.pendingCorrelations[corr.MessageKey]; ok {
		p.releaseCorrelation(corr.MessageKey)
		if err := p.completeCorrelation(c, pc, corr.ProcessInstanceKey); err != nil {
			return err
		}
	}

	if sub.Interrupting {
		return nil
	}
	sub.State = storage.MessageSubscriptionCreated
	sub.MessageKey = 0
	sub.Variables = nil
	return p.correlateBufferedMessage(c, sub)
}

// rejectMessageSubscription handles a correlation refused by the process
// instance partition. The message is offered to another subscription of
// the same process.
func (p *Partition) rejectMessageSubscription(c *processingContext, cmd protocol.RejectMessageSubscription) error {
	rec := cmd.Subscription
	sub, ok, err := p.correlatingSubscription(c, rec, "reject")
	if !ok || err != nil {
		return err
	}

	if err := c.AppendEvent(sub.Key, protocol.MessageSubscriptionRejected, sub.MessageSubscriptionRecord); err != nil {
		return err
	}

	messageKey := sub.MessageKey
	variables := sub.Variables
	pc, pending := p.pendingCorrelations[messageKey]
	if pending {
		variables = pc.record.Variables
	} else {
		msg, err := p.store.Messages().Get(messageKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !msg.Deadline.After(p.clock.Now()) {
			return nil
		}
		variables = msg.Variables
	}

	var next *storage.MessageSubscription
	err = p.store.MessageSubscriptions().Visit(sub.TenantID, sub.MessageName, sub.CorrelationKey, func(other *storage.MessageSubscription) bool {
		if other.BpmnProcessID != sub.BpmnProcessID ||
			other.ElementInstanceKey == sub.ElementInstanceKey ||
			other.State != storage.MessageSubscriptionCreated {
			return true
		}
		next = other
		return false
	})
	if err != nil {
		return err
	}
	if next != nil {
		p.logger.Debug("message_correlation_retried",
			slog.Int64("message_key", messageKey),
			slog.Int64("element_instance_key", next.ElementInstanceKey))
		return p.correlateSubscription(c, next, messageKey, variables)
	}
	if pending {
		return p.abandonCorrelation(c, pc, messageKey)
	}
	return nil
}

func (p *Partition) deleteMessageSubscription(c *processingContext, cmd protocol.DeleteMessageSubscription) error {
	rec := cmd.Subscription
	ack := protocol.DeleteProcessMessageSubscription{Subscription: processSubscriptionFor(rec, p.cfg.PartitionID)}
	// The process instance side waits for the acknowledgement even if the
	// subscription is already gone.
	c.Send(protocol.DecodePartitionID(rec.ProcessInstanceKey), ack)

	sub, err := p.store.MessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	if errors.Is(err, storage.ErrNotFound) {
		c.reject(protocol.RejectionNotFound,
			"Expected to close message subscription for element with key '%d' and message name '%s', but no such message subscription exists",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.AppendEvent(sub.Key, protocol.MessageSubscriptionDeleted, sub.MessageSubscriptionRecord); err != nil {
		return err
	}
	if sub.State != storage.MessageSubscriptionCorrelating {
		return nil
	}
	if pc, ok := p.pendingCorrelations[sub.MessageKey]; ok {
		return p.abandonCorrelation(c, pc, sub.MessageKey)
	}
	return nil
}

// correlatingSubscription loads the subscription a CORRELATE or REJECT
// refers to and rejects the command unless it is correlating that message.
func (p *Partition) correlatingSubscription(c *processingContext, rec protocol.MessageSubscriptionRecord, operation string) (*storage.MessageSubscription, bool, error) {
	sub, err := p.store.MessageSubscriptions().Get(rec.ElementInstanceKey, rec.MessageName)
	if errors.Is(err, storage.ErrNotFound) {
		c.reject(protocol.RejectionNotFound,
			"Expected to %s message subscription for element with key '%d' and message name '%s', but no such message subscription exists",
			operation, rec.ElementInstanceKey, rec.MessageName)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if sub.State != storage.MessageSubscriptionCorrelating || sub.MessageKey != rec.MessageKey {
		c.reject(protocol.RejectionInvalidState,
			"Expected to %s message subscription for element with key '%d' and message name '%s' for message with key '%d', but it is not correlating that message",
			operation, rec.ElementInstanceKey, rec.MessageName, rec.MessageKey)
		return nil, false, nil
	}
	return sub, true, nil
}
