// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"log/slog"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

func (p *Partition) publishMessage(c *processingContext, cmd protocol.PublishMessage) error {
	msg := cmd.Message
	msg.TenantID = protocol.TenantOrDefault(msg.TenantID)

	if err := p.authorizer.AuthorizeTenant(c.principal(), msg.TenantID); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if err := p.authorizer.Authorize(c.principal(), auth.Request{
		Permission: auth.PermissionCreate,
		Resource:   auth.ResourceMessage,
	}); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if !p.routedHere(c, msg.CorrelationKey, "publish message") {
		return nil
	}
	if msg.MessageID != "" {
		exists, err := p.store.Messages().ExistsID(msg.TenantID, msg.Name, msg.CorrelationKey, msg.MessageID, c.command.Timestamp)
		if err != nil {
			return err
		}
		if exists {
			c.reject(protocol.RejectionAlreadyExists,
				"Expected to publish a new message with id '%s', but a message with that id was already published", msg.MessageID)
			return nil
		}
	}

	messageKey := c.NextKey()
	msg.Deadline = c.command.Timestamp.Add(msg.TimeToLive)
	if err := c.AppendEvent(messageKey, protocol.MessagePublished, msg); err != nil {
		return err
	}
	c.respond(c.lastRecord())

	subs, err := p.subscriptionCandidates(msg.TenantID, msg.Name, msg.CorrelationKey, messageKey)
	if err != nil {
		return err
	}
	correlated := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if err := p.correlateSubscription(c, sub, messageKey, msg.Variables); err != nil {
			return err
		}
		correlated[sub.BpmnProcessID] = true
	}

	starts, err := p.startEventCandidates(msg.TenantID, msg.Name, msg.CorrelationKey, messageKey, correlated)
	if err != nil {
		return err
	}
	for _, sub := range starts {
		if _, err := p.startInstance(c, sub, messageKey, msg); err != nil {
			return err
		}
	}

	if msg.TimeToLive <= 0 {
		if err := c.AppendEvent(messageKey, protocol.MessageExpired, p.expiredValue(msg)); err != nil {
			return err
		}
		p.metrics.RecordExpired(p.cfg.PartitionID, 1)
	}

	p.logger.Debug("message_published",
		slog.Int64("message_key", messageKey),
		slog.String("name", msg.Name),
		slog.String("correlation_key", msg.CorrelationKey),
		slog.String("tenant_id", msg.TenantID),
		slog.Int("correlated", len(subs)+len(starts)))
	return nil
}

// routedHere rejects the command when the correlation key belongs to
// another partition.
func (p *Partition) routedHere(c *processingContext, correlationKey, operation string) bool {
	target := p.cfg.Routing.PartitionForCorrelationKey(correlationKey)
	if target == p.cfg.PartitionID {
		return true
	}
	c.reject(protocol.RejectionInvalidState,
		"Expected to %s with correlation key '%s' on partition %d, but it was not routed to the right partition (expected %d). Please retry.",
		operation, correlationKey, p.cfg.PartitionID, target)
	return false
}

func (p *Partition) expiredValue(msg protocol.MessageRecord) protocol.MessageRecord {
	if p.cfg.AppendMessageBodyOnExpired {
		return msg
	}
	return protocol.MessageRecord{TenantID: msg.TenantID}
}

func (p *Partition) expireMessage(c *processingContext, cmd protocol.ExpireMessage) error {
	msg, err := p.store.Messages().Get(cmd.MessageKey)
	if errors.Is(err, storage.ErrNotFound) {
		c.reject(protocol.RejectionNotFound, "Expected to expire message with key '%d', but no such message was found", cmd.MessageKey)
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.AppendEvent(msg.Key, protocol.MessageExpired, p.expiredValue(msg.MessageRecord)); err != nil {
		return err
	}
	p.metrics.RecordExpired(p.cfg.PartitionID, 1)
	return nil
}

// expireMessageBatch expires the listed messages that still exist. It
// stops before the record batch would exceed its size budget; the rest is
// picked up by the next TTL check.
func (p *Partition) expireMessageBatch(c *processingContext, cmd protocol.ExpireMessageBatch) error {
	keys := cmd.Batch.MessageKeys
	summary := recordSize(cmd.Batch)
	c.reserve(summary)

	var (
		expired []int64
		found   int
	)
	for _, key := range keys {
		msg, err := p.store.Messages().Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		found++
		value := p.expiredValue(msg.MessageRecord)
		if !c.canWrite(value) {
			p.logger.Debug("message_batch_expiry_split",
				slog.Int("expired", len(expired)),
				slog.Int("requested", len(keys)))
			break
		}
		if err := c.AppendEvent(key, protocol.MessageExpired, value); err != nil {
			return err
		}
		expired = append(expired, key)
	}

	c.release(summary)
	if found == 0 {
		c.reject(protocol.RejectionNotFound,
			"Expected to expire messages with keys %v, but none of them were found", keys)
		return nil
	}
	if len(expired) == 0 {
		return nil
	}
	if err := c.AppendEvent(c.command.Key, protocol.MessageBatchExpired, protocol.MessageBatchRecord{MessageKeys: expired}); err != nil {
		return err
	}
	p.metrics.RecordExpired(p.cfg.PartitionID, len(expired))
	return nil
}
