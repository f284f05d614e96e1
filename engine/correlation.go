// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// subscriptionCandidates returns the CREATED subscriptions a message can be
// correlated to: the oldest per bpmn process id that the message was not
// correlated to yet.
func (p *Partition) subscriptionCandidates(tenantID, name, correlationKey string, messageKey int64) ([]*storage.MessageSubscription, error) {
	var (
		subs []*storage.MessageSubscription
		seen = make(map[string]bool)
		ferr error
	)
	err := p.store.MessageSubscriptions().Visit(tenantID, name, correlationKey, func(sub *storage.MessageSubscription) bool {
		if sub.State != storage.MessageSubscriptionCreated || seen[sub.BpmnProcessID] {
			return true
		}
		correlated, err := p.isCorrelated(messageKey, sub.BpmnProcessID)
		if err != nil {
			ferr = err
			return false
		}
		if correlated {
			return true
		}
		seen[sub.BpmnProcessID] = true
		subs = append(subs, sub)
		return true
	})
	if err != nil {
		return nil, err
	}
	return subs, ferr
}

// startEventCandidates returns the start event subscriptions a message can
// start an instance for, in ascending process definition key order.
// Processes in skip are left out.
func (p *Partition) startEventCandidates(tenantID, name, correlationKey string, messageKey int64, skip map[string]bool) ([]*storage.StartEventSubscription, error) {
	var (
		subs []*storage.StartEventSubscription
		seen = make(map[string]bool)
		ferr error
	)
	err := p.store.StartEventSubscriptions().VisitMessageName(tenantID, name, func(sub *storage.StartEventSubscription) bool {
		if skip[sub.BpmnProcessID] || seen[sub.BpmnProcessID] {
			return true
		}
		ok, err := p.canStartInstance(sub.TenantID, sub.BpmnProcessID, correlationKey, messageKey)
		if err != nil {
			ferr = err
			return false
		}
		if ok {
			seen[sub.BpmnProcessID] = true
			subs = append(subs, sub)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return subs, ferr
}

func (p *Partition) canStartInstance(tenantID, bpmnProcessID, correlationKey string, messageKey int64) (bool, error) {
	correlated, err := p.isCorrelated(messageKey, bpmnProcessID)
	if err != nil || correlated {
		return false, err
	}
	if correlationKey == "" {
		return true, nil
	}
	_, err = p.store.Messages().ActiveInstance(tenantID, bpmnProcessID, correlationKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}

func (p *Partition) isCorrelated(messageKey int64, bpmnProcessID string) (bool, error) {
	_, err := p.store.Messages().GetCorrelation(messageKey, bpmnProcessID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// correlateSubscription moves sub to CORRELATING and asks the process
// instance partition to correlate the message.
func (p *Partition) correlateSubscription(c *processingContext, sub *storage.MessageSubscription, messageKey int64, variables map[string]any) error {
	rec := sub.MessageSubscriptionRecord
	rec.MessageKey = messageKey
	rec.Variables = variables
	if err := c.AppendEvent(sub.Key, protocol.MessageSubscriptionCorrelating, rec); err != nil {
		return err
	}
	c.Send(protocol.DecodePartitionID(rec.ProcessInstanceKey), protocol.CorrelateProcessMessageSubscription{
		Subscription: processSubscriptionFor(rec, p.cfg.PartitionID),
	})
	p.logger.Debug("message_correlating",
		slog.Int64("message_key", messageKey),
		slog.Int64("element_instance_key", rec.ElementInstanceKey),
		slog.String("bpmn_process_id", rec.BpmnProcessID))
	return nil
}

// correlateBufferedMessage correlates the oldest eligible buffered message
// to a CREATED subscription.
func (p *Partition) correlateBufferedMessage(c *processingContext, sub *storage.MessageSubscription) error {
	now := p.clock.Now()
	var (
		found *storage.Message
		ferr  error
	)
	err := p.store.Messages().Visit(sub.TenantID, sub.MessageName, sub.CorrelationKey, func(msg *storage.Message) bool {
		if !msg.Deadline.After(now) {
			return true
		}
		correlated, err := p.isCorrelated(msg.Key, sub.BpmnProcessID)
		if err != nil {
			ferr = err
			return false
		}
		if correlated {
			return true
		}
		found = msg
		return false
	})
	if err != nil {
		return err
	}
	if ferr != nil || found == nil {
		return ferr
	}
	return p.correlateSubscription(c, sub, found.Key, found.Variables)
}

// startInstance correlates a message to a start event subscription and
// creates the process instance.
func (p *Partition) startInstance(c *processingContext, sub *storage.StartEventSubscription, messageKey int64, msg protocol.MessageRecord) (int64, error) {
	def, ok := p.processes.Definition(sub.ProcessDefinitionKey)
	if !ok {
		return 0, fmt.Errorf("process definition %d of start event subscription not deployed", sub.ProcessDefinitionKey)
	}

	instanceKey := c.NextKey()
	rec := sub.MessageStartEventSubscriptionRecord
	rec.MessageKey = messageKey
	rec.ProcessInstanceKey = instanceKey
	rec.CorrelationKey = msg.CorrelationKey
	rec.Variables = msg.Variables
	if err := c.AppendEvent(sub.Key, protocol.MessageStartEventSubscriptionCorrelated, rec); err != nil {
		return 0, err
	}
	if err := p.processes.CreateInstance(c, def, sub.StartEventID, instanceKey, msg.Variables, msg.CorrelationKey); err != nil {
		return 0, err
	}
	p.metrics.RecordCorrelation(p.cfg.PartitionID, true)
	p.logger.Debug("process_instance_started_by_message",
		slog.Int64("message_key", messageKey),
		slog.Int64("process_instance_key", instanceKey),
		slog.String("bpmn_process_id", sub.BpmnProcessID))
	return instanceKey, nil
}

// releaseFinishedInstances starts the next instance for every correlation
// key lock released while processing the command.
func (p *Partition) releaseFinishedInstances(c *processingContext) {
	for len(c.released) > 0 {
		lock := c.released[0]
		c.released = c.released[1:]
		cp := c.checkpoint()
		if err := p.correlateNextStartMessage(c, lock); err != nil {
			c.rollbackTo(cp)
			p.logger.Warn("buffered_start_message_failed",
				slog.String("bpmn_process_id", lock.bpmnProcessID),
				slog.String("correlation_key", lock.correlationKey),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Partition) correlateNextStartMessage(c *processingContext, lock releasedLock) error {
	var subs []*storage.StartEventSubscription
	err := p.store.StartEventSubscriptions().VisitProcess(lock.tenantID, lock.bpmnProcessID, func(sub *storage.StartEventSubscription) bool {
		subs = append(subs, sub)
		return true
	})
	if err != nil {
		return err
	}

	now := p.clock.Now()
	for _, sub := range subs {
		var (
			found *storage.Message
			ferr  error
		)
		err := p.store.Messages().Visit(lock.tenantID, sub.MessageName, lock.correlationKey, func(msg *storage.Message) bool {
			if !msg.Deadline.After(now) {
				return true
			}
			correlated, err := p.isCorrelated(msg.Key, lock.bpmnProcessID)
			if err != nil {
				ferr = err
				return false
			}
			if correlated {
				return true
			}
			found = msg
			return false
		})
		if err != nil {
			return err
		}
		if ferr != nil {
			return ferr
		}
		if found != nil {
			_, err := p.startInstance(c, sub, found.Key, found.MessageRecord)
			return err
		}
	}
	return nil
}

func processSubscriptionFor(rec protocol.MessageSubscriptionRecord, subscriptionPartitionID int32) protocol.ProcessMessageSubscriptionRecord {
	return protocol.ProcessMessageSubscriptionRecord{
		SubscriptionPartitionID: subscriptionPartitionID,
		ProcessInstanceKey:      rec.ProcessInstanceKey,
		ElementInstanceKey:      rec.ElementInstanceKey,
		ProcessDefinitionKey:    rec.ProcessDefinitionKey,
		BpmnProcessID:           rec.BpmnProcessID,
		MessageName:             rec.MessageName,
		CorrelationKey:          rec.CorrelationKey,
		MessageKey:              rec.MessageKey,
		Variables:               rec.Variables,
		Interrupting:            rec.Interrupting,
		TenantID:                rec.TenantID,
	}
}
