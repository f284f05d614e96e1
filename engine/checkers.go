// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// checkPendingMessageSubscriptions resends CORRELATE for subscriptions
// that stayed CORRELATING longer than the subscription timeout.
func (p *Partition) checkPendingMessageSubscriptions() bool {
	now := p.clock.Now()
	for _, k := range p.pendingMessageSubs.due(now.Add(-p.cfg.SubscriptionTimeout)) {
		sub, err := p.store.MessageSubscriptions().Get(k.elementInstanceKey, k.messageName)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && sub.State != storage.MessageSubscriptionCorrelating) {
			p.pendingMessageSubs.remove(k)
			continue
		}
		if err != nil {
			p.logger.Warn("pending_subscription_lookup_failed", slog.String("error", err.Error()))
			continue
		}

		cmd := protocol.CorrelateProcessMessageSubscription{Subscription: processSubscriptionFor(sub.MessageSubscriptionRecord, p.cfg.PartitionID)}
		p.send(protocol.DecodePartitionID(sub.ProcessInstanceKey), cmd)
		p.pendingMessageSubs.add(k, now)
		p.metrics.RecordResend(p.cfg.PartitionID, cmd.Intent())
		p.logger.Debug("subscription_correlate_resent",
			slog.Int64("element_instance_key", sub.ElementInstanceKey),
			slog.String("message_name", sub.MessageName),
			slog.Int64("message_key", sub.MessageKey))
	}
	return false
}

// checkPendingProcessSubscriptions resends CREATE and DELETE for process
// message subscriptions whose acknowledgement is overdue.
func (p *Partition) checkPendingProcessSubscriptions() bool {
	now := p.clock.Now()
	for _, k := range p.pendingProcessSubs.due(now.Add(-p.cfg.SubscriptionTimeout)) {
		sub, err := p.store.ProcessMessageSubscriptions().Get(k.elementInstanceKey, k.messageName)
		if errors.Is(err, storage.ErrNotFound) {
			p.pendingProcessSubs.remove(k)
			continue
		}
		if err != nil {
			p.logger.Warn("pending_subscription_lookup_failed", slog.String("error", err.Error()))
			continue
		}

		var cmd protocol.Command
		switch sub.State {
		case storage.ProcessMessageSubscriptionCreating:
			cmd = protocol.CreateMessageSubscription{Subscription: bpmn.MessageSubscriptionFor(sub.ProcessMessageSubscriptionRecord)}
		case storage.ProcessMessageSubscriptionDeleting:
			cmd = protocol.DeleteMessageSubscription{Subscription: bpmn.MessageSubscriptionFor(sub.ProcessMessageSubscriptionRecord)}
		default:
			p.pendingProcessSubs.remove(k)
			continue
		}
		p.send(sub.SubscriptionPartitionID, cmd)
		p.pendingProcessSubs.add(k, now)
		p.metrics.RecordResend(p.cfg.PartitionID, cmd.Intent())
		p.logger.Debug("process_subscription_command_resent",
			slog.Int64("element_instance_key", sub.ElementInstanceKey),
			slog.String("message_name", sub.MessageName),
			slog.String("intent", string(cmd.Intent())))
	}
	return false
}

// checkPendingDistributions resends deployments that a partition did not
// acknowledge within the subscription timeout.
func (p *Partition) checkPendingDistributions() bool {
	now := p.clock.Now()
	for _, k := range p.pendingDistributions.due(now.Add(-p.cfg.SubscriptionTimeout)) {
		d, ok := p.distributions[k]
		if !ok {
			p.pendingDistributions.remove(k)
			continue
		}
		cmd := protocol.DistributeDeployment{Deployment: d}
		p.send(k.partitionID, cmd)
		p.pendingDistributions.add(k, now)
		p.metrics.RecordResend(p.cfg.PartitionID, cmd.Intent())
		p.logger.Debug("deployment_distribution_resent",
			slog.Int64("deployment_key", k.deploymentKey),
			slog.Int("target", int(k.partitionID)))
	}
	return false
}

// checkExpiredMessages submits expire commands for messages whose deadline
// has passed. At most one batch is collected per run; when more messages
// are due the task runs again on the next pass.
func (p *Partition) checkExpiredMessages() bool {
	now := p.clock.Now()
	limit := p.cfg.TTLBatchLimit
	var keys []int64
	more := false
	err := p.store.Messages().VisitDeadlines(now, func(key int64, _ time.Time) bool {
		if len(keys) == limit {
			more = true
			return false
		}
		keys = append(keys, key)
		return true
	})
	if err != nil {
		p.logger.Warn("message_ttl_check_failed", slog.String("error", err.Error()))
		return false
	}
	if len(keys) == 0 {
		return false
	}

	var cmds []protocol.Command
	if limit == 1 || !p.cfg.BatchExpiry {
		for _, k := range keys {
			cmds = append(cmds, protocol.ExpireMessage{MessageKey: k})
		}
	} else {
		cmds = append(cmds, protocol.ExpireMessageBatch{Batch: protocol.MessageBatchRecord{MessageKeys: keys}})
	}
	for _, cmd := range cmds {
		if err := p.Submit(Request{Command: cmd}); err != nil {
			p.logger.Warn("message_expire_submit_failed", slog.String("error", err.Error()))
			return false
		}
	}
	p.logger.Debug("message_ttl_check", slog.Int("expired", len(keys)))
	return more
}
