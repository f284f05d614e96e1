// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/protocol"
)

// pendingCorrelation is a correlate request waiting for a process instance
// partition to confirm one of its correlations. It is not persisted; a
// request in flight during a restart is not answered.
type pendingCorrelation struct {
	requestID uint64
	record    protocol.MessageCorrelationRecord
	pending   int
}

// correlateMessage correlates a message without buffering it and answers
// with the process instance it was correlated to.
func (p *Partition) correlateMessage(c *processingContext, cmd protocol.CorrelateMessage) error {
	rec := cmd.Correlation
	rec.TenantID = protocol.TenantOrDefault(rec.TenantID)

	if err := p.authorizer.AuthorizeTenant(c.principal(), rec.TenantID); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if !p.routedHere(c, rec.CorrelationKey, "correlate message") {
		return nil
	}

	messageKey := c.NextKey()
	rec.MessageKey = messageKey

	subs, err := p.subscriptionCandidates(rec.TenantID, rec.Name, rec.CorrelationKey, messageKey)
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(subs))
	for _, sub := range subs {
		skip[sub.BpmnProcessID] = true
	}
	starts, err := p.startEventCandidates(rec.TenantID, rec.Name, rec.CorrelationKey, messageKey, skip)
	if err != nil {
		return err
	}

	// Every affected process must be permitted before anything happens.
	var reqs []auth.Request
	for _, sub := range subs {
		reqs = append(reqs, auth.Request{
			Permission: auth.PermissionUpdateProcessInstance,
			Resource:   auth.ResourceProcessDefinition,
			ResourceID: sub.BpmnProcessID,
		})
	}
	for _, sub := range starts {
		reqs = append(reqs, auth.Request{
			Permission: auth.PermissionCreateProcessInstance,
			Resource:   auth.ResourceProcessDefinition,
			ResourceID: sub.BpmnProcessID,
		})
	}
	if err := auth.AuthorizeAll(p.authorizer, c.principal(), reqs); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}

	if len(subs) == 0 && len(starts) == 0 {
		if err := c.AppendEvent(messageKey, protocol.MessageCorrelationNotCorrelated, rec); err != nil {
			return err
		}
		c.reject(protocol.RejectionNotFound,
			"Expected to find subscription for message with name '%s' and correlation key '%s', but none was found.",
			rec.Name, rec.CorrelationKey)
		return nil
	}

	if err := c.AppendEvent(messageKey, protocol.MessageCorrelationCorrelating, rec); err != nil {
		return err
	}
	for _, sub := range subs {
		if err := p.correlateSubscription(c, sub, messageKey, rec.Variables); err != nil {
			return err
		}
	}

	var first int64
	msg := protocol.MessageRecord{
		Name:           rec.Name,
		CorrelationKey: rec.CorrelationKey,
		Variables:      rec.Variables,
		TenantID:       rec.TenantID,
	}
	for _, sub := range starts {
		key, err := p.startInstance(c, sub, messageKey, msg)
		if err != nil {
			return err
		}
		if first == 0 {
			first = key
		}
	}

	pc := &pendingCorrelation{requestID: c.command.RequestID, record: rec, pending: len(subs)}
	if first != 0 {
		return p.completeCorrelation(c, pc, first)
	}
	p.holdCorrelation(messageKey, pc)
	return nil
}

func (p *Partition) completeCorrelation(c *processingContext, pc *pendingCorrelation, processInstanceKey int64) error {
	rec := pc.record
	rec.ProcessInstanceKey = processInstanceKey
	if err := c.AppendEvent(rec.MessageKey, protocol.MessageCorrelationCorrelated, rec); err != nil {
		return err
	}
	c.respondTo(pc.requestID, c.lastRecord(), nil)
	return nil
}

// abandonCorrelation gives up one correlation of a pending request and
// answers NOT_FOUND once none is left.
func (p *Partition) abandonCorrelation(c *processingContext, pc *pendingCorrelation, messageKey int64) error {
	pc.pending--
	p.undo.push(func() error {
		pc.pending++
		return nil
	})
	if pc.pending > 0 {
		return nil
	}
	p.releaseCorrelation(messageKey)
	if err := c.AppendEvent(messageKey, protocol.MessageCorrelationNotCorrelated, pc.record); err != nil {
		return err
	}
	c.respondTo(pc.requestID, protocol.Record{}, protocol.Rejectf(protocol.RejectionNotFound,
		"Expected to correlate message with name '%s' and correlation key '%s', but no process instance accepted it",
		pc.record.Name, pc.record.CorrelationKey))
	return nil
}

// holdCorrelation keeps a correlate request open until the subscriptions
// it was offered to answer.
func (p *Partition) holdCorrelation(messageKey int64, pc *pendingCorrelation) {
	prev, ok := p.pendingCorrelations[messageKey]
	p.pendingCorrelations[messageKey] = pc
	p.undo.push(func() error {
		if ok {
			p.pendingCorrelations[messageKey] = prev
		} else {
			delete(p.pendingCorrelations, messageKey)
		}
		return nil
	})
}

func (p *Partition) releaseCorrelation(messageKey int64) {
	pc, ok := p.pendingCorrelations[messageKey]
	if !ok {
		return
	}
	delete(p.pendingCorrelations, messageKey)
	p.undo.push(func() error {
		p.pendingCorrelations[messageKey] = pc
		return nil
	})
}
