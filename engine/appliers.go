// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"

	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// apply changes partition state for an event. State is never changed by
// processors directly.
func (p *Partition) apply(c *processingContext, rec protocol.Record) error {
	switch v := rec.Value.(type) {
	case protocol.MessageRecord:
		return p.applyMessage(rec, v)
	case protocol.MessageBatchRecord, protocol.MessageCorrelationRecord:
		return nil
	case protocol.MessageSubscriptionRecord:
		return p.applyMessageSubscription(rec, v)
	case protocol.ProcessMessageSubscriptionRecord:
		return p.applyProcessMessageSubscription(rec, v)
	case protocol.MessageStartEventSubscriptionRecord:
		return p.applyStartEventSubscription(rec, v)
	case protocol.DeploymentRecord:
		p.applyDeployment(rec, v)
		return nil
	case protocol.ProcessInstanceRecord:
		return p.applyProcessInstance(c, rec, v)
	default:
		return fmt.Errorf("no applier for %T", v)
	}
}

// applyDeployment registers new process versions and follows the
// distribution of deployments to the other partitions.
func (p *Partition) applyDeployment(rec protocol.Record, v protocol.DeploymentRecord) {
	k := distributionKey{v.DeploymentKey, v.PartitionID}
	switch rec.Intent {
	case protocol.DeploymentCreated, protocol.DeploymentDistributed:
		for _, proc := range v.Processes {
			if _, ok := p.processes.Definition(proc.ProcessDefinitionKey); ok {
				continue
			}
			p.processes.Deploy(proc)
			key := proc.ProcessDefinitionKey
			p.undo.push(func() error {
				p.processes.Undeploy(key)
				return nil
			})
		}
	case protocol.DeploymentDistributing:
		p.undo.push(p.distributionRestorer(k))
		p.pendingDistributions.add(k, p.clock.Now())
		p.distributions[k] = v
	case protocol.DeploymentAcknowledged:
		p.undo.push(p.distributionRestorer(k))
		p.pendingDistributions.remove(k)
		delete(p.distributions, k)
	}
}

func (p *Partition) distributionRestorer(k distributionKey) func() error {
	restore := p.pendingDistributions.restorer(k)
	d, ok := p.distributions[k]
	return func() error {
		if ok {
			p.distributions[k] = d
		} else {
			delete(p.distributions, k)
		}
		return restore()
	}
}

func (p *Partition) trackPending(t *pendingTracker[pendingKey], k pendingKey) {
	p.undo.push(t.restorer(k))
	t.add(k, p.clock.Now())
}

func (p *Partition) untrackPending(t *pendingTracker[pendingKey], k pendingKey) {
	p.undo.push(t.restorer(k))
	t.remove(k)
}

func (p *Partition) applyMessage(rec protocol.Record, v protocol.MessageRecord) error {
	switch rec.Intent {
	case protocol.MessagePublished:
		err := p.store.Messages().Put(&storage.Message{Key: rec.Key, MessageRecord: v})
		p.metrics.SetBufferedMessages(p.cfg.PartitionID, p.store.Messages().Count())
		return err
	case protocol.MessageExpired:
		err := p.store.Messages().Delete(rec.Key)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		p.metrics.SetBufferedMessages(p.cfg.PartitionID, p.store.Messages().Count())
		return err
	}
	return nil
}

func (p *Partition) applyMessageSubscription(rec protocol.Record, v protocol.MessageSubscriptionRecord) error {
	subs := p.store.MessageSubscriptions()
	k := pendingKey{v.ElementInstanceKey, v.MessageName}

	switch rec.Intent {
	case protocol.MessageSubscriptionCreated:
		return subs.Put(&storage.MessageSubscription{
			Key:                       rec.Key,
			State:                     storage.MessageSubscriptionCreated,
			MessageSubscriptionRecord: v,
		})

	case protocol.MessageSubscriptionCorrelating:
		sub, err := subs.Get(v.ElementInstanceKey, v.MessageName)
		if err != nil {
			return err
		}
		sub.State = storage.MessageSubscriptionCorrelating
		sub.MessageKey = v.MessageKey
		sub.Variables = v.Variables
		if err := subs.Put(sub); err != nil {
			return err
		}
		if err := p.markCorrelation(v.MessageKey, v.BpmnProcessID, v.ElementInstanceKey, false); err != nil {
			return err
		}
		p.trackPending(p.pendingMessageSubs, k)
		return nil

	case protocol.MessageSubscriptionCorrelated:
		if err := p.confirmCorrelation(v.MessageKey, v.BpmnProcessID); err != nil {
			return err
		}
		p.untrackPending(p.pendingMessageSubs, k)
		sub, err := subs.Get(v.ElementInstanceKey, v.MessageName)
		if err != nil {
			return err
		}
		if sub.Interrupting {
			return subs.Delete(v.ElementInstanceKey, v.MessageName)
		}
		sub.State = storage.MessageSubscriptionCreated
		sub.Variables = nil
		return subs.Put(sub)

	case protocol.MessageSubscriptionRejected:
		p.untrackPending(p.pendingMessageSubs, k)
		if err := p.store.Messages().RemoveCorrelation(v.MessageKey, v.BpmnProcessID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		sub, err := subs.Get(v.ElementInstanceKey, v.MessageName)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sub.State = storage.MessageSubscriptionCreated
		sub.Variables = nil
		return subs.Put(sub)

	case protocol.MessageSubscriptionDeleted:
		p.untrackPending(p.pendingMessageSubs, k)
		sub, err := subs.Get(v.ElementInstanceKey, v.MessageName)
		if err != nil {
			return err
		}
		if sub.State == storage.MessageSubscriptionCorrelating {
			// The correlation may have been applied by the process
			// instance already, so the message stays consumed.
			if err := p.confirmCorrelation(sub.MessageKey, sub.BpmnProcessID); err != nil {
				return err
			}
		}
		return subs.Delete(v.ElementInstanceKey, v.MessageName)
	}
	return nil
}

func (p *Partition) applyProcessMessageSubscription(rec protocol.Record, v protocol.ProcessMessageSubscriptionRecord) error {
	subs := p.store.ProcessMessageSubscriptions()
	k := pendingKey{v.ElementInstanceKey, v.MessageName}

	switch rec.Intent {
	case protocol.ProcessMessageSubscriptionCreating:
		p.trackPending(p.pendingProcessSubs, k)
		return subs.Put(&storage.ProcessMessageSubscription{
			Key:                              rec.Key,
			State:                            storage.ProcessMessageSubscriptionCreating,
			ProcessMessageSubscriptionRecord: v,
		})

	case protocol.ProcessMessageSubscriptionCreated:
		p.untrackPending(p.pendingProcessSubs, k)
		return p.updateProcessSubscription(v, func(sub *storage.ProcessMessageSubscription) {
			sub.State = storage.ProcessMessageSubscriptionCreated
		})

	case protocol.ProcessMessageSubscriptionCorrelated:
		return p.updateProcessSubscription(v, func(sub *storage.ProcessMessageSubscription) {
			if !sub.HasCorrelated(v.MessageKey) {
				sub.CorrelatedMessageKeys = append(sub.CorrelatedMessageKeys, v.MessageKey)
			}
			if sub.Interrupting {
				sub.State = storage.ProcessMessageSubscriptionCorrelated
			}
		})

	case protocol.ProcessMessageSubscriptionDeleting:
		p.trackPending(p.pendingProcessSubs, k)
		return p.updateProcessSubscription(v, func(sub *storage.ProcessMessageSubscription) {
			sub.State = storage.ProcessMessageSubscriptionDeleting
		})

	case protocol.ProcessMessageSubscriptionDeleted:
		p.untrackPending(p.pendingProcessSubs, k)
		err := subs.Delete(v.ElementInstanceKey, v.MessageName)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (p *Partition) updateProcessSubscription(v protocol.ProcessMessageSubscriptionRecord, fn func(*storage.ProcessMessageSubscription)) error {
	subs := p.store.ProcessMessageSubscriptions()
	sub, err := subs.Get(v.ElementInstanceKey, v.MessageName)
	if err != nil {
		return err
	}
	fn(sub)
	return subs.Put(sub)
}

func (p *Partition) applyStartEventSubscription(rec protocol.Record, v protocol.MessageStartEventSubscriptionRecord) error {
	switch rec.Intent {
	case protocol.MessageStartEventSubscriptionCreated:
		return p.store.StartEventSubscriptions().Put(&storage.StartEventSubscription{
			Key:                                 rec.Key,
			MessageStartEventSubscriptionRecord: v,
		})
	case protocol.MessageStartEventSubscriptionDeleted:
		err := p.store.StartEventSubscriptions().Delete(v.ProcessDefinitionKey, v.MessageName)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	case protocol.MessageStartEventSubscriptionCorrelated:
		if err := p.markCorrelation(v.MessageKey, v.BpmnProcessID, v.ProcessInstanceKey, true); err != nil {
			return err
		}
		if v.CorrelationKey == "" {
			return nil
		}
		return p.store.Messages().PutActiveInstance(v.TenantID, v.BpmnProcessID, v.CorrelationKey, v.ProcessInstanceKey)
	}
	return nil
}

func (p *Partition) applyProcessInstance(c *processingContext, rec protocol.Record, v protocol.ProcessInstanceRecord) error {
	if v.ElementType != protocol.ElementProcess || v.StartCorrelationKey == "" {
		return nil
	}
	if rec.Intent != protocol.ProcessInstanceElementCompleted && rec.Intent != protocol.ProcessInstanceElementTerminated {
		return nil
	}

	msgs := p.store.Messages()
	holder, err := msgs.ActiveInstance(v.TenantID, v.BpmnProcessID, v.StartCorrelationKey)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && holder != v.ProcessInstanceKey) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := msgs.RemoveActiveInstance(v.TenantID, v.BpmnProcessID, v.StartCorrelationKey); err != nil {
		return err
	}
	c.released = append(c.released, releasedLock{
		tenantID:       v.TenantID,
		bpmnProcessID:  v.BpmnProcessID,
		correlationKey: v.StartCorrelationKey,
	})
	return nil
}

// markCorrelation records that a buffered message was correlated to a
// process. Messages that are not buffered carry no marker.
func (p *Partition) markCorrelation(messageKey int64, bpmnProcessID string, elementInstanceKey int64, confirmed bool) error {
	msgs := p.store.Messages()
	if _, err := msgs.Get(messageKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return msgs.PutCorrelation(&storage.Correlation{
		MessageKey:         messageKey,
		BpmnProcessID:      bpmnProcessID,
		ElementInstanceKey: elementInstanceKey,
		Confirmed:          confirmed,
	})
}

func (p *Partition) confirmCorrelation(messageKey int64, bpmnProcessID string) error {
	msgs := p.store.Messages()
	corr, err := msgs.GetCorrelation(messageKey, bpmnProcessID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if corr.Confirmed {
		return nil
	}
	corr.Confirmed = true
	return msgs.PutCorrelation(corr)
}
