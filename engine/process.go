// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"reflect"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
)

// deployProcess assigns keys and versions on the deployment partition and
// distributes the result to all other partitions.
func (p *Partition) deployProcess(c *processingContext, cmd protocol.DeployProcess) error {
	if p.cfg.PartitionID != p.cfg.DeploymentPartitionID {
		c.reject(protocol.RejectionInvalidState,
			"Expected to deploy on partition %d, but deployments are handled by partition %d",
			p.cfg.PartitionID, p.cfg.DeploymentPartitionID)
		return nil
	}
	if len(cmd.Deployment.Processes) == 0 {
		c.reject(protocol.RejectionInvalidArgument, "Expected to deploy at least one process, but none given")
		return nil
	}

	var (
		deployed []protocol.ProcessRecord
		created  []protocol.ProcessRecord
	)
	for _, proc := range cmd.Deployment.Processes {
		proc.TenantID = protocol.TenantOrDefault(proc.TenantID)
		if err := p.authorizer.AuthorizeTenant(c.principal(), proc.TenantID); err != nil {
			c.reject(protocol.RejectionForbidden, "%s", err)
			return nil
		}
		if err := bpmn.Validate(proc); err != nil {
			c.reject(protocol.RejectionInvalidArgument, "Expected to deploy a valid process, but %s", err)
			return nil
		}

		latest, ok := p.processes.Latest(proc.TenantID, proc.BpmnProcessID)
		if ok && sameProcess(latest, proc) {
			deployed = append(deployed, latest)
			continue
		}
		proc.Version = 1
		if ok {
			proc.Version = latest.Version + 1
		}
		proc.ProcessDefinitionKey = c.NextKey()
		deployed = append(deployed, proc)
		created = append(created, proc)
	}

	deploymentKey := c.NextKey()
	deployment := protocol.DeploymentRecord{DeploymentKey: deploymentKey, Processes: deployed}
	if err := c.AppendEvent(deploymentKey, protocol.DeploymentCreated, deployment); err != nil {
		return err
	}
	c.respond(c.lastRecord())

	if err := p.replaceStartEventSubscriptions(c, created); err != nil {
		return err
	}
	if len(created) == 0 {
		return nil
	}
	for _, id := range p.cfg.Routing.Partitions {
		if id == p.cfg.PartitionID {
			continue
		}
		distribution := protocol.DeploymentRecord{DeploymentKey: deploymentKey, PartitionID: id, Processes: created}
		if err := c.AppendEvent(deploymentKey, protocol.DeploymentDistributing, distribution); err != nil {
			return err
		}
		c.Send(id, protocol.DistributeDeployment{Deployment: distribution})
	}
	p.logger.Info("processes_deployed", slog.Int("created", len(created)), slog.Int("unchanged", len(deployed)-len(created)))
	return nil
}

// distributeDeployment applies a deployment made on the deployment
// partition. Redelivered deployments are rejected. Both outcomes are
// acknowledged so the deployment partition stops resending.
func (p *Partition) distributeDeployment(c *processingContext, cmd protocol.DistributeDeployment) error {
	d := cmd.Deployment
	var missing []protocol.ProcessRecord
	for _, proc := range d.Processes {
		if _, ok := p.processes.Definition(proc.ProcessDefinitionKey); !ok {
			missing = append(missing, proc)
		}
	}
	if len(missing) == 0 {
		c.reject(protocol.RejectionAlreadyExists, "Expected to distribute a new deployment, but all processes are already deployed")
		p.acknowledgeDistribution(c, d)
		return nil
	}
	rec := protocol.DeploymentRecord{DeploymentKey: d.DeploymentKey, PartitionID: p.cfg.PartitionID, Processes: missing}
	if err := c.AppendEvent(c.NextKey(), protocol.DeploymentDistributed, rec); err != nil {
		return err
	}
	if err := p.replaceStartEventSubscriptions(c, missing); err != nil {
		return err
	}
	p.acknowledgeDistribution(c, d)
	return nil
}

func (p *Partition) acknowledgeDistribution(c *processingContext, d protocol.DeploymentRecord) {
	if d.DeploymentKey == 0 {
		return
	}
	ack := protocol.AcknowledgeDeployment{Deployment: protocol.DeploymentRecord{
		DeploymentKey: d.DeploymentKey,
		PartitionID:   p.cfg.PartitionID,
	}}
	c.Send(protocol.DecodePartitionID(d.DeploymentKey), ack)
}

// acknowledgeDeployment completes the distribution of a deployment to one
// partition.
func (p *Partition) acknowledgeDeployment(c *processingContext, cmd protocol.AcknowledgeDeployment) error {
	d := cmd.Deployment
	k := distributionKey{d.DeploymentKey, d.PartitionID}
	if !p.pendingDistributions.has(k) {
		c.reject(protocol.RejectionNotFound,
			"Expected to acknowledge the distribution of deployment '%d' to partition %d, but it is not pending",
			d.DeploymentKey, d.PartitionID)
		return nil
	}
	if err := c.AppendEvent(d.DeploymentKey, protocol.DeploymentAcknowledged, d); err != nil {
		return err
	}
	p.logger.Debug("deployment_distribution_acknowledged",
		slog.Int64("deployment_key", d.DeploymentKey),
		slog.Int("target", int(d.PartitionID)))
	return nil
}

// replaceStartEventSubscriptions closes the start event subscriptions of
// older versions and opens those of the new versions.
func (p *Partition) replaceStartEventSubscriptions(c *processingContext, procs []protocol.ProcessRecord) error {
	for _, proc := range procs {
		var old []*storage.StartEventSubscription
		err := p.store.StartEventSubscriptions().VisitProcess(proc.TenantID, proc.BpmnProcessID, func(sub *storage.StartEventSubscription) bool {
			if sub.ProcessDefinitionKey != proc.ProcessDefinitionKey {
				old = append(old, sub)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, sub := range old {
			if err := c.AppendEvent(sub.Key, protocol.MessageStartEventSubscriptionDeleted, sub.MessageStartEventSubscriptionRecord); err != nil {
				return err
			}
		}
		for _, se := range proc.MessageStartEvents() {
			rec := protocol.MessageStartEventSubscriptionRecord{
				ProcessDefinitionKey: proc.ProcessDefinitionKey,
				BpmnProcessID:        proc.BpmnProcessID,
				StartEventID:         se.ID,
				MessageName:          se.Message.Name,
				TenantID:             proc.TenantID,
			}
			if err := c.AppendEvent(c.NextKey(), protocol.MessageStartEventSubscriptionCreated, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func sameProcess(a, b protocol.ProcessRecord) bool {
	return reflect.DeepEqual(a.StartEvents, b.StartEvents) && reflect.DeepEqual(a.Elements, b.Elements)
}

func (p *Partition) createProcessInstance(c *processingContext, cmd protocol.CreateProcessInstance) error {
	rec := cmd.Instance
	rec.TenantID = protocol.TenantOrDefault(rec.TenantID)

	if err := p.authorizer.AuthorizeTenant(c.principal(), rec.TenantID); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if err := p.authorizer.Authorize(c.principal(), auth.Request{
		Permission: auth.PermissionCreateProcessInstance,
		Resource:   auth.ResourceProcessDefinition,
		ResourceID: rec.BpmnProcessID,
	}); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}

	def, ok := p.processes.Latest(rec.TenantID, rec.BpmnProcessID)
	if !ok {
		c.reject(protocol.RejectionNotFound,
			"Expected to find process definition with process ID '%s', but none found", rec.BpmnProcessID)
		return nil
	}
	start, ok := def.NoneStartEvent()
	if !ok {
		c.reject(protocol.RejectionInvalidArgument,
			"Expected to create instance of process with none start event, but there is no such event in process '%s'", rec.BpmnProcessID)
		return nil
	}

	key := c.NextKey()
	first := len(c.records)
	if err := p.processes.CreateInstance(c, def, start.ID, key, rec.Variables, ""); err != nil {
		return err
	}
	c.respond(c.records[first])
	return nil
}

func (p *Partition) cancelProcessInstance(c *processingContext, cmd protocol.CancelProcessInstance) error {
	inst, ok := p.processes.Instance(cmd.ProcessInstanceKey)
	if !ok {
		c.reject(protocol.RejectionNotFound,
			"Expected to cancel a process instance with key '%d', but no such process was found", cmd.ProcessInstanceKey)
		return nil
	}
	if err := p.authorizer.AuthorizeTenant(c.principal(), inst.Definition.TenantID); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if err := p.authorizer.Authorize(c.principal(), auth.Request{
		Permission: auth.PermissionUpdateProcessInstance,
		Resource:   auth.ResourceProcessDefinition,
		ResourceID: inst.Definition.BpmnProcessID,
	}); err != nil {
		c.reject(protocol.RejectionForbidden, "%s", err)
		return nil
	}
	if err := p.processes.Cancel(c, cmd.ProcessInstanceKey); err != nil {
		return err
	}
	c.respond(c.lastRecord())
	return nil
}
