// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the message correlation partition: a single
// threaded processor that applies commands, appends follow-up events to the
// partition journal and sends commands to other partitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/bpmn"
	"github.com/absmach/correlator/journal"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/storage"
	"github.com/jonboulle/clockwork"
)

// ErrPartitionClosed is returned when submitting to a stopped partition.
var ErrPartitionClosed = errors.New("partition closed")

const (
	tickInterval   = 100 * time.Millisecond
	recoveryPage   = 512
	sendTimeout    = 5 * time.Second
	maxQueueLength = 100_000
)

// ErrBackpressure is returned when the command queue is full.
var ErrBackpressure = errors.New("partition queue is full")

// Sender delivers commands to partitions. Delivery is at least once from
// the point of view of the engine: failed sends are repeated by the
// pending subscription checkers.
type Sender interface {
	Send(ctx context.Context, partitionID int32, cmd protocol.Command) error
}

// Exporter receives committed records of a partition in order.
type Exporter interface {
	Export(partitionID int32, records []protocol.Record)
}

// Request is a command submitted to a partition.
type Request struct {
	Command   protocol.Command
	Principal auth.Principal
	RequestID uint64
}

// Response answers a request carrying a request id.
type Response struct {
	PartitionID int32
	RequestID   uint64
	Record      protocol.Record
	Err         error
}

// Responder receives responses. It must not block.
type Responder interface {
	Respond(Response)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(Response)

// Respond implements Responder.
func (f ResponderFunc) Respond(r Response) { f(r) }

type queued struct {
	req    Request
	record *protocol.Record
}

// Option configures a Partition.
type Option func(*Partition)

// WithAuthorizer sets the authorizer. The default permits everything.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(p *Partition) { p.authorizer = a }
}

// WithClock sets the clock used for deadlines and scheduled tasks.
func WithClock(c clockwork.Clock) Option {
	return func(p *Partition) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Partition) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Partition) { p.metrics = m }
}

// WithExporters adds record exporters.
func WithExporters(e ...Exporter) Option {
	return func(p *Partition) { p.exporters = append(p.exporters, e...) }
}

// WithResponder sets the receiver of request responses.
func WithResponder(r Responder) Option {
	return func(p *Partition) { p.responder = r }
}

// WithResolver sets the correlation key resolver of the process engine.
func WithResolver(r bpmn.CorrelationKeyResolver) Option {
	return func(p *Partition) { p.resolver = r }
}

// Partition owns the state of one partition and processes its commands one
// at a time.
type Partition struct {
	cfg        Config
	store      storage.Store
	journal    journal.Journal
	sender     Sender
	authorizer auth.Authorizer
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    Metrics
	exporters  []Exporter
	responder  Responder
	resolver   bpmn.CorrelationKeyResolver

	mu       sync.Mutex
	queue    []queued
	closed   bool
	running  bool
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// procMu serializes processing; everything below is owned by the
	// processing loop.
	procMu               sync.Mutex
	lastKey              int64
	undo                 *undoLog
	processes            *bpmn.Engine
	pendingMessageSubs   *pendingTracker[pendingKey]
	pendingProcessSubs   *pendingTracker[pendingKey]
	pendingDistributions *pendingTracker[distributionKey]
	distributions        map[distributionKey]protocol.DeploymentRecord
	pendingCorrelations  map[int64]*pendingCorrelation
	scheduler            *scheduler
}

// New creates a partition. Call Recover before processing.
func New(cfg Config, store storage.Store, j journal.Journal, sender Sender, opts ...Option) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition config: %w", err)
	}

	undo := &undoLog{}
	p := &Partition{
		cfg:                  cfg,
		store:                newUndoStore(store, undo),
		journal:              j,
		sender:               sender,
		authorizer:           auth.AllowAll(),
		clock:                clockwork.NewRealClock(),
		logger:               slog.Default(),
		metrics:              noopMetrics{},
		notifyCh:             make(chan struct{}, 1),
		stopCh:               make(chan struct{}),
		undo:                 undo,
		pendingMessageSubs:   newPendingTracker(comparePendingKeys),
		pendingProcessSubs:   newPendingTracker(comparePendingKeys),
		pendingDistributions: newPendingTracker(compareDistributionKeys),
		distributions:        make(map[distributionKey]protocol.DeploymentRecord),
		pendingCorrelations:  make(map[int64]*pendingCorrelation),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.Int("partition", int(cfg.PartitionID)))
	p.processes = bpmn.NewEngine(p.resolver, p.logger)
	p.scheduler = newScheduler(p.clock)
	p.scheduler.every("pending-message-subscriptions", cfg.SubscriptionCheckInterval, p.checkPendingMessageSubscriptions)
	p.scheduler.every("pending-process-subscriptions", cfg.SubscriptionCheckInterval, p.checkPendingProcessSubscriptions)
	p.scheduler.every("pending-deployment-distributions", cfg.SubscriptionCheckInterval, p.checkPendingDistributions)
	p.scheduler.every("message-ttl", cfg.TTLCheckInterval, p.checkExpiredMessages)

	lastKey, err := store.Meta().LastKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read last key: %w", err)
	}
	p.lastKey = lastKey

	return p, nil
}

// ID returns the partition id.
func (p *Partition) ID() int32 {
	return p.cfg.PartitionID
}

// Processes returns the process engine of the partition. It must only be
// used while the partition is not processing.
func (p *Partition) Processes() *bpmn.Engine {
	return p.processes
}

// Recover rebuilds transient state from the store and the journal and
// re-enqueues commands that were written but not processed.
func (p *Partition) Recover() error {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	processed, err := p.store.Meta().LastProcessedPosition()
	if err != nil {
		return fmt.Errorf("failed to read last processed position: %w", err)
	}

	var pending []queued
	for from := int64(1); ; {
		recs, err := p.journal.Read(from, recoveryPage)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		for i := range recs {
			rec := recs[i]
			from = rec.Position + 1
			switch {
			case rec.IsEvent() && rec.ValueType == protocol.ValueTypeDeployment:
				if d, ok := rec.Value.(protocol.DeploymentRecord); ok {
					p.recoverDeployment(rec.Intent, d)
				}
			case rec.RecordType == protocol.RecordTypeCommand && rec.Position > processed:
				cmd, err := protocol.CommandFromRecord(rec)
				if err != nil {
					p.logger.Warn("recovery_skipped_command", slog.String("record", rec.String()), slog.String("error", err.Error()))
					continue
				}
				pending = append(pending, queued{
					req:    Request{Command: cmd, Principal: rec.Principal, RequestID: rec.RequestID},
					record: &rec,
				})
			}
		}
	}

	err = p.store.MessageSubscriptions().VisitState(storage.MessageSubscriptionCorrelating, func(sub *storage.MessageSubscription) bool {
		p.pendingMessageSubs.add(pendingKey{sub.ElementInstanceKey, sub.MessageName}, time.Time{})
		return true
	})
	if err != nil {
		return err
	}
	for _, state := range []storage.ProcessMessageSubscriptionState{storage.ProcessMessageSubscriptionCreating, storage.ProcessMessageSubscriptionDeleting} {
		err = p.store.ProcessMessageSubscriptions().VisitState(state, func(sub *storage.ProcessMessageSubscription) bool {
			p.pendingProcessSubs.add(pendingKey{sub.ElementInstanceKey, sub.MessageName}, time.Time{})
			return true
		})
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.queue = append(pending, p.queue...)
	p.mu.Unlock()

	if len(pending) > 0 {
		p.logger.Info("recovered_commands", slog.Int("count", len(pending)))
	}
	p.metrics.SetBufferedMessages(p.cfg.PartitionID, p.store.Messages().Count())
	return nil
}

// recoverDeployment replays a deployment event. Distributions without an
// acknowledgement are resent on the next check.
func (p *Partition) recoverDeployment(intent protocol.Intent, d protocol.DeploymentRecord) {
	k := distributionKey{d.DeploymentKey, d.PartitionID}
	switch intent {
	case protocol.DeploymentCreated, protocol.DeploymentDistributed:
		for _, proc := range d.Processes {
			p.processes.Deploy(proc)
		}
	case protocol.DeploymentDistributing:
		p.pendingDistributions.add(k, time.Time{})
		p.distributions[k] = d
	case protocol.DeploymentAcknowledged:
		p.pendingDistributions.remove(k)
		delete(p.distributions, k)
	}
}

// Start runs the processing loop until ctx is done or Stop is called.
func (p *Partition) Start(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			p.wg.Done()
		}()
		p.run(ctx)
	}()
}

// Running reports whether the processing loop is active.
func (p *Partition) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running && !p.closed
}

func (p *Partition) run(ctx context.Context) {
	// Ticker drives scheduled tasks and picks up missed notifications.
	ticker := p.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.notifyCh:
			p.drain()
		case <-ticker.Chan():
			p.RunScheduledTasks()
			p.drain()
		}
	}
}

func (p *Partition) drain() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.ProcessNext() {
			return
		}
	}
}

// Stop stops the processing loop and rejects further submissions.
func (p *Partition) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// Submit enqueues a request. It never blocks on processing.
func (p *Partition) Submit(req Request) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPartitionClosed
	}
	if len(p.queue) >= maxQueueLength {
		p.mu.Unlock()
		return ErrBackpressure
	}
	p.queue = append(p.queue, queued{req: req})
	p.mu.Unlock()

	p.notify()
	return nil
}

func (p *Partition) notify() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// QueueLength returns the number of commands waiting to be processed.
func (p *Partition) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// ProcessNext processes the oldest queued command and reports whether there
// was one.
func (p *Partition) ProcessNext() bool {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	q := p.queue[0]
	p.queue[0] = queued{}
	p.queue = p.queue[1:]
	p.mu.Unlock()

	p.procMu.Lock()
	defer p.procMu.Unlock()

	p.process(q)
	return true
}

// RunScheduledTasks runs every scheduled task that is due at the current
// clock time.
func (p *Partition) RunScheduledTasks() int {
	p.procMu.Lock()
	defer p.procMu.Unlock()

	return p.scheduler.runDue()
}

func (p *Partition) process(q queued) {
	start := p.clock.Now()
	cmd := q.req.Command

	command := protocol.Record{
		Key:         protocol.CommandKey(cmd),
		PartitionID: p.cfg.PartitionID,
		Timestamp:   start,
		RecordType:  protocol.RecordTypeCommand,
		ValueType:   cmd.Payload().ValueType(),
		Intent:      cmd.Intent(),
		RequestID:   q.req.RequestID,
		Principal:   q.req.Principal,
		Value:       cmd.Payload(),
	}
	if q.record != nil {
		command = *q.record
	} else {
		written, err := p.journal.Append([]protocol.Record{command})
		if err != nil {
			p.logger.Error("command_write_failed", slog.String("command", command.String()), slog.String("error", err.Error()))
			p.respondError(q.req, protocol.Rejectf(protocol.RejectionProcessingError, "failed to write command: %s", err))
			return
		}
		command = written[0]
	}

	p.undo.reset()
	c := newProcessingContext(p, command)
	if err := p.dispatch(c, cmd); err != nil {
		p.logger.Error("command_processing_failed",
			slog.String("command", command.String()),
			slog.String("error", err.Error()))
		// Only the rejection of a failed command is written.
		c.rollbackTo(checkpoint{})
		c.reject(protocol.RejectionProcessingError, "Expected to process command %s, but failed: %s", command, err)
	}
	p.releaseFinishedInstances(c)

	records, err := p.commit(c)
	if err != nil {
		p.logger.Error("command_commit_failed", slog.String("command", command.String()), slog.String("error", err.Error()))
		c.rollbackTo(checkpoint{})
		return
	}
	p.undo.reset()

	c.flush()
	records = append([]protocol.Record{command}, records...)
	for _, e := range p.exporters {
		e.Export(p.cfg.PartitionID, records)
	}
	p.metrics.RecordCommand(p.cfg.PartitionID, command.ValueType, command.Intent, c.rejection, p.clock.Since(start))
	p.metrics.SetPendingSubscriptions(p.cfg.PartitionID, p.pendingMessageSubs.len()+p.pendingProcessSubs.len())
}

func (p *Partition) commit(c *processingContext) ([]protocol.Record, error) {
	for i := range c.records {
		c.records[i].SourcePosition = c.command.Position
	}
	var written []protocol.Record
	if len(c.records) > 0 {
		var err error
		written, err = p.journal.Append(c.records)
		if err != nil {
			return nil, err
		}
		c.records = written
	}
	if err := p.store.Meta().SetLastKey(p.lastKey); err != nil {
		return nil, err
	}
	if err := p.store.Meta().SetLastProcessedPosition(c.command.Position); err != nil {
		return nil, err
	}
	return written, nil
}

func (p *Partition) dispatch(c *processingContext, cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case protocol.MessageCommand:
		return p.processMessage(c, cmd)
	case protocol.MessageSubscriptionCommand:
		return p.processMessageSubscription(c, cmd)
	case protocol.ProcessMessageSubscriptionCommand:
		return p.processProcessMessageSubscription(c, cmd)
	case protocol.ProcessCommand:
		return p.processProcess(c, cmd)
	case protocol.CorrelateMessage:
		return p.correlateMessage(c, cmd)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

func (p *Partition) processMessage(c *processingContext, cmd protocol.MessageCommand) error {
	switch cmd := cmd.(type) {
	case protocol.PublishMessage:
		return p.publishMessage(c, cmd)
	case protocol.ExpireMessage:
		return p.expireMessage(c, cmd)
	case protocol.ExpireMessageBatch:
		return p.expireMessageBatch(c, cmd)
	default:
		return fmt.Errorf("unsupported message command %T", cmd)
	}
}

func (p *Partition) processMessageSubscription(c *processingContext, cmd protocol.MessageSubscriptionCommand) error {
	switch cmd := cmd.(type) {
	case protocol.CreateMessageSubscription:
		return p.createMessageSubscription(c, cmd)
	case protocol.CorrelateMessageSubscription:
		return p.correlateMessageSubscription(c, cmd)
	case protocol.RejectMessageSubscription:
		return p.rejectMessageSubscription(c, cmd)
	case protocol.DeleteMessageSubscription:
		return p.deleteMessageSubscription(c, cmd)
	default:
		return fmt.Errorf("unsupported message subscription command %T", cmd)
	}
}

func (p *Partition) processProcessMessageSubscription(c *processingContext, cmd protocol.ProcessMessageSubscriptionCommand) error {
	switch cmd := cmd.(type) {
	case protocol.CreateProcessMessageSubscription:
		return p.createProcessMessageSubscription(c, cmd)
	case protocol.CorrelateProcessMessageSubscription:
		return p.correlateProcessMessageSubscription(c, cmd)
	case protocol.DeleteProcessMessageSubscription:
		return p.deleteProcessMessageSubscription(c, cmd)
	default:
		return fmt.Errorf("unsupported process message subscription command %T", cmd)
	}
}

func (p *Partition) processProcess(c *processingContext, cmd protocol.ProcessCommand) error {
	switch cmd := cmd.(type) {
	case protocol.DeployProcess:
		return p.deployProcess(c, cmd)
	case protocol.DistributeDeployment:
		return p.distributeDeployment(c, cmd)
	case protocol.AcknowledgeDeployment:
		return p.acknowledgeDeployment(c, cmd)
	case protocol.CreateProcessInstance:
		return p.createProcessInstance(c, cmd)
	case protocol.CancelProcessInstance:
		return p.cancelProcessInstance(c, cmd)
	default:
		return fmt.Errorf("unsupported process command %T", cmd)
	}
}

func (p *Partition) nextKey() int64 {
	p.lastKey++
	return protocol.EncodeKey(p.cfg.PartitionID, p.lastKey)
}

func (p *Partition) send(partitionID int32, cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := p.sender.Send(ctx, partitionID, cmd); err != nil {
		// Pending commands are resent by the checkers.
		p.logger.Debug("command_send_failed",
			slog.Int("target", int(partitionID)),
			slog.String("intent", string(cmd.Intent())),
			slog.String("error", err.Error()))
	}
}

func (p *Partition) respondError(req Request, err error) {
	if req.RequestID == 0 || p.responder == nil {
		return
	}
	p.responder.Respond(Response{PartitionID: p.cfg.PartitionID, RequestID: req.RequestID, Err: err})
}

// Config returns the partition configuration.
func (p *Partition) Config() Config {
	return p.cfg
}
