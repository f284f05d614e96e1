// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/internal/bufpool"
	"github.com/absmach/correlator/protocol"
)

// ErrRecordBatchTooLarge is returned when a follow-up record would exceed
// the size budget of the command.
var ErrRecordBatchTooLarge = errors.New("record batch size exceeded")

// recordOverhead approximates the envelope of a record next to its value.
const recordOverhead = 96

type pendingSend struct {
	partitionID int32
	cmd         protocol.Command
}

type releasedLock struct {
	tenantID       string
	bpmnProcessID  string
	correlationKey string
}

// processingContext collects the result of processing one command: the
// follow-up records, deferred sends and the response. Events are applied to
// state as they are appended and reverted through the partition undo log if
// the command fails.
type processingContext struct {
	p         *Partition
	command   protocol.Record
	records   []protocol.Record
	size      int
	sends     []pendingSend
	responses []Response
	rejection protocol.RejectionType
	released  []releasedLock
}

func newProcessingContext(p *Partition, command protocol.Record) *processingContext {
	return &processingContext{p: p, command: command}
}

func (c *processingContext) principal() auth.Principal {
	return c.command.Principal
}

// NextKey implements bpmn.Writer.
func (c *processingContext) NextKey() int64 {
	return c.p.nextKey()
}

// SubscriptionPartition implements bpmn.Writer.
func (c *processingContext) SubscriptionPartition(correlationKey string) int32 {
	return c.p.cfg.Routing.PartitionForCorrelationKey(correlationKey)
}

// Send implements bpmn.Writer. Commands are sent after the result is
// committed.
func (c *processingContext) Send(partitionID int32, cmd protocol.Command) {
	c.sends = append(c.sends, pendingSend{partitionID: partitionID, cmd: cmd})
}

// OnRollback implements bpmn.Writer.
func (c *processingContext) OnRollback(fn func()) {
	c.p.undo.push(func() error {
		fn()
		return nil
	})
}

// AppendEvent implements bpmn.Writer.
func (c *processingContext) AppendEvent(key int64, intent protocol.Intent, value protocol.Value) error {
	size := recordSize(value)
	if !c.canWriteSize(size) {
		return fmt.Errorf("%w: %s %s of %d bytes", ErrRecordBatchTooLarge, value.ValueType(), intent, size)
	}
	rec := protocol.Record{
		Key:         key,
		PartitionID: c.p.cfg.PartitionID,
		Timestamp:   c.p.clock.Now(),
		RecordType:  protocol.RecordTypeEvent,
		ValueType:   value.ValueType(),
		Intent:      intent,
		Value:       value,
	}
	if err := c.p.apply(c, rec); err != nil {
		return fmt.Errorf("failed to apply %s: %w", rec, err)
	}
	c.records = append(c.records, rec)
	c.size += size
	return nil
}

// canWrite reports whether value still fits into the record batch.
func (c *processingContext) canWrite(value protocol.Value) bool {
	return c.canWriteSize(recordSize(value))
}

func (c *processingContext) canWriteSize(n int) bool {
	return c.size+n <= c.p.cfg.MaxRecordBatchSize
}

// reserve takes n bytes of the budget for a record appended later.
func (c *processingContext) reserve(n int) {
	c.size += n
}

func (c *processingContext) release(n int) {
	c.size -= n
}

// reject writes a rejection of the command and answers the request.
func (c *processingContext) reject(t protocol.RejectionType, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	rec := c.command
	rec.Position = 0
	rec.SourcePosition = 0
	rec.Timestamp = c.p.clock.Now()
	rec.RecordType = protocol.RecordTypeCommandRejection
	rec.RejectionType = t
	rec.RejectionReason = reason
	c.records = append(c.records, rec)
	c.rejection = t

	c.p.logger.Debug("command_rejected",
		slog.String("command", c.command.String()),
		slog.String("rejection_type", string(t)),
		slog.String("reason", reason))
	c.respondTo(c.command.RequestID, protocol.Record{}, &protocol.RejectionError{Type: t, Reason: reason})
}

// respond answers the request of the command with rec.
func (c *processingContext) respond(rec protocol.Record) {
	c.respondTo(c.command.RequestID, rec, nil)
}

func (c *processingContext) respondTo(requestID uint64, rec protocol.Record, err error) {
	if requestID == 0 {
		return
	}
	c.responses = append(c.responses, Response{
		PartitionID: c.p.cfg.PartitionID,
		RequestID:   requestID,
		Record:      rec,
		Err:         err,
	})
}

// lastRecord returns the last appended event.
func (c *processingContext) lastRecord() protocol.Record {
	return c.records[len(c.records)-1]
}

// checkpoint marks the result written so far.
type checkpoint struct {
	undo      int
	records   int
	size      int
	sends     int
	responses int
	released  int
}

func (c *processingContext) checkpoint() checkpoint {
	return checkpoint{
		undo:      c.p.undo.mark(),
		records:   len(c.records),
		size:      c.size,
		sends:     len(c.sends),
		responses: len(c.responses),
		released:  len(c.released),
	}
}

// rollbackTo reverts the state changes made after cp and discards the
// records, sends and responses written since.
func (c *processingContext) rollbackTo(cp checkpoint) {
	if err := c.p.undo.rollbackTo(cp.undo); err != nil {
		c.p.logger.Error("command_rollback_failed",
			slog.String("command", c.command.String()),
			slog.String("error", err.Error()))
	}
	clear(c.records[cp.records:])
	c.records = c.records[:cp.records]
	c.size = cp.size
	c.sends = c.sends[:cp.sends]
	c.responses = c.responses[:cp.responses]
	c.released = c.released[:cp.released]
	c.p.metrics.SetBufferedMessages(c.p.cfg.PartitionID, c.p.store.Messages().Count())
}

// flush performs the side effects of a committed result.
func (c *processingContext) flush() {
	for _, s := range c.sends {
		c.p.send(s.partitionID, s.cmd)
	}
	if c.p.responder == nil {
		return
	}
	for _, r := range c.responses {
		c.p.responder.Respond(r)
	}
}

func recordSize(v protocol.Value) int {
	n, err := bufpool.EncodedLen(v)
	if err != nil {
		return recordOverhead
	}
	return n + recordOverhead
}
