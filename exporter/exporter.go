// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package exporter publishes committed partition records to the outside
// world.
package exporter

import (
	"log/slog"
	"time"

	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/google/uuid"
)

// Envelope wraps an exported record with delivery metadata.
type Envelope struct {
	ID          string          `json:"id"`
	NodeID      string          `json:"node_id"`
	PartitionID int32           `json:"partition_id"`
	Position    int64           `json:"position"`
	ExportedAt  time.Time       `json:"exported_at"`
	Record      protocol.Record `json:"record"`
}

// Wrap builds the envelope of a record with a fresh event id.
func Wrap(nodeID string, r protocol.Record, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		PartitionID: r.PartitionID,
		Position:    r.Position,
		ExportedAt:  now,
		Record:      r,
	}
}

// Filter selects records by value type and record type. An empty set
// accepts everything.
type Filter struct {
	valueTypes  map[protocol.ValueType]bool
	recordTypes map[protocol.RecordType]bool
}

// NewFilter creates a filter from value type and record type names.
func NewFilter(valueTypes, recordTypes []string) Filter {
	f := Filter{}
	if len(valueTypes) > 0 {
		f.valueTypes = make(map[protocol.ValueType]bool, len(valueTypes))
		for _, v := range valueTypes {
			f.valueTypes[protocol.ValueType(v)] = true
		}
	}
	if len(recordTypes) > 0 {
		f.recordTypes = make(map[protocol.RecordType]bool, len(recordTypes))
		for _, rt := range recordTypes {
			f.recordTypes[protocol.RecordType(rt)] = true
		}
	}
	return f
}

// Matches reports whether the record passes the filter.
func (f Filter) Matches(r protocol.Record) bool {
	if f.valueTypes != nil && !f.valueTypes[r.ValueType] {
		return false
	}
	if f.recordTypes != nil && !f.recordTypes[r.RecordType] {
		return false
	}
	return true
}

var _ engine.Exporter = (*LogExporter)(nil)

// LogExporter writes matching records to a logger at debug level.
type LogExporter struct {
	filter Filter
	logger *slog.Logger
}

// NewLogExporter creates a log exporter.
func NewLogExporter(filter Filter, logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{filter: filter, logger: logger}
}

// Export implements engine.Exporter.
func (e *LogExporter) Export(partitionID int32, records []protocol.Record) {
	for _, r := range records {
		if !e.filter.Matches(r) {
			continue
		}
		attrs := []any{
			slog.Int("partition", int(partitionID)),
			slog.Int64("position", r.Position),
			slog.Int64("key", r.Key),
			slog.String("record_type", string(r.RecordType)),
			slog.String("value_type", string(r.ValueType)),
			slog.String("intent", string(r.Intent)),
		}
		if r.IsRejection() {
			attrs = append(attrs,
				slog.String("rejection_type", string(r.RejectionType)),
				slog.String("rejection_reason", r.RejectionReason))
		}
		e.logger.Debug("record_exported", attrs...)
	}
}
