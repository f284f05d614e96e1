// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"

	"github.com/absmach/correlator/protocol"
)

// RecordingExporter keeps every exported record in export order.
type RecordingExporter struct {
	mu      sync.Mutex
	records []protocol.Record
}

// NewRecordingExporter returns an empty recorder.
func NewRecordingExporter() *RecordingExporter {
	return &RecordingExporter{}
}

// Export implements engine.Exporter.
func (r *RecordingExporter) Export(_ int32, records []protocol.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, records...)
}

// Records returns a copy of all records.
func (r *RecordingExporter) Records() []protocol.Record {
	return r.Filter(func(protocol.Record) bool { return true })
}

// Filter returns the records matching fn.
func (r *RecordingExporter) Filter(fn func(protocol.Record) bool) []protocol.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ret []protocol.Record
	for _, rec := range r.records {
		if fn(rec) {
			ret = append(ret, rec)
		}
	}
	return ret
}

// Events returns events of a value type and intent.
func (r *RecordingExporter) Events(vt protocol.ValueType, intent protocol.Intent) []protocol.Record {
	return r.match(protocol.RecordTypeEvent, vt, intent)
}

// Commands returns commands of a value type and intent.
func (r *RecordingExporter) Commands(vt protocol.ValueType, intent protocol.Intent) []protocol.Record {
	return r.match(protocol.RecordTypeCommand, vt, intent)
}

// Rejections returns rejected commands of a value type and intent.
func (r *RecordingExporter) Rejections(vt protocol.ValueType, intent protocol.Intent) []protocol.Record {
	return r.match(protocol.RecordTypeCommandRejection, vt, intent)
}

// Intents returns the event intents of a value type in order.
func (r *RecordingExporter) Intents(vt protocol.ValueType) []protocol.Intent {
	var ret []protocol.Intent
	for _, rec := range r.Filter(func(rec protocol.Record) bool {
		return rec.ValueType == vt && rec.RecordType == protocol.RecordTypeEvent
	}) {
		ret = append(ret, rec.Intent)
	}
	return ret
}

// Reset forgets all records.
func (r *RecordingExporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = nil
}

func (r *RecordingExporter) match(rt protocol.RecordType, vt protocol.ValueType, intent protocol.Intent) []protocol.Record {
	return r.Filter(func(rec protocol.Record) bool {
		return rec.RecordType == rt && rec.ValueType == vt && rec.Intent == intent
	})
}
