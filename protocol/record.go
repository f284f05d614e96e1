// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/correlator/auth"
)

// Record is one entry of a partition journal.
type Record struct {
	Position        int64          `json:"position"`
	SourcePosition  int64          `json:"sourcePosition"`
	Key             int64          `json:"key"`
	PartitionID     int32          `json:"partitionId"`
	Timestamp       time.Time      `json:"timestamp"`
	RecordType      RecordType     `json:"recordType"`
	ValueType       ValueType      `json:"valueType"`
	Intent          Intent         `json:"intent"`
	RejectionType   RejectionType  `json:"rejectionType,omitempty"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
	RequestID       uint64         `json:"requestId,omitempty"`
	Principal       auth.Principal `json:"principal"`
	Value           Value          `json:"value"`
}

// IsEvent reports whether the record is an event.
func (r Record) IsEvent() bool { return r.RecordType == RecordTypeEvent }

// IsRejection reports whether the record is a command rejection.
func (r Record) IsRejection() bool { return r.RecordType == RecordTypeCommandRejection }

func (r Record) String() string {
	return fmt.Sprintf("%s %s.%s key=%d pos=%d", r.RecordType, r.ValueType, r.Intent, r.Key, r.Position)
}

// UnmarshalJSON decodes the value according to the record value type.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	var raw struct {
		alias
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record(raw.alias)
	v, err := DecodeValue(raw.ValueType, raw.Value)
	if err != nil {
		return err
	}
	r.Value = v
	return nil
}

// DecodeValue decodes a raw JSON value of the given type.
func DecodeValue(vt ValueType, data []byte) (Value, error) {
	var (
		v   Value
		err error
	)
	switch vt {
	case ValueTypeMessage:
		var rec MessageRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeMessageBatch:
		var rec MessageBatchRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeMessageSubscription:
		var rec MessageSubscriptionRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeProcessMessageSubscription:
		var rec ProcessMessageSubscriptionRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeMessageStartEventSubscription:
		var rec MessageStartEventSubscriptionRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeMessageCorrelation:
		var rec MessageCorrelationRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeDeployment:
		var rec DeploymentRecord
		err = unmarshalValue(data, &rec)
		v = rec
	case ValueTypeProcessInstance:
		var rec ProcessInstanceRecord
		err = unmarshalValue(data, &rec)
		v = rec
	default:
		return nil, fmt.Errorf("unknown value type %q", vt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s value: %w", vt, err)
	}
	return v, nil
}

func unmarshalValue(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
