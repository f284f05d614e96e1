// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"os"
	"strings"
	"testing"

	"github.com/absmach/correlator/internal/codec"
	"github.com/absmach/correlator/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalPersistsAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-journal-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	j, err := New(Config{Dir: tmpDir, Compression: codec.CompressionS2})
	require.NoError(t, err)

	big := strings.Repeat("v", 1024)
	_, err = j.Append([]protocol.Record{
		{
			RecordType: protocol.RecordTypeCommand,
			ValueType:  protocol.ValueTypeMessage,
			Intent:     protocol.MessagePublish,
			RequestID:  9,
			Value:      protocol.MessageRecord{Name: "order", Variables: map[string]any{"big": big}},
		},
		{
			RecordType: protocol.RecordTypeEvent,
			ValueType:  protocol.ValueTypeMessageSubscription,
			Intent:     protocol.MessageSubscriptionCorrelating,
			Value:      protocol.MessageSubscriptionRecord{ElementInstanceKey: 5, MessageName: "order"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = New(Config{Dir: tmpDir})
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, int64(2), j.LastPosition())

	recs, err := j.Read(1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	msg, ok := recs[0].Value.(protocol.MessageRecord)
	require.True(t, ok)
	assert.Equal(t, big, msg.Variables["big"])
	assert.Equal(t, uint64(9), recs[0].RequestID)

	cmd, err := protocol.CommandFromRecord(recs[0])
	require.NoError(t, err)
	assert.IsType(t, protocol.PublishMessage{}, cmd)

	sub, ok := recs[1].Value.(protocol.MessageSubscriptionRecord)
	require.True(t, ok)
	assert.Equal(t, int64(5), sub.ElementInstanceKey)

	recs, err = j.Append([]protocol.Record{{RecordType: protocol.RecordTypeEvent, ValueType: protocol.ValueTypeMessage, Intent: protocol.MessageExpired, Value: protocol.MessageRecord{}}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), recs[0].Position)
}

func TestJournalReadLimit(t *testing.T) {
	j, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		_, err := j.Append([]protocol.Record{{RecordType: protocol.RecordTypeEvent, ValueType: protocol.ValueTypeMessageBatch, Intent: protocol.MessageBatchExpired, Value: protocol.MessageBatchRecord{}}})
		require.NoError(t, err)
	}

	recs, err := j.Read(2, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Position)
	assert.Equal(t, int64(3), recs[1].Position)
}
