// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	stats *broker.Stats
	err   error
}

func (f *fakeService) Publish(context.Context, auth.Principal, protocol.MessageRecord) (protocol.Record, error) {
	return protocol.Record{Key: 1}, f.err
}

func (f *fakeService) Correlate(context.Context, auth.Principal, protocol.MessageCorrelationRecord) (protocol.Record, error) {
	return protocol.Record{Key: 2}, f.err
}

func (f *fakeService) Deploy(context.Context, auth.Principal, protocol.DeploymentRecord) (protocol.Record, error) {
	return protocol.Record{Key: 3}, f.err
}

func (f *fakeService) CreateInstance(context.Context, auth.Principal, protocol.ProcessInstanceRecord) (protocol.Record, error) {
	return protocol.Record{Key: 4}, f.err
}

func (f *fakeService) CancelInstance(context.Context, auth.Principal, int64) (protocol.Record, error) {
	return protocol.Record{Key: 5}, f.err
}

func (f *fakeService) Stats() *broker.Stats { return f.stats }

func TestMetricsMiddleware(t *testing.T) {
	svc := &fakeService{stats: broker.NewStats()}
	m := NewMetrics(svc)
	ctx := context.Background()

	_, err := m.Publish(ctx, auth.Principal{}, protocol.MessageRecord{})
	require.NoError(t, err)
	_, err = m.Correlate(ctx, auth.Principal{}, protocol.MessageCorrelationRecord{})
	require.NoError(t, err)
	_, err = m.Deploy(ctx, auth.Principal{}, protocol.DeploymentRecord{})
	require.NoError(t, err)
	_, err = m.CreateInstance(ctx, auth.Principal{}, protocol.ProcessInstanceRecord{})
	require.NoError(t, err)
	_, err = m.CancelInstance(ctx, auth.Principal{}, 5)
	require.NoError(t, err)

	svc.err = protocol.Rejectf(protocol.RejectionForbidden, "denied")
	_, err = m.Publish(ctx, auth.Principal{}, protocol.MessageRecord{})
	require.Error(t, err)

	snap := m.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Publishes)
	assert.Equal(t, uint64(1), snap.Correlations)
	assert.Equal(t, uint64(1), snap.Deployments)
	assert.Equal(t, uint64(1), snap.Instances)
	assert.Equal(t, uint64(1), snap.Cancels)
	assert.Equal(t, uint64(1), snap.Forbidden)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := &fakeService{stats: broker.NewStats()}
	l := NewLogging(svc, logger)

	rec, err := l.Publish(context.Background(), auth.Principal{Username: "alice"}, protocol.MessageRecord{Name: "a", CorrelationKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Key)
	assert.Contains(t, buf.String(), `"msg":"publish"`)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
	assert.Contains(t, buf.String(), `"username":"alice"`)
	assert.Contains(t, buf.String(), `"message_key":1`)

	buf.Reset()
	svc.err = protocol.Rejectf(protocol.RejectionNotFound, "missing")
	_, err = l.CancelInstance(context.Background(), auth.Principal{}, 5)
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)

	buf.Reset()
	svc.err = errors.New("partition closed")
	_, err = l.Deploy(context.Background(), auth.Principal{}, protocol.DeploymentRecord{})
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Same(t, svc.stats, l.Stats())
}
