// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/ratelimit"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	principal auth.Principal
	message   protocol.MessageRecord
	corr      protocol.MessageCorrelationRecord
	instance  protocol.ProcessInstanceRecord
	canceled  int64
	rec       protocol.Record
	err       error
}

func (f *fakeService) Publish(_ context.Context, p auth.Principal, msg protocol.MessageRecord) (protocol.Record, error) {
	f.principal, f.message = p, msg
	return f.rec, f.err
}

func (f *fakeService) Correlate(_ context.Context, p auth.Principal, c protocol.MessageCorrelationRecord) (protocol.Record, error) {
	f.principal, f.corr = p, c
	return f.rec, f.err
}

func (f *fakeService) Deploy(_ context.Context, p auth.Principal, _ protocol.DeploymentRecord) (protocol.Record, error) {
	f.principal = p
	return f.rec, f.err
}

func (f *fakeService) CreateInstance(_ context.Context, p auth.Principal, inst protocol.ProcessInstanceRecord) (protocol.Record, error) {
	f.principal, f.instance = p, inst
	return f.rec, f.err
}

func (f *fakeService) CancelInstance(_ context.Context, p auth.Principal, key int64) (protocol.Record, error) {
	f.principal, f.canceled = p, key
	return f.rec, f.err
}

func (f *fakeService) Stats() *broker.Stats { return broker.NewStats() }

func do(t *testing.T, h http.Handler, method, path, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, o := range opts {
		o(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func asAlice(r *http.Request) {
	r.SetBasicAuth("alice", "secret")
	r.Header.Set(TenantsHeader, "tenant-a, tenant-b")
}

func TestPublish(t *testing.T) {
	svc := &fakeService{rec: protocol.Record{
		Key:   protocol.EncodeKey(2, 1),
		Value: protocol.MessageRecord{TenantID: "tenant-a"},
	}}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/messages/publication",
		`{"name":"order canceled","correlationKey":"order-123","timeToLive":1500,"messageId":"m-1","variables":{"reason":"customer"},"tenantId":"tenant-a"}`,
		asAlice)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp PublishResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, protocol.EncodeKey(2, 1), resp.MessageKey)
	assert.Equal(t, "tenant-a", resp.TenantID)

	assert.Equal(t, auth.Principal{Username: "alice", TenantIDs: []string{"tenant-a", "tenant-b"}}, svc.principal)
	assert.Equal(t, "order canceled", svc.message.Name)
	assert.Equal(t, "order-123", svc.message.CorrelationKey)
	assert.Equal(t, 1500*time.Millisecond, svc.message.TimeToLive)
	assert.Equal(t, "m-1", svc.message.MessageID)
	assert.Equal(t, "customer", svc.message.Variables["reason"])
}

func TestPublishValidation(t *testing.T) {
	svc := &fakeService{}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/messages/publication", `{"correlationKey":"k"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/messages/publication", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/messages/publication", ``)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCorrelate(t *testing.T) {
	svc := &fakeService{rec: protocol.Record{Value: protocol.MessageCorrelationRecord{
		MessageKey:         7,
		ProcessInstanceKey: 9,
		TenantID:           protocol.DefaultTenantID,
	}}}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/messages/correlation", `{"name":"a","correlationKey":"k"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CorrelateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, CorrelateResponse{MessageKey: 7, ProcessInstanceKey: 9, TenantID: protocol.DefaultTenantID}, resp)
	assert.Equal(t, "k", svc.corr.CorrelationKey)
	assert.True(t, svc.principal.Anonymous())
}

func TestDeploy(t *testing.T) {
	svc := &fakeService{rec: protocol.Record{Key: 3, Value: protocol.DeploymentRecord{Processes: []protocol.ProcessRecord{
		{BpmnProcessID: "order", Version: 2, ProcessDefinitionKey: 11, TenantID: protocol.DefaultTenantID},
	}}}}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/deployments", `{"processes":[{"bpmnProcessId":"order","startEvents":[{"id":"start"}]}]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp DeployResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Processes, 1)
	assert.Equal(t, int32(2), resp.Processes[0].Version)
	assert.Equal(t, int64(11), resp.Processes[0].ProcessDefinitionKey)

	rr = do(t, h, http.MethodPost, "/v1/deployments", `{"processes":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateInstance(t *testing.T) {
	svc := &fakeService{rec: protocol.Record{Key: 42, Value: protocol.ProcessInstanceRecord{
		BpmnProcessID:        "order",
		ProcessDefinitionKey: 11,
		Version:              1,
	}}}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/process-instances", `{"bpmnProcessId":"order","variables":{"orderId":"order-123"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CreateInstanceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.ProcessInstanceKey)
	assert.Equal(t, int64(11), resp.ProcessDefinitionKey)
	assert.Equal(t, "order-123", svc.instance.Variables["orderId"])

	rr = do(t, h, http.MethodPost, "/v1/process-instances", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelInstance(t *testing.T) {
	svc := &fakeService{}
	h := New(Config{}, svc, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/process-instances/2251799813685249/cancellation", ``)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, int64(2251799813685249), svc.canceled)

	rr = do(t, h, http.MethodPost, "/v1/process-instances/abc/cancellation", ``)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"already exists", protocol.Rejectf(protocol.RejectionAlreadyExists, "duplicate"), http.StatusConflict, "ALREADY_EXISTS"},
		{"not found", protocol.Rejectf(protocol.RejectionNotFound, "missing"), http.StatusNotFound, "NOT_FOUND"},
		{"invalid state", protocol.Rejectf(protocol.RejectionInvalidState, "state"), http.StatusConflict, "INVALID_STATE"},
		{"forbidden", protocol.Rejectf(protocol.RejectionForbidden, "denied"), http.StatusForbidden, "FORBIDDEN"},
		{"invalid argument", protocol.Rejectf(protocol.RejectionInvalidArgument, "bad"), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"processing error", protocol.Rejectf(protocol.RejectionProcessingError, "boom"), http.StatusInternalServerError, "PROCESSING_ERROR"},
		{"timeout", broker.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{"backpressure", engine.ErrBackpressure, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "PROCESSING_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{}, &fakeService{err: tt.err}, nil, nil).Handler()
			rr := do(t, h, http.MethodPost, "/v1/messages/publication", `{"name":"a"}`)
			assert.Equal(t, tt.status, rr.Code)

			var p Problem
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.status, p.Status)
		})
	}
}

func TestForbiddenDetail(t *testing.T) {
	reason := "Insufficient permissions to perform operation 'CREATE' on resource 'MESSAGE'"
	h := New(Config{}, &fakeService{err: protocol.Rejectf(protocol.RejectionForbidden, "%s", reason)}, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/messages/publication", `{"name":"a"}`)
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, reason, p.Detail)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 1, Burst: 1}, clockwork.NewFakeClock())
	defer limiter.Stop()
	h := New(Config{}, &fakeService{}, limiter, nil).Handler()

	rr := do(t, h, http.MethodPost, "/v1/messages/publication", `{"name":"a"}`, asAlice)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/messages/publication", `{"name":"a"}`, asAlice)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/messages/publication", `{"name":"a"}`, func(r *http.Request) {
		r.SetBasicAuth("bob", "")
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}
