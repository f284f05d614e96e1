// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the correlator operations as a JSON API.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/correlator/auth"
	"github.com/absmach/correlator/broker"
	"github.com/absmach/correlator/engine"
	"github.com/absmach/correlator/protocol"
	"github.com/absmach/correlator/ratelimit"
)

// TenantsHeader lists the tenants a request may act for, comma separated.
const TenantsHeader = "X-Tenant-Ids"

const maxBodySize = 4 * 1024 * 1024

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

type Server struct {
	config  Config
	service broker.Service
	limiter *ratelimit.KeyedLimiter
	logger  *slog.Logger
	server  *http.Server
}

// New creates the API server. A nil limiter disables rate limiting.
func New(cfg Config, svc broker.Service, limiter *ratelimit.KeyedLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		service: svc,
		limiter: limiter,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages/publication", s.handlePublish)
	mux.HandleFunc("POST /v1/messages/correlation", s.handleCorrelate)
	mux.HandleFunc("POST /v1/deployments", s.handleDeploy)
	mux.HandleFunc("POST /v1/process-instances", s.handleCreateInstance)
	mux.HandleFunc("POST /v1/process-instances/{key}/cancellation", s.handleCancelInstance)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.limit(mux),
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http_api_stopped")
		return nil
	}
}

func principalOf(r *http.Request) auth.Principal {
	p := auth.Principal{}
	if user, _, ok := r.BasicAuth(); ok {
		p.Username = user
	}
	for _, t := range strings.Split(r.Header.Get(TenantsHeader), ",") {
		if t = strings.TrimSpace(t); t != "" {
			p.TenantIDs = append(p.TenantIDs, t)
		}
	}
	return p
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := principalOf(r).Username
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		if !s.limiter.Allow(key) {
			s.logger.Debug("http_request_rate_limited", slog.String("key", key))
			writeProblem(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PublishRequest is the body of a message publication. TimeToLive is in
// milliseconds.
type PublishRequest struct {
	Name           string         `json:"name"`
	CorrelationKey string         `json:"correlationKey"`
	TimeToLive     int64          `json:"timeToLive"`
	MessageID      string         `json:"messageId,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
}

// PublishResponse is returned for a published message.
type PublishResponse struct {
	MessageKey int64  `json:"messageKey"`
	TenantID   string `json:"tenantId"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument), "name is required")
		return
	}

	rec, err := s.service.Publish(r.Context(), principalOf(r), protocol.MessageRecord{
		Name:           req.Name,
		CorrelationKey: req.CorrelationKey,
		TimeToLive:     time.Duration(req.TimeToLive) * time.Millisecond,
		MessageID:      req.MessageID,
		Variables:      req.Variables,
		TenantID:       req.TenantID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, _ := rec.Value.(protocol.MessageRecord)
	writeJSON(w, http.StatusOK, PublishResponse{MessageKey: rec.Key, TenantID: msg.TenantID})
}

// CorrelateRequest is the body of a message correlation.
type CorrelateRequest struct {
	Name           string         `json:"name"`
	CorrelationKey string         `json:"correlationKey"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
}

// CorrelateResponse names the message and the instance it was correlated to.
type CorrelateResponse struct {
	MessageKey         int64  `json:"messageKey"`
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	TenantID           string `json:"tenantId"`
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req CorrelateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument), "name is required")
		return
	}

	rec, err := s.service.Correlate(r.Context(), principalOf(r), protocol.MessageCorrelationRecord{
		Name:           req.Name,
		CorrelationKey: req.CorrelationKey,
		Variables:      req.Variables,
		TenantID:       req.TenantID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, _ := rec.Value.(protocol.MessageCorrelationRecord)
	writeJSON(w, http.StatusOK, CorrelateResponse{
		MessageKey:         c.MessageKey,
		ProcessInstanceKey: c.ProcessInstanceKey,
		TenantID:           c.TenantID,
	})
}

// DeployRequest carries the processes to deploy.
type DeployRequest struct {
	Processes []protocol.ProcessRecord `json:"processes"`
}

// DeployedProcess describes one deployed process version.
type DeployedProcess struct {
	BpmnProcessID        string `json:"bpmnProcessId"`
	Version              int32  `json:"version"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	TenantID             string `json:"tenantId"`
}

// DeployResponse lists the deployed process versions.
type DeployResponse struct {
	Key       int64             `json:"key"`
	Processes []DeployedProcess `json:"processes"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Processes) == 0 {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument), "at least one process is required")
		return
	}

	rec, err := s.service.Deploy(r.Context(), principalOf(r), protocol.DeploymentRecord{Processes: req.Processes})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := DeployResponse{Key: rec.Key, Processes: []DeployedProcess{}}
	if d, ok := rec.Value.(protocol.DeploymentRecord); ok {
		for _, p := range d.Processes {
			resp.Processes = append(resp.Processes, DeployedProcess{
				BpmnProcessID:        p.BpmnProcessID,
				Version:              p.Version,
				ProcessDefinitionKey: p.ProcessDefinitionKey,
				TenantID:             p.TenantID,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateInstanceRequest starts the latest version of a process.
type CreateInstanceRequest struct {
	BpmnProcessID string         `json:"bpmnProcessId"`
	Variables     map[string]any `json:"variables,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
}

// CreateInstanceResponse describes the created instance.
type CreateInstanceResponse struct {
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	BpmnProcessID        string `json:"bpmnProcessId"`
	Version              int32  `json:"version"`
	TenantID             string `json:"tenantId"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.BpmnProcessID == "" {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument), "bpmnProcessId is required")
		return
	}

	rec, err := s.service.CreateInstance(r.Context(), principalOf(r), protocol.ProcessInstanceRecord{
		BpmnProcessID: req.BpmnProcessID,
		Variables:     req.Variables,
		TenantID:      req.TenantID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	inst, _ := rec.Value.(protocol.ProcessInstanceRecord)
	writeJSON(w, http.StatusOK, CreateInstanceResponse{
		ProcessInstanceKey:   rec.Key,
		ProcessDefinitionKey: inst.ProcessDefinitionKey,
		BpmnProcessID:        inst.BpmnProcessID,
		Version:              inst.Version,
		TenantID:             inst.TenantID,
	})
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseInt(r.PathValue("key"), 10, 64)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument),
			fmt.Sprintf("invalid process instance key %q", r.PathValue("key")))
		return
	}

	if _, err := s.service.CancelInstance(r.Context(), principalOf(r), key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, string(protocol.RejectionInvalidArgument),
			fmt.Sprintf("invalid request body: %s", err))
		return false
	}
	return true
}

// Problem is the error body of every failed request.
type Problem struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if rt := protocol.RejectionTypeOf(err); rt != protocol.RejectionNone {
		var re *protocol.RejectionError
		errors.As(err, &re)
		writeProblem(w, statusOf(rt), string(rt), re.Reason)
		return
	}

	switch {
	case errors.Is(err, broker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	case errors.Is(err, engine.ErrBackpressure), errors.Is(err, engine.ErrPartitionClosed), errors.Is(err, broker.ErrNoPartitions):
		writeProblem(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		s.logger.Error("http_request_failed", slog.String("error", err.Error()))
		writeProblem(w, http.StatusInternalServerError, string(protocol.RejectionProcessingError), err.Error())
	}
}

func statusOf(rt protocol.RejectionType) int {
	switch rt {
	case protocol.RejectionAlreadyExists, protocol.RejectionInvalidState:
		return http.StatusConflict
	case protocol.RejectionNotFound:
		return http.StatusNotFound
	case protocol.RejectionForbidden:
		return http.StatusForbidden
	case protocol.RejectionInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	writeJSON(w, status, Problem{Status: status, Type: typ, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
