// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth answers whether a principal may perform an operation on a
// resource and which tenants it may act for.
package auth

import (
	"errors"
	"fmt"
	"slices"
)

// ErrForbidden is wrapped by every authorization failure.
var ErrForbidden = errors.New("forbidden")

// Wildcard grants a permission on every resource id.
const Wildcard = "*"

// ResourceType is the kind of a protected resource.
type ResourceType string

// Resource types.
const (
	ResourceMessage           ResourceType = "MESSAGE"
	ResourceProcessDefinition ResourceType = "PROCESS_DEFINITION"
)

// PermissionType is an operation on a resource.
type PermissionType string

// Permission types.
const (
	PermissionCreate                PermissionType = "CREATE"
	PermissionUpdateProcessInstance PermissionType = "UPDATE_PROCESS_INSTANCE"
	PermissionCreateProcessInstance PermissionType = "CREATE_PROCESS_INSTANCE"
)

// Principal is the identity a command is executed for.
type Principal struct {
	Username  string   `json:"username,omitempty"`
	TenantIDs []string `json:"tenantIds,omitempty"`
}

// Anonymous reports whether no identity is attached.
func (p Principal) Anonymous() bool { return p.Username == "" }

// Request is a single permission check.
type Request struct {
	Permission PermissionType
	Resource   ResourceType
	ResourceID string
}

// Authorizer is the identity service consulted by command processors.
type Authorizer interface {
	// Authorize returns an error wrapping ErrForbidden when the principal
	// may not perform the request.
	Authorize(p Principal, req Request) error
	// AuthorizeTenant returns an error wrapping ErrForbidden when the
	// principal may not act for tenantID.
	AuthorizeTenant(p Principal, tenantID string) error
}

// ForbiddenError names the missing permission.
type ForbiddenError struct {
	Request Request
}

func (e *ForbiddenError) Error() string {
	if e.Request.ResourceID == "" || e.Request.Resource == ResourceMessage {
		return fmt.Sprintf("Insufficient permissions to perform operation '%s' on resource '%s'",
			e.Request.Permission, e.Request.Resource)
	}
	return fmt.Sprintf("Insufficient permissions to perform operation '%s' on resource '%s', required resource identifiers are one of '[%s, %s]'",
		e.Request.Permission, e.Request.Resource, Wildcard, e.Request.ResourceID)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// TenantError reports an unauthorized tenant.
type TenantError struct {
	TenantID string
}

func (e *TenantError) Error() string {
	return fmt.Sprintf("Expected to handle request with tenant identifier '%s', but the user is not authorized for that tenant", e.TenantID)
}

func (e *TenantError) Unwrap() error { return ErrForbidden }

// AuthorizeAll checks every request and fails on the first denied one, so a
// caller never acts on a subset.
func AuthorizeAll(a Authorizer, p Principal, reqs []Request) error {
	for _, req := range reqs {
		if err := a.Authorize(p, req); err != nil {
			return err
		}
	}
	return nil
}

type allowAll struct{}

// AllowAll returns an Authorizer that permits everything.
func AllowAll() Authorizer { return allowAll{} }

func (allowAll) Authorize(Principal, Request) error { return nil }

func (allowAll) AuthorizeTenant(Principal, string) error { return nil }

// Grant permits one operation on a set of resource ids.
type Grant struct {
	Resource    ResourceType   `yaml:"resource"`
	Permission  PermissionType `yaml:"permission"`
	ResourceIDs []string       `yaml:"resource_ids"`
}

func (g Grant) covers(req Request) bool {
	if g.Resource != req.Resource || g.Permission != req.Permission {
		return false
	}
	if req.Resource == ResourceMessage {
		return true
	}
	return slices.Contains(g.ResourceIDs, Wildcard) || slices.Contains(g.ResourceIDs, req.ResourceID)
}

// Static authorizes principals against a fixed set of grants.
type Static struct {
	grants      map[string][]Grant
	multiTenant bool
	defaultID   string
}

// NewStatic creates an authorizer from per-user grants. With multiTenant
// disabled only defaultTenant is accepted; otherwise the principal must carry
// the tenant id.
func NewStatic(grants map[string][]Grant, multiTenant bool, defaultTenant string) *Static {
	return &Static{
		grants:      grants,
		multiTenant: multiTenant,
		defaultID:   defaultTenant,
	}
}

// Authorize implements Authorizer.
func (s *Static) Authorize(p Principal, req Request) error {
	for _, g := range s.grants[p.Username] {
		if g.covers(req) {
			return nil
		}
	}
	return &ForbiddenError{Request: req}
}

// AuthorizeTenant implements Authorizer.
func (s *Static) AuthorizeTenant(p Principal, tenantID string) error {
	if !s.multiTenant {
		if tenantID == s.defaultID {
			return nil
		}
		return &TenantError{TenantID: tenantID}
	}
	if slices.Contains(p.TenantIDs, tenantID) {
		return nil
	}
	return &TenantError{TenantID: tenantID}
}
