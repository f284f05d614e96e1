// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorize(t *testing.T) {
	a := NewStatic(map[string][]Grant{
		"alice": {
			{Resource: ResourceMessage, Permission: PermissionCreate},
			{Resource: ResourceProcessDefinition, Permission: PermissionUpdateProcessInstance, ResourceIDs: []string{"order"}},
		},
		"bob": {
			{Resource: ResourceProcessDefinition, Permission: PermissionCreateProcessInstance, ResourceIDs: []string{Wildcard}},
		},
	}, true, "<default>")

	tests := []struct {
		name    string
		user    string
		req     Request
		allowed bool
	}{
		{"publish", "alice", Request{PermissionCreate, ResourceMessage, ""}, true},
		{"update listed process", "alice", Request{PermissionUpdateProcessInstance, ResourceProcessDefinition, "order"}, true},
		{"update other process", "alice", Request{PermissionUpdateProcessInstance, ResourceProcessDefinition, "invoice"}, false},
		{"wildcard", "bob", Request{PermissionCreateProcessInstance, ResourceProcessDefinition, "anything"}, true},
		{"missing grant", "bob", Request{PermissionCreate, ResourceMessage, ""}, false},
		{"unknown user", "eve", Request{PermissionCreate, ResourceMessage, ""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(Principal{Username: tt.user}, tt.req)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrForbidden))
		})
	}
}

func TestForbiddenMessage(t *testing.T) {
	err := &ForbiddenError{Request: Request{PermissionCreate, ResourceMessage, ""}}
	assert.Equal(t, "Insufficient permissions to perform operation 'CREATE' on resource 'MESSAGE'", err.Error())

	err = &ForbiddenError{Request: Request{PermissionCreateProcessInstance, ResourceProcessDefinition, "order"}}
	assert.Contains(t, err.Error(), "'[*, order]'")
}

func TestAuthorizeAllStopsOnFirstDenial(t *testing.T) {
	a := NewStatic(map[string][]Grant{
		"alice": {{Resource: ResourceProcessDefinition, Permission: PermissionCreateProcessInstance, ResourceIDs: []string{"a"}}},
	}, false, "<default>")

	err := AuthorizeAll(a, Principal{Username: "alice"}, []Request{
		{PermissionCreateProcessInstance, ResourceProcessDefinition, "a"},
		{PermissionCreateProcessInstance, ResourceProcessDefinition, "b"},
	})
	var fe *ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "b", fe.Request.ResourceID)
}

func TestAuthorizeTenant(t *testing.T) {
	single := NewStatic(nil, false, "<default>")
	assert.NoError(t, single.AuthorizeTenant(Principal{}, "<default>"))
	assert.ErrorIs(t, single.AuthorizeTenant(Principal{}, "tenant-a"), ErrForbidden)

	multi := NewStatic(nil, true, "<default>")
	p := Principal{Username: "alice", TenantIDs: []string{"tenant-a"}}
	assert.NoError(t, multi.AuthorizeTenant(p, "tenant-a"))
	assert.ErrorIs(t, multi.AuthorizeTenant(p, "tenant-b"), ErrForbidden)
}
