// Copyright (c) 2024 Latch Project
// SPDX-License-Identifier: MPL-2.0

package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logical"
)

func TestOperationFromHTTPMethod(t *testing.T) {
	tests := []struct {
		method, target string
		want           logical.Operation
	}{
		{http.MethodGet, "/v1/users/alice/application_credentials", logical.ReadOperation},
		{http.MethodGet, "/v1/users/alice/application_credentials?list=true", logical.ListOperation},
		{http.MethodGet, "/v1/users/alice/application_credentials?list=false", logical.ReadOperation},
		{http.MethodGet, "/v1/users/?help=1", logical.HelpOperation},
		{http.MethodHead, "/v1/users/alice/application_credentials/x", logical.ReadOperation},
		{http.MethodPost, "/v1/auth/password/login", logical.CreateOperation},
		{http.MethodPut, "/v1/users/alice/application_credentials/x", logical.UpdateOperation},
		{http.MethodPatch, "/v1/users/alice/application_credentials/x", logical.PatchOperation},
		{http.MethodDelete, "/v1/users/alice/application_credentials/x", logical.DeleteOperation},
		{"LIST", "/v1/users/alice/application_credentials", logical.ListOperation},
		{"UNKNOWN", "/v1/users", logical.ReadOperation},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			assert.Equal(t, tt.want, operationFromHTTPMethod(req))
		})
	}
}

func TestHTTPMethodsFor(t *testing.T) {
	assert.Equal(t, []string{"GET", "HEAD", "DELETE"},
		httpMethodsFor([]logical.Operation{logical.ReadOperation, logical.DeleteOperation}))
	assert.Equal(t, []string{"POST", "LIST"},
		httpMethodsFor([]logical.Operation{logical.CreateOperation, logical.ListOperation, logical.HelpOperation}))
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	assert.Empty(t, extractToken(req))

	req.Header.Set("Authorization", "Bearer lt.abc")
	assert.Equal(t, "lt.abc", extractToken(req))

	req.Header.Set("Authorization", "bearer  lt.lower ")
	assert.Equal(t, "lt.lower", extractToken(req))

	req.Header.Set(TokenHeader, "lt.header")
	assert.Equal(t, "lt.header", extractToken(req))

	req = httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.Empty(t, extractToken(req))
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", extractClientIP(req))

	req.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", extractClientIP(req))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{logical.ErrConflict("dup"), http.StatusConflict},
		{fmt.Errorf("wrapped: %w", logical.ErrUnauthorized("no")), http.StatusUnauthorized},
		{&framework.UnsupportedOperationError{Operation: logical.UpdateOperation}, http.StatusMethodNotAllowed},
		{sdklogical.ErrUnsupportedPath, http.StatusNotFound},
		{sdklogical.ErrPermissionDenied, http.StatusForbidden},
		{sdklogical.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, logical.StatusCode(tt.err), tt.err.Error())
	}
}

func TestBuildLogicalRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/application_credentials",
		strings.NewReader(`{"name":"ci","unrestricted":true,"roles":[{"id":"r1"}]}`))
	req.Header.Set(TokenHeader, "lt.t")

	lreq, _, err := buildLogicalRequest(req)
	require.NoError(t, err)
	assert.Equal(t, logical.CreateOperation, lreq.Operation)
	assert.Equal(t, "users/alice/application_credentials", lreq.Path)
	assert.Equal(t, "lt.t", lreq.ClientToken)
	assert.Equal(t, "ci", lreq.Data["name"])
	assert.Equal(t, true, lreq.Data["unrestricted"])
}

func TestBuildLogicalRequest_EmptyAndBadBodies(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token/revoke-self", nil)
	lreq, _, err := buildLogicalRequest(req)
	require.NoError(t, err)
	assert.Nil(t, lreq.Data)

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/password/login", strings.NewReader(`{"user_id":`))
	_, status, err := buildLogicalRequest(req)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBuildLogicalRequest_QueryBecomesData(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/users/alice/application_credentials?name=ci&list=true", nil)
	lreq, _, err := buildLogicalRequest(req)
	require.NoError(t, err)
	assert.Equal(t, logical.ListOperation, lreq.Operation)
	assert.Equal(t, map[string]any{"name": "ci"}, lreq.Data)
}
