package core

import (
	"context"
	"testing"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logical"
)

// echoBackend answers every path with the path it was given.
func echoBackend(unauthenticated ...string) logical.Backend {
	return &framework.Backend{
		BackendType:  "echo",
		BackendClass: logical.ClassResource,
		PathsSpecial: &logical.Paths{Unauthenticated: unauthenticated},
		Paths: []*framework.Path{{
			Pattern:             ".*",
			TakesArbitraryInput: true,
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: func(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
						return &logical.Response{Data: map[string]any{
							"path":  req.Path,
							"mount": req.MountPoint,
							"type":  req.MountType,
						}}, nil
					},
				},
			},
		}},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(testLogger())
	require.NoError(t, r.Mount("auth/password/", echoBackend("login"), &MountEntry{Type: "password", Accessor: "password_1"}))
	require.NoError(t, r.Mount("auth/application_credential/", echoBackend("login"), &MountEntry{Type: "application_credential", Accessor: "appcred_1"}))
	require.NoError(t, r.Mount("users/", echoBackend(), &MountEntry{Type: "users", Accessor: "users_1"}))
	return r
}

func TestRouter_RoutesByLongestPrefix(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		path, rel, mount, typ string
	}{
		{"auth/password/login", "login", "auth/password/", "password"},
		{"auth/application_credential/login", "login", "auth/application_credential/", "application_credential"},
		{"users/alice/application_credentials/abc", "alice/application_credentials/abc", "users/", "users"},
		{"users", "", "users/", "users"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := &logical.Request{Operation: logical.ReadOperation, Path: tt.path}
			resp, err := r.Route(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.rel, resp.Data["path"])
			assert.Equal(t, tt.mount, resp.Data["mount"])
			assert.Equal(t, tt.typ, resp.Data["type"])
			// the caller's path is restored
			assert.Equal(t, tt.path, req.Path)
		})
	}
}

func TestRouter_NoRoute(t *testing.T) {
	r := newTestRouter(t)

	for _, p := range []string{"auth/passwordx/login", "nope", "auth/"} {
		_, err := r.Route(context.Background(), &logical.Request{Operation: logical.ReadOperation, Path: p})
		assert.ErrorIs(t, err, sdklogical.ErrUnsupportedPath, p)
	}
}

func TestRouter_DuplicateMount(t *testing.T) {
	r := newTestRouter(t)
	err := r.Mount("users/", echoBackend(), &MountEntry{Type: "users", Accessor: "users_2"})
	assert.Error(t, err)
}

func TestRouter_Taint(t *testing.T) {
	r := newTestRouter(t)
	r.Taint("users/")

	_, err := r.Route(context.Background(), &logical.Request{Operation: logical.ReadOperation, Path: "users/alice"})
	assert.ErrorIs(t, err, sdklogical.ErrUnsupportedPath)

	r.Untaint("users/")
	_, err = r.Route(context.Background(), &logical.Request{Operation: logical.ReadOperation, Path: "users/alice"})
	assert.NoError(t, err)
}

func TestRouter_Unmount(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Unmount(context.Background(), "users/"))
	require.NoError(t, r.Unmount(context.Background(), "users/"))

	assert.Nil(t, r.MatchingBackend("users/alice"))
	assert.Nil(t, r.MatchingMountByAccessor("users_1"))
	assert.Empty(t, r.MatchingMount("users/alice"))
}

func TestRouter_Lookups(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, "auth/password/", r.MatchingMount("auth/password/login"))
	assert.NotNil(t, r.MatchingBackend("auth/password/login"))
	assert.Equal(t, "password", r.MatchingMountByAccessor("password_1").Type)
	assert.Nil(t, r.MatchingMountByAccessor(""))
}

func TestRouter_IsUnauthenticated(t *testing.T) {
	r := newTestRouter(t)

	assert.True(t, r.IsUnauthenticated("auth/password/login"))
	assert.True(t, r.IsUnauthenticated("auth/application_credential/login"))
	assert.False(t, r.IsUnauthenticated("auth/password/login/extra"))
	assert.False(t, r.IsUnauthenticated("users/login"))
	assert.False(t, r.IsUnauthenticated("nope"))
}
