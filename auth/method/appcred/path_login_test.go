// Copyright (c) 2024 Latch Project
// SPDX-License-Identifier: MPL-2.0

package appcred

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	ac "github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/directory"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage/inmem"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	backend *appCredBackend
	manager *ac.Manager
	dir     *directory.Directory
	clock   *time.Time
}

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	clock := now
	dir := directory.New()
	require.NoError(t, dir.AddUser(directory.User{ID: "alice"}))
	require.NoError(t, dir.AssignRole("alice", "p1", "member"))
	require.NoError(t, dir.AssignRole("alice", "p2", "member"))

	store, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)

	mgr := ac.NewManager(store, dir,
		ac.WithClock(func() time.Time { return clock }),
		ac.WithSecretHandler(ac.NewSecretHandler(bcrypt.MinCost)),
	)

	conf := Config{Manager: mgr, Directory: dir, TokenTTL: 30 * time.Minute}
	if mutate != nil {
		mutate(&conf)
	}
	b, err := newBackend(conf, &logical.BackendConfig{Logger: testLogger()})
	require.NoError(t, err)

	return &testEnv{backend: b, manager: mgr, dir: dir, clock: &clock}
}

func (e *testEnv) create(t *testing.T, project string, req ac.CreateRequest) *ac.IssuedCredential {
	t.Helper()
	issued, err := e.manager.Create(context.Background(), "alice", project, req)
	require.NoError(t, err)
	return issued
}

func (e *testEnv) login(t *testing.T, data map[string]any) *logical.Response {
	t.Helper()
	return e.loginFrom(t, "10.0.0.1", data)
}

func (e *testEnv) loginFrom(t *testing.T, clientIP string, data map[string]any) *logical.Response {
	t.Helper()
	resp, err := e.backend.HandleRequest(context.Background(), &logical.Request{
		ID:        "req-1",
		Operation: logical.CreateOperation,
		Path:      "login",
		ClientIP:  clientIP,
		Data:      data,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	exp := now.Add(10 * time.Minute)
	issued := env.create(t, "p1", ac.CreateRequest{Name: "ci", ExpiresAt: exp})

	resp := env.login(t, map[string]any{"id": issued.ID, "secret": issued.Secret})
	require.False(t, resp.IsError(), "%v", resp.Err)
	require.NotNil(t, resp.Auth)

	auth := resp.Auth
	assert.Equal(t, "alice", auth.PrincipalID)
	assert.Equal(t, "p1", auth.ProjectID)
	assert.Equal(t, []string{"member"}, auth.Roles)
	assert.Equal(t, []string{logical.MethodApplicationCredential}, auth.Provenance.Methods)
	require.NotNil(t, auth.Provenance.ApplicationCredential)
	assert.Equal(t, issued.ID, auth.Provenance.ApplicationCredential.ID)
	assert.False(t, auth.Provenance.ApplicationCredential.Unrestricted)
	assert.Equal(t, 30*time.Minute, auth.TokenTTL)
	assert.True(t, exp.Equal(auth.ExpireAt))
	assert.Equal(t, issued.ID, resp.Data["application_credential_id"])
}

func TestLogin_UnrestrictedIsStamped(t *testing.T) {
	env := newTestEnv(t, nil)
	issued := env.create(t, "p1", ac.CreateRequest{Name: "ci", Unrestricted: true})

	resp := env.login(t, map[string]any{"id": issued.ID, "secret": issued.Secret})
	require.False(t, resp.IsError())
	assert.True(t, resp.Auth.Provenance.Unrestricted())
	assert.True(t, resp.Auth.ExpireAt.IsZero())
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateBurst = 100 })

	good := env.create(t, "p1", ac.CreateRequest{Name: "good"})
	expiring := env.create(t, "p1", ac.CreateRequest{Name: "expiring", ExpiresAt: now.Add(time.Minute)})

	wrongSecret := env.login(t, map[string]any{"id": good.ID, "secret": "nope"})
	unknown := env.login(t, map[string]any{"id": "no-such-id", "secret": "nope"})

	*env.clock = now.Add(time.Minute)
	expired := env.login(t, map[string]any{"id": expiring.ID, "secret": expiring.Secret})

	*env.clock = now
	env.dir.RemoveUser("alice")
	orphaned := env.login(t, map[string]any{"id": good.ID, "secret": good.Secret})

	for name, resp := range map[string]*logical.Response{
		"wrong secret": wrongSecret,
		"unknown":      unknown,
		"expired":      expired,
		"orphaned":     orphaned,
	} {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		assert.Nil(t, resp.Auth, name)
		assert.EqualError(t, resp.Err, errInvalid, name)
	}
}

func TestLogin_ExpiryBoundaryIsExclusive(t *testing.T) {
	env := newTestEnv(t, nil)
	issued := env.create(t, "p1", ac.CreateRequest{Name: "ci", ExpiresAt: now.Add(time.Second)})

	*env.clock = now.Add(time.Second - time.Nanosecond)
	assert.False(t, env.login(t, map[string]any{"id": issued.ID, "secret": issued.Secret}).IsError())

	*env.clock = now.Add(time.Second)
	assert.Equal(t, http.StatusUnauthorized, env.login(t, map[string]any{"id": issued.ID, "secret": issued.Secret}).StatusCode)
}

func TestLogin_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.login(t, map[string]any{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.login(t, map[string]any{"secret": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.login(t, map[string]any{"name": "ci", "secret": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_ByNameAndUser(t *testing.T) {
	env := newTestEnv(t, nil)
	issued := env.create(t, "p1", ac.CreateRequest{Name: "ci"})

	resp := env.login(t, map[string]any{"name": "ci", "user_id": "alice", "secret": issued.Secret})
	require.False(t, resp.IsError(), "%v", resp.Err)
	assert.Equal(t, issued.ID, resp.Auth.Provenance.ApplicationCredential.ID)

	// same name on a second project makes the name ambiguous
	env.create(t, "p2", ac.CreateRequest{Name: "ci"})
	resp = env.login(t, map[string]any{"name": "ci", "user_id": "alice", "secret": issued.Secret})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin_RateLimitsFailuresPerSource(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = rate.Every(time.Hour)
		c.RateBurst = 2
	})
	target := env.create(t, "p1", ac.CreateRequest{Name: "target"})
	other := env.create(t, "p1", ac.CreateRequest{Name: "other"})

	for i := 0; i < 2; i++ {
		resp := env.loginFrom(t, "6.6.6.6", map[string]any{"id": target.ID, "secret": "guess"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// budget spent for this source: even the right secret is refused
	resp := env.loginFrom(t, "6.6.6.6", map[string]any{"id": target.ID, "secret": target.Secret})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// other credentials are unaffected
	resp = env.loginFrom(t, "6.6.6.6", map[string]any{"id": other.ID, "secret": other.Secret})
	assert.False(t, resp.IsError())

	// budget refills
	*env.clock = now.Add(2 * time.Hour)
	resp = env.loginFrom(t, "6.6.6.6", map[string]any{"id": target.ID, "secret": target.Secret})
	assert.False(t, resp.IsError())
}

func TestLogin_FailuresFromOneSourceDoNotLockOutAnother(t *testing.T) {
	// production defaults
	env := newTestEnv(t, nil)
	target := env.create(t, "p1", ac.CreateRequest{Name: "target"})

	for i := 0; i < 10; i++ {
		resp := env.loginFrom(t, "6.6.6.6", map[string]any{"id": target.ID, "secret": "guess"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := env.loginFrom(t, "10.0.0.1", map[string]any{"id": target.ID, "secret": target.Secret})
	require.False(t, resp.IsError(), "%v", resp.Err)
	require.NotNil(t, resp.Auth)
	assert.Equal(t, "alice", resp.Auth.PrincipalID)

	// by name too
	resp = env.loginFrom(t, "10.0.0.2", map[string]any{"name": "target", "user_id": "alice", "secret": target.Secret})
	require.False(t, resp.IsError(), "%v", resp.Err)
}

func TestBackend_LoginIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.True(t, env.backend.SpecialPaths().IsUnauthenticated("login"))
	assert.Equal(t, BackendType, env.backend.Type())
	assert.Equal(t, logical.ClassAuth, env.backend.Class())
}

func TestBackend_UnsupportedOperation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.backend.HandleRequest(context.Background(), &logical.Request{
		Operation: logical.ReadOperation,
		Path:      "login",
	})
	assert.Error(t, err)
}

func TestFactory_RequiresCollaborators(t *testing.T) {
	_, err := Factory(Config{})(context.Background(), &logical.BackendConfig{Logger: testLogger()})
	assert.Error(t, err)
}
