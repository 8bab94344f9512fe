package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/latch/core"
	"github.com/stephnangue/latch/directory"
	latchhttp "github.com/stephnangue/latch/http"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/storage/inmem"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := logger.NewZerologLogger(&logger.Config{Level: logger.ErrorLevel, Outputs: []io.Writer{io.Discard}})

	dir := directory.New()
	dir.RegisterRole(directory.Role{ID: "r-member", Name: "member"})
	require.NoError(t, dir.AddUser(directory.User{ID: "alice"}))
	require.NoError(t, dir.SetPassword("alice", "alice-pw", bcrypt.MinCost))
	require.NoError(t, dir.AssignRole("alice", "p1", "member"))

	store, err := inmem.NewInmem(nil, log)
	require.NoError(t, err)

	c, err := core.NewCore(context.Background(), &core.CoreConfig{
		Logger:     log,
		Storage:    store,
		Directory:  dir,
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(latchhttp.Handler(&latchhttp.HandlerProperties{Core: c, Logger: log}))
	t.Cleanup(func() {
		srv.Close()
		_ = c.Shutdown(context.Background())
	})
	return srv
}

func testClient(t *testing.T, addr string) *Client {
	t.Helper()
	t.Setenv(EnvLatchToken, "")

	config := DefaultConfig()
	require.NoError(t, config.Error)
	config.Address = addr
	config.MaxRetries = 0

	client, err := NewClient(config)
	require.NoError(t, err)
	return client
}

func TestClient_EndToEnd(t *testing.T) {
	srv := testServer(t)
	client := testClient(t, srv.URL)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Initialized)

	auth, err := client.Auth().LoginPassword(ctx, &PasswordLogin{UserID: "alice", Password: "alice-pw", ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, auth.ClientToken, client.Token())
	assert.Equal(t, []string{"r-member"}, auth.Roles)
	assert.Equal(t, 3600, auth.LeaseDuration)

	expires := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	creds := client.AppCredentials("alice")
	created, err := creds.Create(ctx, &CreateAppCredentialInput{
		Name:        "ci",
		ExpiresAt:   &expires,
		AccessRules: []AccessRule{{Service: "compute", Path: "/v2.1/servers", Method: "GET"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Secret)
	assert.Equal(t, "p1", created.ProjectID)
	require.NotNil(t, created.ExpiresAt)
	assert.True(t, expires.Equal(*created.ExpiresAt))
	require.Len(t, created.AccessRules, 1)
	assert.NotEmpty(t, created.AccessRules[0].ID)
	assert.Equal(t, []Role{{ID: "r-member", Name: "member"}}, created.Roles)

	got, err := creds.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)
	assert.Equal(t, "ci", got.Name)

	list, err := creds.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = creds.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)

	appClient := testClient(t, srv.URL)
	appAuth, err := appClient.Auth().LoginAppCredential(ctx, &AppCredentialLogin{ID: created.ID, Secret: created.Secret})
	require.NoError(t, err)
	require.NotNil(t, appAuth.ApplicationCredential)
	assert.Equal(t, created.ID, appAuth.ApplicationCredential.ID)
	assert.False(t, appAuth.ExpireTime.After(expires))

	info, err := appClient.LookupSelf(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"application_credential"}, info.Methods)
	assert.Equal(t, "alice", info.PrincipalID)

	// A restricted credential's token cannot manage credentials.
	_, err = appClient.AppCredentials("alice").Create(ctx, &CreateAppCredentialInput{Name: "child"})
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)

	require.NoError(t, creds.Delete(ctx, created.ID))
	_, err = creds.Get(ctx, created.ID)
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)

	require.NoError(t, client.RevokeSelf(ctx))
	assert.Empty(t, client.Token())
	assert.ErrorIs(t, client.RevokeSelf(ctx), ErrNoToken)
}

func TestClient_LoginFailure(t *testing.T) {
	srv := testServer(t)
	client := testClient(t, srv.URL)

	_, err := client.Auth().LoginPassword(context.Background(), &PasswordLogin{UserID: "alice", Password: "wrong"})
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusUnauthorized, respErr.StatusCode)
	assert.Equal(t, []string{"invalid user or password"}, respErr.Errors)
	assert.Contains(t, respErr.Error(), "Code: 401")
	assert.Empty(t, client.Token())
}

func TestResponseError_RawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.Health(context.Background())

	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.True(t, respErr.RawError)
	assert.Equal(t, []string{"upstream down"}, respErr.Errors)
}

func TestNewClient_Environment(t *testing.T) {
	t.Setenv(EnvLatchAddress, "http://10.0.0.1:8400")
	t.Setenv(EnvLatchToken, "lt.from-env")
	t.Setenv(EnvLatchMaxRetries, "5")
	t.Setenv(EnvLatchClientTimeout, "15s")
	t.Setenv(EnvRateLimit, "10:20")

	client, err := NewClient(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:8400", client.Address())
	assert.Equal(t, "lt.from-env", client.Token())
	assert.Equal(t, 5, client.MaxRetries())
	assert.Equal(t, 15*time.Second, client.ClientTimeout())

	require.NoError(t, client.SetAddress("https://latch.internal"))
	assert.Equal(t, "https://latch.internal", client.Address())
	assert.Error(t, client.SetAddress("ftp://nope"))
}

func TestNewClient_BadEnvironment(t *testing.T) {
	t.Setenv(EnvLatchMaxRetries, "many")
	_, err := NewClient(nil)
	assert.Error(t, err)
}

func TestParseRateLimit(t *testing.T) {
	r, b, err := parseRateLimit("2.5:7")
	require.NoError(t, err)
	assert.Equal(t, 2.5, r)
	assert.Equal(t, 7, b)

	r, b, err = parseRateLimit("4")
	require.NoError(t, err)
	assert.Equal(t, 4.0, r)
	assert.Equal(t, 4, b)

	_, _, err = parseRateLimit("fast")
	assert.Error(t, err)
}

func TestReadLatchVariable(t *testing.T) {
	t.Setenv("LATCH_ADDR", "x")
	t.Setenv("OTHER_ADDR", "y")
	assert.Equal(t, "x", ReadLatchVariable("LATCH_ADDR"))
	assert.Empty(t, ReadLatchVariable("OTHER_ADDR"))
}
