package core

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/latch/directory"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage/inmem"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Outputs: []io.Writer{io.Discard},
	})
}

type testCore struct {
	*Core
	dir   *directory.Directory
	clock *time.Time
}

func newTestCore(t *testing.T, mutate func(*CoreConfig)) *testCore {
	t.Helper()

	dir := directory.New()
	dir.RegisterRole(directory.Role{ID: "r-admin", Name: "admin"})
	dir.RegisterRole(directory.Role{ID: "r-member", Name: "member"})
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, dir.AddUser(directory.User{ID: u}))
		require.NoError(t, dir.SetPassword(u, u+"-pw", bcrypt.MinCost))
	}
	require.NoError(t, dir.AssignRole("alice", "p1", "r-admin"))
	require.NoError(t, dir.AssignRole("alice", "p1", "r-member"))
	require.NoError(t, dir.AssignRole("bob", "p1", "r-member"))

	store, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)

	clock := testNow
	conf := &CoreConfig{
		Logger:     testLogger(),
		Storage:    store,
		Directory:  dir,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
		Clock:      func() time.Time { return clock },
	}
	if mutate != nil {
		mutate(conf)
	}

	c, err := NewCore(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	return &testCore{Core: c, dir: dir, clock: &clock}
}

func (c *testCore) do(t *testing.T, op logical.Operation, path, token string, data map[string]any) (*logical.Response, error) {
	t.Helper()
	return c.HandleRequest(context.Background(), &logical.Request{
		ID:          "test-request",
		Operation:   op,
		Path:        path,
		ClientToken: token,
		Data:        data,
	})
}

// passwordToken logs user in on project and returns the token value.
func (c *testCore) passwordToken(t *testing.T, user, project string) string {
	t.Helper()
	resp, err := c.do(t, logical.CreateOperation, "auth/password/login", "", map[string]any{
		"user_id":    user,
		"password":   user + "-pw",
		"project_id": project,
	})
	require.NoError(t, err)
	require.False(t, resp.IsError(), "%v", resp.Err)
	require.NotEmpty(t, resp.Auth.ClientToken)
	return resp.Auth.ClientToken
}

// createCredential creates a credential with token and returns its id and
// secret.
func (c *testCore) createCredential(t *testing.T, token, user string, data map[string]any) (string, string) {
	t.Helper()
	resp, err := c.do(t, logical.CreateOperation, "users/"+user+"/application_credentials", token, data)
	require.NoError(t, err)
	require.False(t, resp.IsError(), "%v", resp.Err)
	cred := resp.Data["application_credential"].(map[string]any)
	return cred["id"].(string), cred["secret"].(string)
}

func (c *testCore) appCredToken(t *testing.T, id, secret string) string {
	t.Helper()
	resp, err := c.do(t, logical.CreateOperation, "auth/application_credential/login", "", map[string]any{
		"id":     id,
		"secret": secret,
	})
	require.NoError(t, err)
	require.False(t, resp.IsError(), "%v", resp.Err)
	return resp.Auth.ClientToken
}
