// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

// Record returns a fully populated record for tests.
func Record(id, user, project, name string) *appcred.Record {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 123456000, time.UTC)
	return &appcred.Record{
		ID:          id,
		UserID:      user,
		ProjectID:   project,
		Name:        name,
		Description: "desc " + name,
		SecretHash:  []byte("$2a$04$hash-" + id),
		Roles:       []appcred.RoleRef{{ID: "r1", Name: "member"}},
		ExpiresAt:   &exp,
		AccessRules: []appcred.AccessRule{{ID: "ar-" + id, Service: "compute", Path: "/v2/servers", Method: "GET"}},
		CreatedAt:   time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
	}
}

// ExerciseBackend runs the shared credential and token behaviour against b.
func ExerciseBackend(t *testing.T, b storage.Backend) {
	t.Helper()
	t.Run("credentials", func(t *testing.T) { exerciseCredentials(t, b) })
	t.Run("tokens", func(t *testing.T) { exerciseTokens(t, b) })
}

func exerciseCredentials(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	list, err := b.ListCredentials(ctx, "alice", appcred.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	first := Record("c1", "alice", "p1", "ci")
	require.NoError(t, b.CreateCredential(ctx, first))

	got, err := b.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, got.UserID)
	assert.Equal(t, first.ProjectID, got.ProjectID)
	assert.Equal(t, first.Name, got.Name)
	assert.Equal(t, first.Description, got.Description)
	assert.Equal(t, first.SecretHash, got.SecretHash)
	assert.Equal(t, first.Roles, got.Roles)
	assert.Equal(t, first.AccessRules, got.AccessRules)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, first.ExpiresAt.Equal(*got.ExpiresAt))
	assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

	// the returned value is a copy
	got.Roles[0].Name = "mutated"
	again, err := b.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "member", again.Roles[0].Name)

	// uniqueness
	err = b.CreateCredential(ctx, Record("c2", "alice", "p1", "ci"))
	assert.ErrorIs(t, err, appcred.ErrConflict)
	err = b.CreateCredential(ctx, Record("c1", "bob", "p9", "other"))
	assert.ErrorIs(t, err, appcred.ErrConflict)

	noExpiry := Record("c3", "alice", "p2", "ci")
	noExpiry.ExpiresAt = nil
	noExpiry.AccessRules = nil
	require.NoError(t, b.CreateCredential(ctx, noExpiry))
	require.NoError(t, b.CreateCredential(ctx, Record("c4", "bob", "p1", "ci")))
	require.NoError(t, b.CreateCredential(ctx, Record("c5", "alice", "p1", "deploy")))

	got, err = b.GetCredential(ctx, "c3")
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.Empty(t, got.AccessRules)

	list, err = b.ListCredentials(ctx, "alice", appcred.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3", "c5"}, ids(list))

	list, err = b.ListCredentials(ctx, "alice", appcred.ListFilter{Name: "ci"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids(list))

	list, err = b.ListCredentials(ctx, "bob", appcred.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c4"}, ids(list))

	require.NoError(t, b.DeleteCredential(ctx, "c1"))
	_, err = b.GetCredential(ctx, "c1")
	assert.ErrorIs(t, err, appcred.ErrNotFound)
	assert.ErrorIs(t, b.DeleteCredential(ctx, "c1"), appcred.ErrNotFound)

	// the name is free again
	require.NoError(t, b.CreateCredential(ctx, Record("c6", "alice", "p1", "ci")))
	list, err = b.ListCredentials(ctx, "alice", appcred.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c5", "c6"}, ids(list))

	exerciseConcurrentCreate(t, b)
}

func exerciseConcurrentCreate(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.CreateCredential(ctx, Record(fmt.Sprintf("race-%d", i), "dora", "p1", "race"))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, appcred.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func exerciseTokens(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	entry := &logical.TokenEntry{
		ID:          "tok-1",
		Accessor:    "acc-1",
		PrincipalID: "alice",
		ProjectID:   "p1",
		Roles:       []string{"member"},
		Provenance: logical.Provenance{
			Methods:               []string{logical.MethodApplicationCredential},
			ApplicationCredential: &logical.AppCredentialStep{ID: "c5", Unrestricted: true},
		},
		CreatedAt: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
		ExpireAt:  time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.PutToken(ctx, entry))

	got, err := b.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, entry.PrincipalID, got.PrincipalID)
	assert.Equal(t, entry.Roles, got.Roles)
	assert.Equal(t, entry.Provenance, got.Provenance)
	assert.True(t, entry.ExpireAt.Equal(got.ExpireAt))

	entry.Roles = []string{"admin"}
	require.NoError(t, b.PutToken(ctx, entry))
	got, err = b.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, got.Roles)

	require.NoError(t, b.DeleteToken(ctx, "tok-1"))
	_, err = b.GetToken(ctx, "tok-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	assert.ErrorIs(t, b.DeleteToken(ctx, "tok-1"), storage.ErrTokenNotFound)
}

func ids(recs []*appcred.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
