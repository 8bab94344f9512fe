package appcred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Test doubles
// =============================================================================

type memStore struct {
	mu    sync.Mutex
	order []string
	recs  map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func (s *memStore) CreateCredential(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrConflict
	}
	for _, r := range s.recs {
		if r.UserID == rec.UserID && r.ProjectID == rec.ProjectID && r.Name == rec.Name {
			return ErrConflict
		}
	}
	cp := *rec
	s.recs[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *memStore) GetCredential(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListCredentials(_ context.Context, userID string, filter ListFilter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, id := range s.order {
		rec, ok := s.recs[id]
		if !ok || rec.UserID != userID {
			continue
		}
		if filter.Name != "" && rec.Name != filter.Name {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

type fakeDirectory struct {
	roles map[string]map[string][]RoleRef // user -> project -> roles
	err   error
}

func (d *fakeDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	_, ok := d.roles[userID]
	return ok, nil
}

func (d *fakeDirectory) UserRoles(_ context.Context, userID, projectID string) ([]RoleRef, error) {
	return d.roles[userID][projectID], nil
}

func newTestDirectory() *fakeDirectory {
	return &fakeDirectory{roles: map[string]map[string][]RoleRef{
		"alice": {
			"proj1": {{ID: "r-admin", Name: "admin"}, {ID: "r-member", Name: "member"}},
			"proj2": {{ID: "r-member", Name: "member"}},
		},
		"bob": {
			"proj1": {{ID: "r-member", Name: "member"}},
		},
		"carol": {},
	}}
}

func newTestManager(t *testing.T) (*Manager, *memStore, *time.Time) {
	t.Helper()
	now := fixedNow
	store := newMemStore()
	m := NewManager(store, newTestDirectory(),
		WithClock(func() time.Time { return now }),
		WithSecretHandler(NewSecretHandler(bcrypt.MinCost)),
	)
	return m, store, &now
}

// =============================================================================
// Create Tests
// =============================================================================

func TestManager_Create_GeneratesSecretAndBindsAllRoles(t *testing.T) {
	m, store, _ := newTestManager(t)

	issued, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "ci", Description: "pipelines"})
	require.NoError(t, err)

	assert.NotEmpty(t, issued.ID)
	assert.NotEmpty(t, issued.Secret)
	assert.Equal(t, "alice", issued.UserID)
	assert.Equal(t, "proj1", issued.ProjectID)
	assert.Equal(t, "pipelines", issued.Description)
	assert.Equal(t, []RoleRef{{ID: "r-admin", Name: "admin"}, {ID: "r-member", Name: "member"}}, issued.Roles)
	assert.Nil(t, issued.ExpiresAt)
	assert.False(t, issued.Unrestricted)

	rec, err := store.GetCredential(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.True(t, m.Secrets().Verify(issued.Secret, rec.SecretHash))
	assert.Equal(t, fixedNow, rec.CreatedAt)
}

func TestManager_Create_ResponseHasSecretButNoHash(t *testing.T) {
	m, _, _ := newTestManager(t)

	issued, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "ci"})
	require.NoError(t, err)

	body, err := json.Marshal(issued)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Contains(t, fields, "secret")
	assert.NotContains(t, fields, "secret_hash")
	assert.NotContains(t, fields, "SecretHash")
}

func TestManager_Create_ExplicitSecretIsEchoed(t *testing.T) {
	m, store, _ := newTestManager(t)

	issued, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "ci", Secret: "my-own-secret"})
	require.NoError(t, err)
	assert.Equal(t, "my-own-secret", issued.Secret)

	rec, err := store.GetCredential(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.True(t, m.Secrets().Verify("my-own-secret", rec.SecretHash))
}

func TestManager_Create_RoleSubset(t *testing.T) {
	m, _, _ := newTestManager(t)

	issued, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{
		Name:  "ci",
		Roles: []RoleRef{{Name: "member"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []RoleRef{{ID: "r-member", Name: "member"}}, issued.Roles)
}

func TestManager_Create_RoleNotAssigned(t *testing.T) {
	m, _, _ := newTestManager(t)

	// r-admin is held on proj1 but not on proj2
	_, err := m.Create(context.Background(), "alice", "proj2", CreateRequest{
		Name:  "ci",
		Roles: []RoleRef{{ID: "r-admin"}},
	})
	require.ErrorIs(t, err, ErrRoleNotAssigned)
	assert.Equal(t, http.StatusBadRequest, ToCodedError(err).Status)
}

func TestManager_Create_Expiration(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "a", ExpiresAt: "next tuesday"})
	assert.ErrorIs(t, err, ErrInvalidExpirationFormat)

	_, err = m.Create(ctx, "alice", "proj1", CreateRequest{Name: "b", ExpiresAt: fixedNow.Add(-time.Minute)})
	assert.ErrorIs(t, err, ErrExpirationInPast)

	future := fixedNow.Add(time.Hour)
	issued, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "c", ExpiresAt: future.Format(time.RFC3339)})
	require.NoError(t, err)
	require.NotNil(t, issued.ExpiresAt)
	assert.True(t, future.Equal(*issued.ExpiresAt))
}

func TestManager_Create_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	long := make([]byte, maxNameLength+1)
	for i := range long {
		long[i] = 'n'
	}

	tests := []struct {
		name  string
		owner string
		scope string
		req   CreateRequest
		want  error
	}{
		{"missing name", "alice", "proj1", CreateRequest{Name: "  "}, ErrValidation},
		{"name too long", "alice", "proj1", CreateRequest{Name: string(long)}, ErrValidation},
		{"unscoped", "alice", "", CreateRequest{Name: "x"}, ErrValidation},
		{"unknown user", "mallory", "proj1", CreateRequest{Name: "x"}, ErrUserNotFound},
		{"no roles on project", "carol", "proj1", CreateRequest{Name: "x"}, ErrValidation},
		{"bad rule method", "alice", "proj1", CreateRequest{
			Name:        "x",
			AccessRules: []AccessRule{{Service: "compute", Path: "/v2/servers", Method: "FETCH"}},
		}, ErrValidation},
		{"rule missing path", "alice", "proj1", CreateRequest{
			Name:        "x",
			AccessRules: []AccessRule{{Service: "compute", Method: "GET"}},
		}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.owner, tt.scope, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestManager_Create_AccessRulesGetIDs(t *testing.T) {
	m, _, _ := newTestManager(t)

	rules := []AccessRule{{Service: "compute", Path: "/v2.1/servers", Method: "get"}}
	issued, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "x", AccessRules: rules})
	require.NoError(t, err)

	require.Len(t, issued.AccessRules, 1)
	assert.NotEmpty(t, issued.AccessRules[0].ID)
	assert.Equal(t, "GET", issued.AccessRules[0].Method)
	// caller's slice is left alone
	assert.Empty(t, rules[0].ID)
}

func TestManager_Create_DuplicateNameConflicts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "dup"})
	require.NoError(t, err)

	_, err = m.Create(ctx, "alice", "proj1", CreateRequest{Name: "dup"})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, http.StatusConflict, ToCodedError(err).Status)

	// same name is fine on another project or for another user
	_, err = m.Create(ctx, "alice", "proj2", CreateRequest{Name: "dup"})
	assert.NoError(t, err)
	_, err = m.Create(ctx, "bob", "proj1", CreateRequest{Name: "dup"})
	assert.NoError(t, err)
}

func TestManager_Create_ConcurrentSameNameOneWins(t *testing.T) {
	m, _, _ := newTestManager(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "race"})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestManager_Create_DirectoryFailure(t *testing.T) {
	dir := newTestDirectory()
	dir.err = fmt.Errorf("ldap down")
	m := NewManager(newMemStore(), dir, WithSecretHandler(NewSecretHandler(bcrypt.MinCost)))

	_, err := m.Create(context.Background(), "alice", "proj1", CreateRequest{Name: "x"})
	require.Error(t, err)
	coded := ToCodedError(err)
	assert.Equal(t, http.StatusInternalServerError, coded.Status)
	assert.NotContains(t, coded.Error(), "ldap")
}

// =============================================================================
// Read Tests
// =============================================================================

func TestManager_List(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	creds, err := m.List(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	assert.NotNil(t, creds)
	assert.Empty(t, creds)

	first, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "first"})
	require.NoError(t, err)
	creds, err = m.List(ctx, "alice", ListFilter{Name: "first"})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, first.ID, creds[0].ID)

	second, err := m.Create(ctx, "alice", "proj2", CreateRequest{Name: "second"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "bob", "proj1", CreateRequest{Name: "first"})
	require.NoError(t, err)

	creds, err = m.List(ctx, "alice", ListFilter{Name: "first"})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, first.ID, creds[0].ID)

	creds, err = m.List(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, first.ID, creds[0].ID)
	assert.Equal(t, second.ID, creds[1].ID)
}

func TestManager_GetMatchesCreateWithoutSecret(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "ci", ExpiresAt: fixedNow.Add(time.Hour)})
	require.NoError(t, err)

	got, err := m.Get(ctx, "alice", issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Credential, *got)

	body, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret")
}

func TestManager_GetNotOwnedIsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "ci"})
	require.NoError(t, err)

	_, err = m.Get(ctx, "bob", issued.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "alice", "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, ToCodedError(err).Status)
}

// =============================================================================
// Delete Tests
// =============================================================================

func TestManager_Delete(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "ci"})
	require.NoError(t, err)

	// another user cannot delete it, and learns nothing
	err = m.Delete(ctx, "bob", issued.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, "alice", issued.ID))

	err = m.Delete(ctx, "alice", issued.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "alice", issued.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Lookup_IgnoresOwner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Create(ctx, "alice", "proj1", CreateRequest{Name: "ci"})
	require.NoError(t, err)

	rec, err := m.Lookup(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.UserID)
	assert.NotEmpty(t, rec.SecretHash)

	_, err = m.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecord_Expired(t *testing.T) {
	exp := fixedNow.Add(time.Minute)
	rec := &Record{ExpiresAt: &exp}

	assert.False(t, rec.Expired(fixedNow))
	assert.True(t, rec.Expired(exp))
	assert.True(t, rec.Expired(exp.Add(time.Second)))
	assert.False(t, (&Record{}).Expired(fixedNow.Add(100*365*24*time.Hour)))
}

func TestToCodedError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", ErrValidation), http.StatusBadRequest},
		{ErrInvalidExpirationFormat, http.StatusBadRequest},
		{ErrExpirationInPast, http.StatusBadRequest},
		{ErrRoleNotAssigned, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrUserNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: owner mismatch on %s", ErrForbidden, "abc"), http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToCodedError(tt.err).Status, tt.err.Error())
	}

	forbidden := ToCodedError(fmt.Errorf("%w: owner mismatch on %s", ErrForbidden, "abc"))
	assert.NotContains(t, forbidden.Error(), "abc")
}
