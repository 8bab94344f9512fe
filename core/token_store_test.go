package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/helper"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
	"github.com/stephnangue/latch/storage/inmem"
)

func newTestTokenStore(t *testing.T) (*TokenStore, storage.Backend, *time.Time) {
	t.Helper()
	backend, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)

	clock := testNow
	conf := DefaultTokenStoreConfig()
	conf.DefaultTTL = 30 * time.Minute
	conf.Clock = func() time.Time { return clock }

	s, err := NewTokenStore(backend, testLogger(), conf)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, backend, &clock
}

func appCredAuth() *logical.Auth {
	return &logical.Auth{
		PrincipalID: "alice",
		ProjectID:   "p1",
		Roles:       []string{"r-member"},
		Provenance: logical.Provenance{
			Methods:               []string{logical.MethodApplicationCredential},
			ApplicationCredential: &logical.AppCredentialStep{ID: "cred-1"},
		},
	}
}

func TestTokenStore_IssueAndLookup(t *testing.T) {
	s, backend, _ := newTestTokenStore(t)

	value, entry, err := s.IssueToken(context.Background(), appCredAuth(), &logical.Request{ID: "req-1", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Regexp(t, `^lt\.[0-9a-f]{64}$`, value)
	assert.Equal(t, helper.GetHash(value), entry.ID)
	assert.True(t, testNow.Add(30*time.Minute).Equal(entry.ExpireAt))
	assert.Equal(t, "10.0.0.1", entry.CreatedByIP)

	// only the hash is persisted
	_, err = backend.GetToken(context.Background(), value)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	stored, err := backend.GetToken(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.PrincipalID)

	got, err := s.LookupToken(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, entry, got)
	assert.True(t, got.Provenance.ViaApplicationCredential())
}

func TestTokenStore_LookupReturnsCopies(t *testing.T) {
	s, _, _ := newTestTokenStore(t)
	value, _, err := s.IssueToken(context.Background(), appCredAuth(), nil)
	require.NoError(t, err)

	got, err := s.LookupToken(context.Background(), value)
	require.NoError(t, err)
	got.Roles[0] = "r-admin"
	got.Provenance.ApplicationCredential.Unrestricted = true

	again, err := s.LookupToken(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-member"}, again.Roles)
	assert.False(t, again.Provenance.Unrestricted())
}

func TestTokenStore_ExpiryCappedByAuth(t *testing.T) {
	s, _, _ := newTestTokenStore(t)

	auth := appCredAuth()
	auth.TokenTTL = 2 * time.Hour
	auth.ExpireAt = testNow.Add(5 * time.Minute)

	_, entry, err := s.IssueToken(context.Background(), auth, nil)
	require.NoError(t, err)
	assert.True(t, auth.ExpireAt.Equal(entry.ExpireAt))

	// a later deadline doesn't extend the ttl
	auth.ExpireAt = testNow.Add(24 * time.Hour)
	_, entry, err = s.IssueToken(context.Background(), auth, nil)
	require.NoError(t, err)
	assert.True(t, testNow.Add(2*time.Hour).Equal(entry.ExpireAt))
}

func TestTokenStore_RefusesPastDeadline(t *testing.T) {
	s, _, _ := newTestTokenStore(t)
	auth := appCredAuth()
	auth.ExpireAt = testNow

	_, _, err := s.IssueToken(context.Background(), auth, nil)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenStore_ExpiredTokenIsPurged(t *testing.T) {
	s, backend, clock := newTestTokenStore(t)
	value, entry, err := s.IssueToken(context.Background(), appCredAuth(), nil)
	require.NoError(t, err)

	*clock = entry.ExpireAt
	_, err = s.LookupToken(context.Background(), value)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = backend.GetToken(context.Background(), entry.ID)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	assert.Equal(t, int64(1), s.GetMetrics()["tokens_expired"])
}

func TestTokenStore_ReadsThroughToStorage(t *testing.T) {
	s, backend, _ := newTestTokenStore(t)

	value := TokenPrefix + "feed"
	require.NoError(t, backend.PutToken(context.Background(), &logical.TokenEntry{
		ID:          helper.GetHash(value),
		PrincipalID: "bob",
		ExpireAt:    testNow.Add(time.Minute),
	}))

	got, err := s.LookupToken(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.PrincipalID)
	assert.GreaterOrEqual(t, s.GetMetrics()["cache_misses"], int64(1))
}

func TestTokenStore_ConcurrentMisses(t *testing.T) {
	s, backend, _ := newTestTokenStore(t)

	value := TokenPrefix + "cafe"
	require.NoError(t, backend.PutToken(context.Background(), &logical.TokenEntry{
		ID:          helper.GetHash(value),
		PrincipalID: "bob",
		Roles:       []string{"r-member"},
		ExpireAt:    testNow.Add(time.Minute),
	}))

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			got, err := s.LookupToken(context.Background(), value)
			if assert.NoError(t, err) {
				assert.Equal(t, "bob", got.PrincipalID)
				got.Roles[0] = "mutated"
			}
		})
	}
	wg.Wait()

	got, err := s.LookupToken(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-member"}, got.Roles)
}

func TestTokenStore_Revoke(t *testing.T) {
	s, _, _ := newTestTokenStore(t)
	value, _, err := s.IssueToken(context.Background(), appCredAuth(), nil)
	require.NoError(t, err)

	require.NoError(t, s.RevokeToken(context.Background(), value))
	_, err = s.LookupToken(context.Background(), value)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.ErrorIs(t, s.RevokeToken(context.Background(), value), ErrTokenNotFound)
}

func TestTokenStore_Unknown(t *testing.T) {
	s, _, _ := newTestTokenStore(t)

	for _, v := range []string{"", "lt.nope"} {
		_, err := s.LookupToken(context.Background(), v)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	}
}

func TestTokenStore_StorageFailure(t *testing.T) {
	s, backend, _ := newTestTokenStore(t)
	backend.(*inmem.InmemStorage).FailWrites(true)

	_, _, err := s.IssueToken(context.Background(), appCredAuth(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, inmem.ErrWriteDisabled))
}

func TestTokenStore_Closed(t *testing.T) {
	s, _, _ := newTestTokenStore(t)
	s.Close()
	s.Close()

	_, _, err := s.IssueToken(context.Background(), appCredAuth(), nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.LookupToken(context.Background(), "lt.x")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestTokenStore_MetricsDisabled(t *testing.T) {
	backend, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)
	s, err := NewTokenStore(backend, testLogger(), &TokenStoreConfig{CacheMaxCost: 1 << 20, CacheNumCounters: 1e4})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.GetMetrics())
}
