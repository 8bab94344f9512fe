package inmem

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage/storagetest"
)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.TraceLevel,
		Outputs: []io.Writer{io.Discard},
	})
}

func TestInmemStorage_Backend(t *testing.T) {
	b, err := NewInmem(nil, testLogger())
	require.NoError(t, err)
	storagetest.ExerciseBackend(t, b)
}

func TestInmemStorage_LogAllOps(t *testing.T) {
	b, err := NewInmem(map[string]string{"log_all_ops": "true"}, testLogger())
	require.NoError(t, err)
	storagetest.ExerciseBackend(t, b)
}

func TestInmemStorage_StoredRecordIsIsolated(t *testing.T) {
	s := newInmem(nil, testLogger())
	ctx := context.Background()

	rec := storagetest.Record("c1", "alice", "p1", "ci")
	require.NoError(t, s.CreateCredential(ctx, rec))

	rec.Name = "renamed"
	rec.SecretHash[0] = 'X'

	got, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)
	assert.NotEqual(t, byte('X'), got.SecretHash[0])
}

func TestInmemStorage_PrefixDoesNotLeakAcrossUsers(t *testing.T) {
	s := newInmem(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c1", "al", "p1", "ci")))
	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c2", "alice", "p1", "ci")))

	list, err := s.ListCredentials(ctx, "al", appcred.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].ID)

	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c3", "team", "p1", "ci")))
	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c4", "team/bob", "p1", "ci")))

	list, err = s.ListCredentials(ctx, "team", appcred.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c3", list[0].ID)

	list, err = s.ListCredentials(ctx, "team", appcred.ListFilter{Name: "ci"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c3", list[0].ID)
}

func TestInmemStorage_FailToggles(t *testing.T) {
	s := newInmem(nil, testLogger())
	ctx := context.Background()

	s.FailWrites(true)
	assert.ErrorIs(t, s.CreateCredential(ctx, storagetest.Record("c1", "alice", "p1", "ci")), ErrWriteDisabled)
	assert.ErrorIs(t, s.PutToken(ctx, &logical.TokenEntry{ID: "t"}), ErrWriteDisabled)
	s.FailWrites(false)
	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c1", "alice", "p1", "ci")))

	s.FailReads(true)
	_, err := s.GetCredential(ctx, "c1")
	assert.ErrorIs(t, err, ErrReadDisabled)
	_, err = s.ListCredentials(ctx, "alice", appcred.ListFilter{})
	assert.ErrorIs(t, err, ErrReadDisabled)
	s.FailReads(false)

	_, err = s.GetCredential(ctx, "c1")
	assert.NoError(t, err)
}

func TestInmemStorage_CanceledContext(t *testing.T) {
	s := newInmem(nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.CreateCredential(ctx, storagetest.Record("c1", "alice", "p1", "ci")), context.Canceled)
	_, err := s.GetToken(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInmemStorage_Close(t *testing.T) {
	s := newInmem(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, s.CreateCredential(ctx, storagetest.Record("c1", "alice", "p1", "ci")))
	require.NoError(t, s.Close())

	_, err := s.GetCredential(ctx, "c1")
	assert.ErrorIs(t, err, appcred.ErrNotFound)
}
