package sqlite

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/storage/storagetest"
)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{Outputs: []io.Writer{io.Discard}})
}

// setupTestStorage opens a named shared in-memory database. The name comes
// from t.Name() so parallel tests stay isolated.
func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", url.PathEscape(t.Name()), pragmas)
	s, err := Open(dsn, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorage_Backend(t *testing.T) {
	storagetest.ExerciseBackend(t, setupTestStorage(t))
}

func TestSQLiteStorage_MigrationsAreIdempotent(t *testing.T) {
	s := setupTestStorage(t)
	require.NoError(t, RunMigrations(s.writer))
	require.NoError(t, RunMigrations(s.writer))
}

func TestSQLiteStorage_FileBackedReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latch.db")
	ctx := context.Background()

	b, err := NewSQLite(map[string]string{"path": path}, testLogger())
	require.NoError(t, err)
	require.NoError(t, b.CreateCredential(ctx, storagetest.Record("c1", "alice", "p1", "ci")))
	require.NoError(t, b.Close())

	b, err = NewSQLite(map[string]string{"path": path}, testLogger())
	require.NoError(t, err)
	defer b.Close()

	got, err := b.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	err = b.CreateCredential(ctx, storagetest.Record("c2", "alice", "p1", "ci"))
	assert.ErrorIs(t, err, appcred.ErrConflict)
}

func TestNewSQLite_RequiresPath(t *testing.T) {
	_, err := NewSQLite(map[string]string{}, testLogger())
	assert.Error(t, err)
}

func TestSQLiteStorage_UnrestrictedRoundTrip(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	rec := storagetest.Record("c1", "alice", "p1", "ci")
	rec.Unrestricted = true
	require.NoError(t, s.CreateCredential(ctx, rec))

	got, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Unrestricted)
}
