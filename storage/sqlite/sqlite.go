package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

var _ storage.Backend = (*SQLiteStorage)(nil)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// SQLiteStorage keeps credentials and tokens in a SQLite database. Writes go
// through a single connection so SQLite never reports "database is locked";
// reads use a small pool.
type SQLiteStorage struct {
	writer *sql.DB
	reader *sql.DB
	logger logger.Logger
}

// NewSQLite is the storage.Factory for the "sqlite" backend. It requires a
// "path" option and runs pending migrations before returning.
func NewSQLite(conf map[string]string, log logger.Logger) (storage.Backend, error) {
	path := conf["path"]
	if path == "" {
		return nil, errors.New("sqlite storage requires a path")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&%s", path, pragmas)
	return Open(dsn, log)
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, log logger.Logger) (*SQLiteStorage, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	if err := RunMigrations(writer); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	if log != nil {
		log.Debug("sqlite storage ready", logger.String("dsn", strings.SplitN(dsn, "?", 2)[0]))
	}
	return &SQLiteStorage{writer: writer, reader: reader, logger: log}, nil
}

// Close closes both pools and returns the first error encountered.
func (s *SQLiteStorage) Close() error {
	var firstErr error
	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}

const credentialColumns = `id, user_id, project_id, name, description, secret_hash, roles, access_rules, expires_at, unrestricted, created_at`

func (s *SQLiteStorage) CreateCredential(ctx context.Context, rec *appcred.Record) error {
	roles, err := json.Marshal(rec.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	rules := []byte("[]")
	if len(rec.AccessRules) > 0 {
		if rules, err = json.Marshal(rec.AccessRules); err != nil {
			return fmt.Errorf("encode access rules: %w", err)
		}
	}
	var expires sql.NullString
	if rec.ExpiresAt != nil {
		expires = sql.NullString{String: rec.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	const query = `INSERT INTO application_credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.writer.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.ProjectID, rec.Name, rec.Description, rec.SecretHash,
		string(roles), string(rules), expires, rec.Unrestricted, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return appcred.ErrConflict
		}
		return fmt.Errorf("insert credential %q: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetCredential(ctx context.Context, id string) (*appcred.Record, error) {
	const query = `SELECT ` + credentialColumns + ` FROM application_credentials WHERE id = ?`
	rec, err := scanCredential(s.reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appcred.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteStorage) ListCredentials(ctx context.Context, userID string, filter appcred.ListFilter) ([]*appcred.Record, error) {
	const query = `SELECT ` + credentialColumns + ` FROM application_credentials
		WHERE user_id = ? AND (? = '' OR name = ?) ORDER BY seq`
	rows, err := s.reader.QueryContext(ctx, query, userID, filter.Name, filter.Name)
	if err != nil {
		return nil, fmt.Errorf("list credentials for %q: %w", userID, err)
	}
	defer rows.Close()

	out := []*appcred.Record{}
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *SQLiteStorage) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM application_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", id, err)
	}
	if n == 0 {
		return appcred.ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) PutToken(ctx context.Context, entry *logical.TokenEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	var expires sql.NullString
	if !entry.ExpireAt.IsZero() {
		expires = sql.NullString{String: entry.ExpireAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	const query = `INSERT INTO tokens (id, entry, expire_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET entry = excluded.entry, expire_at = excluded.expire_at`
	if _, err := s.writer.ExecContext(ctx, query, entry.ID, string(buf), expires); err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetToken(ctx context.Context, id string) (*logical.TokenEntry, error) {
	var raw string
	err := s.reader.QueryRowContext(ctx, `SELECT entry FROM tokens WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	var entry logical.TokenEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &entry, nil
}

func (s *SQLiteStorage) DeleteToken(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*appcred.Record, error) {
	var (
		rec          appcred.Record
		roles, rules string
		expires      sql.NullString
		created      string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ProjectID, &rec.Name, &rec.Description, &rec.SecretHash,
		&roles, &rules, &expires, &rec.Unrestricted, &created)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(roles), &rec.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &rec.AccessRules); err != nil {
		return nil, fmt.Errorf("decode access rules: %w", err)
	}
	if len(rec.AccessRules) == 0 {
		rec.AccessRules = nil
	}
	if expires.Valid {
		t, err := time.Parse(time.RFC3339Nano, expires.String)
		if err != nil {
			return nil, fmt.Errorf("decode expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
