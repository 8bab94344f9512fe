package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/openbao/openbao/sdk/v2/database/helper/dbutil"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

var _ storage.Backend = (*PostgreSQLStorage)(nil)

const (
	defaultTable      = "latch_application_credentials"
	defaultTokenTable = "latch_tokens"

	uniqueViolation = "23505"
)

// PostgreSQLStorage keeps credentials and tokens in PostgreSQL. Queries are
// built once from the configured table names.
type PostgreSQLStorage struct {
	client     *sql.DB
	table      string
	tokenTable string
	logger     logger.Logger

	insertQuery      string
	getQuery         string
	listQuery        string
	deleteQuery      string
	putTokenQuery    string
	getTokenQuery    string
	deleteTokenQuery string
}

// NewPostgreSQLStorage is the storage.Factory for the "postgres" backend.
//
// Options:
//   - connection_url: the pgx DSN, or LATCH_PG_CONNECTION_URL when unset
//   - table, token_table: table names
//   - max_parallel: maximum open connections
//   - skip_create_table: "true" to leave schema management to the operator
func NewPostgreSQLStorage(conf map[string]string, log logger.Logger) (storage.Backend, error) {
	connURL := conf["connection_url"]
	if connURL == "" {
		connURL = os.Getenv("LATCH_PG_CONNECTION_URL")
	}
	if connURL == "" {
		return nil, errors.New("postgres storage requires connection_url")
	}

	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if raw, ok := conf["max_parallel"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed parsing max_parallel parameter: %w", err)
		}
		db.SetMaxOpenConns(n)
	}

	s := newStorage(db, conf["table"], conf["token_table"], log)

	if conf["skip_create_table"] != "true" {
		if err := s.createSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Debug("postgres storage ready", logger.String("table", s.table))
	return s, nil
}

func newStorage(db *sql.DB, table, tokenTable string, log logger.Logger) *PostgreSQLStorage {
	if table == "" {
		table = defaultTable
	}
	if tokenTable == "" {
		tokenTable = defaultTokenTable
	}
	table = dbutil.QuoteIdentifier(table)
	tokenTable = dbutil.QuoteIdentifier(tokenTable)

	return &PostgreSQLStorage{
		client:     db,
		table:      table,
		tokenTable: tokenTable,
		logger:     log,

		insertQuery: `INSERT INTO ` + table + ` (` + credentialColumns + `)` +
			` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		getQuery: `SELECT ` + credentialColumns + ` FROM ` + table + ` WHERE id = $1`,
		listQuery: `SELECT ` + credentialColumns + ` FROM ` + table +
			` WHERE user_id = $1 AND ($2 = '' OR name = $2) ORDER BY seq`,
		deleteQuery: `DELETE FROM ` + table + ` WHERE id = $1`,

		putTokenQuery: `INSERT INTO ` + tokenTable + ` (id, entry, expire_at) VALUES ($1, $2, $3)` +
			` ON CONFLICT (id) DO UPDATE SET entry = $2, expire_at = $3`,
		getTokenQuery:    `SELECT entry FROM ` + tokenTable + ` WHERE id = $1`,
		deleteTokenQuery: `DELETE FROM ` + tokenTable + ` WHERE id = $1`,
	}
}

const credentialColumns = `id, user_id, project_id, name, description, secret_hash, roles, access_rules, expires_at, unrestricted, created_at`

func (p *PostgreSQLStorage) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
			seq          BIGSERIAL,
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			project_id   TEXT NOT NULL,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			secret_hash  BYTEA NOT NULL,
			roles        JSONB NOT NULL,
			access_rules JSONB NOT NULL DEFAULT '[]',
			expires_at   TIMESTAMPTZ,
			unrestricted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.tokenTable + ` (
			id        TEXT PRIMARY KEY,
			entry     JSONB NOT NULL,
			expire_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgreSQLStorage) Close() error {
	return p.client.Close()
}

func (p *PostgreSQLStorage) CreateCredential(ctx context.Context, rec *appcred.Record) error {
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
	var expires sql.NullTime
	if rec.ExpiresAt != nil {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}

	_, err = p.client.ExecContext(ctx, p.insertQuery,
		rec.ID, rec.UserID, rec.ProjectID, rec.Name, rec.Description, rec.SecretHash,
		string(roles), string(rules), expires, rec.Unrestricted, rec.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return appcred.ErrConflict
		}
		return fmt.Errorf("insert credential %q: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgreSQLStorage) GetCredential(ctx context.Context, id string) (*appcred.Record, error) {
	rec, err := scanCredential(p.client.QueryRowContext(ctx, p.getQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appcred.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	return rec, nil
}

func (p *PostgreSQLStorage) ListCredentials(ctx context.Context, userID string, filter appcred.ListFilter) ([]*appcred.Record, error) {
	rows, err := p.client.QueryContext(ctx, p.listQuery, userID, filter.Name)
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

func (p *PostgreSQLStorage) DeleteCredential(ctx context.Context, id string) error {
	res, err := p.client.ExecContext(ctx, p.deleteQuery, id)
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

func (p *PostgreSQLStorage) PutToken(ctx context.Context, entry *logical.TokenEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	var expires sql.NullTime
	if !entry.ExpireAt.IsZero() {
		expires = sql.NullTime{Time: entry.ExpireAt.UTC(), Valid: true}
	}
	if _, err := p.client.ExecContext(ctx, p.putTokenQuery, entry.ID, string(buf), expires); err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (p *PostgreSQLStorage) GetToken(ctx context.Context, id string) (*logical.TokenEntry, error) {
	var raw []byte
	err := p.client.QueryRowContext(ctx, p.getTokenQuery, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	var entry logical.TokenEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &entry, nil
}

func (p *PostgreSQLStorage) DeleteToken(ctx context.Context, id string) error {
	res, err := p.client.ExecContext(ctx, p.deleteTokenQuery, id)
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
		roles, rules []byte
		expires      sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.ProjectID, &rec.Name, &rec.Description, &rec.SecretHash,
		&roles, &rules, &expires, &rec.Unrestricted, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(roles, &rec.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(rules, &rec.AccessRules); err != nil {
		return nil, fmt.Errorf("decode access rules: %w", err)
	}
	if len(rec.AccessRules) == 0 {
		rec.AccessRules = nil
	}
	if expires.Valid {
		t := expires.Time.UTC()
		rec.ExpiresAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
