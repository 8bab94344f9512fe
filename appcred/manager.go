package appcred

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/stephnangue/latch/logger"
)

// Manager exposes the owner-scoped operations on application credentials.
// It holds no mutable state of its own; concurrency control belongs to the
// Store.
type Manager struct {
	store   Store
	dir     Directory
	secrets *SecretHandler
	now     func() time.Time
	logger  logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithSecretHandler overrides the secret handler.
func WithSecretHandler(h *SecretHandler) Option {
	return func(m *Manager) { m.secrets = h }
}

// NewManager returns a Manager over store and dir.
func NewManager(store Store, dir Directory, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		dir:     dir,
		secrets: NewSecretHandler(0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.NewZerologLogger(&logger.Config{Outputs: []io.Writer{io.Discard}})
	}
	return m
}

// Secrets returns the handler used to hash and verify secrets.
func (m *Manager) Secrets() *SecretHandler {
	return m.secrets
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Create issues a credential owned by owner on project scope. The returned
// value is the only place the plaintext secret ever appears.
func (m *Manager) Create(ctx context.Context, owner, scope string, req CreateRequest) (*IssuedCredential, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: application credentials require a project-scoped token", ErrValidation)
	}
	req.AccessRules = slices.Clone(req.AccessRules)
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	exists, err := m.dir.UserExists(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, owner)
	}

	expiresAt, err := ValidateExpiration(req.ExpiresAt, m.now())
	if err != nil {
		return nil, err
	}

	held, err := m.dir.UserRoles(ctx, owner, scope)
	if err != nil {
		return nil, fmt.Errorf("looking up roles: %w", err)
	}
	roles, err := BindRoles(req.Roles, held)
	if err != nil {
		return nil, err
	}

	secret := req.Secret
	var hash []byte
	if secret == "" {
		secret, hash, err = m.secrets.Generate()
	} else {
		hash, err = m.secrets.Hash(secret)
	}
	if err != nil {
		return nil, err
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
	}
	for i := range req.AccessRules {
		if req.AccessRules[i].ID, err = uuid.GenerateUUID(); err != nil {
			return nil, fmt.Errorf("generating access rule id: %w", err)
		}
	}

	rec := &Record{
		ID:           id,
		UserID:       owner,
		ProjectID:    scope,
		Name:         req.Name,
		Description:  req.Description,
		SecretHash:   hash,
		Roles:        roles,
		ExpiresAt:    expiresAt,
		Unrestricted: req.Unrestricted,
		AccessRules:  req.AccessRules,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateCredential(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: name %q is taken on project %s", ErrConflict, req.Name, scope)
		}
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	m.logger.Info("application credential created",
		logger.String("id", rec.ID),
		logger.String("user_id", owner),
		logger.String("project_id", scope),
		logger.Bool("unrestricted", rec.Unrestricted),
	)

	return &IssuedCredential{Credential: *rec.Public(), Secret: secret}, nil
}

// List returns the owner's credentials in insertion order.
func (m *Manager) List(ctx context.Context, owner string, filter ListFilter) ([]*Credential, error) {
	recs, err := m.store.ListCredentials(ctx, owner, filter)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	out := make([]*Credential, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Public())
	}
	return out, nil
}

// Get returns one of the owner's credentials.
func (m *Manager) Get(ctx context.Context, owner, id string) (*Credential, error) {
	rec, err := m.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return rec.Public(), nil
}

// Delete removes one of the owner's credentials. Deleting an id that is
// already gone fails with ErrNotFound.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	if _, err := m.owned(ctx, owner, id); err != nil {
		return err
	}
	if err := m.store.DeleteCredential(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("deleting credential: %w", err)
	}

	m.logger.Info("application credential deleted",
		logger.String("id", id),
		logger.String("user_id", owner),
	)
	return nil
}

// Lookup fetches a record by id without any ownership check. It exists for
// the login path, where the caller has no identity yet.
func (m *Manager) Lookup(ctx context.Context, id string) (*Record, error) {
	return m.store.GetCredential(ctx, id)
}

// owned applies the tenancy policy shared by Get and Delete: a credential
// that belongs to another user is reported exactly like one that does not
// exist, so ids cannot be probed across users.
func (m *Manager) owned(ctx context.Context, owner, id string) (*Record, error) {
	rec, err := m.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if rec.UserID != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}
