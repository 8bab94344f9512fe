package appcred

import (
	"context"
	"slices"
	"time"
)

// RoleRef identifies a role. Requests may carry either field; stored and
// returned refs always carry both.
type RoleRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AccessRule is an opaque fine-grained restriction recorded on a credential.
type AccessRule struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Path    string `json:"path"`
	Method  string `json:"method"`
}

// Record is the persisted form of an application credential. It is the
// only type that carries the secret hash and never leaves the server.
type Record struct {
	ID           string
	UserID       string
	ProjectID    string
	Name         string
	Description  string
	SecretHash   []byte
	Roles        []RoleRef
	ExpiresAt    *time.Time
	Unrestricted bool
	AccessRules  []AccessRule
	CreatedAt    time.Time
}

// Expired reports whether the credential is unusable at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Public returns the read view of the record.
func (r *Record) Public() *Credential {
	c := &Credential{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		UserID:       r.UserID,
		ProjectID:    r.ProjectID,
		Roles:        slices.Clone(r.Roles),
		Unrestricted: r.Unrestricted,
		AccessRules:  slices.Clone(r.AccessRules),
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if c.Roles == nil {
		c.Roles = []RoleRef{}
	}
	return c
}

// Credential is what list and get return. It has no secret material.
type Credential struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	UserID       string       `json:"user_id"`
	ProjectID    string       `json:"project_id"`
	Roles        []RoleRef    `json:"roles"`
	ExpiresAt    *time.Time   `json:"expires_at"`
	Unrestricted bool         `json:"unrestricted"`
	AccessRules  []AccessRule `json:"access_rules,omitempty"`
}

// IssuedCredential is returned once, from create, and carries the plaintext
// secret.
type IssuedCredential struct {
	Credential
	Secret string `json:"secret"`
}

// CreateRequest is the caller-supplied part of a new credential.
type CreateRequest struct {
	Name        string
	Description string

	// Secret, when set, is used instead of a generated one.
	Secret string

	// Roles defaults to every role the owner holds on the project.
	Roles []RoleRef

	// ExpiresAt is nil, a string, a time.Time or a *time.Time.
	ExpiresAt any

	Unrestricted bool
	AccessRules  []AccessRule
}

// ListFilter narrows a list call. Empty fields do not filter.
type ListFilter struct {
	Name string
}

// Store is the persistence collaborator. Implementations must enforce the
// uniqueness of ID and of (UserID, ProjectID, Name) atomically, returning
// an error wrapping ErrConflict on violation, and return errors wrapping
// ErrNotFound for absent ids.
type Store interface {
	CreateCredential(ctx context.Context, rec *Record) error
	GetCredential(ctx context.Context, id string) (*Record, error)

	// ListCredentials returns the user's records in insertion order.
	ListCredentials(ctx context.Context, userID string, filter ListFilter) ([]*Record, error)

	DeleteCredential(ctx context.Context, id string) error
}

// Directory is the user and role lookup collaborator.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	UserRoles(ctx context.Context, userID, projectID string) ([]RoleRef, error)
}
