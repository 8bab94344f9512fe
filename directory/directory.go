// Package directory is the in-process identity directory: users, their
// password hashes, and role assignments per project.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/latch/appcred"
)

var _ appcred.Directory = (*Directory)(nil)

// ErrInvalidPassword is returned by Authenticate for any mismatch, including
// an unknown user.
var ErrInvalidPassword = errors.New("invalid user or password")

type Role struct {
	ID   string
	Name string
}

type User struct {
	ID           string
	Name         string
	PasswordHash []byte
}

// Directory is safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*User
	roles map[string]Role

	// assignments maps user id, then project id, to role ids.
	assignments map[string]map[string][]string

	// dummyHash keeps Authenticate's cost uniform for unknown users.
	dummyHash []byte
}

func New() *Directory {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("latch-directory"), bcrypt.MinCost)
	return &Directory{
		users:       make(map[string]*User),
		roles:       make(map[string]Role),
		assignments: make(map[string]map[string][]string),
		dummyHash:   dummy,
	}
}

// RegisterRole adds or replaces a role. A blank name defaults to the id.
func (d *Directory) RegisterRole(r Role) {
	if r.Name == "" {
		r.Name = r.ID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[r.ID] = r
}

// AddUser adds or replaces a user.
func (d *Directory) AddUser(u User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if strings.Contains(u.ID, "/") {
		return fmt.Errorf("user id %q must not contain \"/\"", u.ID)
	}
	if len(u.PasswordHash) > 0 {
		if _, err := bcrypt.Cost(u.PasswordHash); err != nil {
			return fmt.Errorf("user %q: password hash is not bcrypt: %w", u.ID, err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := u
	d.users[u.ID] = &cp
	if d.assignments[u.ID] == nil {
		d.assignments[u.ID] = make(map[string][]string)
	}
	return nil
}

// SetPassword hashes plaintext with bcrypt and stores it on the user.
func (d *Directory) SetPassword(userID, plaintext string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return fmt.Errorf("hashing password for %q: %w", userID, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", appcred.ErrUserNotFound, userID)
	}
	u.PasswordHash = hash
	return nil
}

// RemoveUser deletes a user and every assignment they hold.
func (d *Directory) RemoveUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, userID)
	delete(d.assignments, userID)
}

// AssignRole grants a role on a project. ref is a role id or, failing that,
// a role name. Unknown refs register a role whose id and name are both ref.
func (d *Directory) AssignRole(userID, projectID, ref string) error {
	if projectID == "" || ref == "" {
		return errors.New("project and role are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[userID]; !ok {
		return fmt.Errorf("%w: %s", appcred.ErrUserNotFound, userID)
	}

	roleID := d.resolveLocked(ref)
	if roleID == "" {
		d.roles[ref] = Role{ID: ref, Name: ref}
		roleID = ref
	}

	for _, id := range d.assignments[userID][projectID] {
		if id == roleID {
			return nil
		}
	}
	d.assignments[userID][projectID] = append(d.assignments[userID][projectID], roleID)
	return nil
}

func (d *Directory) resolveLocked(ref string) string {
	if _, ok := d.roles[ref]; ok {
		return ref
	}
	for id, r := range d.roles {
		if r.Name == ref {
			return id
		}
	}
	return ""
}

func (d *Directory) UserExists(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

// UserRoles returns the roles userID holds on projectID in assignment order.
func (d *Directory) UserRoles(_ context.Context, userID, projectID string) ([]appcred.RoleRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.assignments[userID][projectID]
	out := make([]appcred.RoleRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, appcred.RoleRef{ID: id, Name: d.roles[id].Name})
	}
	return out, nil
}

// Projects lists the projects on which userID holds at least one role.
func (d *Directory) Projects(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.assignments[userID]))
	for p, ids := range d.assignments[userID] {
		if len(ids) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Authenticate checks password against the user's bcrypt hash.
func (d *Directory) Authenticate(_ context.Context, userID, password string) error {
	d.mu.RLock()
	u, ok := d.users[userID]
	var hash []byte
	if ok {
		hash = u.PasswordHash
	}
	d.mu.RUnlock()

	if !ok || len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(d.dummyHash, []byte(password))
		return ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}
