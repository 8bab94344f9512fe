package appcred

import (
	"fmt"
)

// BindRoles resolves requested against the roles the user holds on the
// target project and returns the snapshot to store on the credential.
//
// An empty request binds every held role. A reference matches a held role
// by ID, or by Name when it has no ID. The result keeps request order and
// drops duplicates.
func BindRoles(requested, held []RoleRef) ([]RoleRef, error) {
	if len(held) == 0 {
		return nil, fmt.Errorf("%w: user has no roles on the project", ErrValidation)
	}
	if len(requested) == 0 {
		return dedupe(held), nil
	}

	byID := make(map[string]RoleRef, len(held))
	byName := make(map[string]RoleRef, len(held))
	for _, r := range held {
		byID[r.ID] = r
		if r.Name != "" {
			byName[r.Name] = r
		}
	}

	bound := make([]RoleRef, 0, len(requested))
	for _, want := range requested {
		var (
			got RoleRef
			ok  bool
		)
		switch {
		case want.ID != "":
			got, ok = byID[want.ID]
		case want.Name != "":
			got, ok = byName[want.Name]
		default:
			return nil, fmt.Errorf("%w: role reference needs an id or a name", ErrValidation)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotAssigned, want.label())
		}
		bound = append(bound, got)
	}
	return dedupe(bound), nil
}

func (r RoleRef) label() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

func dedupe(roles []RoleRef) []RoleRef {
	seen := make(map[string]struct{}, len(roles))
	out := make([]RoleRef, 0, len(roles))
	for _, r := range roles {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
