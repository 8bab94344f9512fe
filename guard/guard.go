// Package guard decides whether a session may act on application
// credentials, given how it was authenticated.
//
// A session obtained from an application credential must not mint or delete
// application credentials, otherwise a leaked credential could renew itself
// indefinitely. The exception is a credential created as unrestricted.
package guard

import (
	"fmt"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/logical"
)

// Action is an operation on application credentials.
type Action int

const (
	ActionRead Action = iota
	ActionList
	ActionCreate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionList:
		return "list"
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a Action) mutating() bool {
	return a == ActionCreate || a == ActionDelete
}

// ActionFor maps a logical operation to an Action. Operations with no
// meaning for credentials report false.
func ActionFor(op logical.Operation) (Action, bool) {
	switch op {
	case logical.ReadOperation:
		return ActionRead, true
	case logical.ListOperation:
		return ActionList, true
	case logical.CreateOperation:
		return ActionCreate, true
	case logical.DeleteOperation:
		return ActionDelete, true
	}
	return 0, false
}

// Decision is the outcome of Evaluate.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

type row struct {
	viaAppCred   bool
	unrestricted bool
	mutating     bool
	decision     Decision
}

// table lists every reachable combination. A chain without an application
// credential step cannot be unrestricted, so those rows are absent and fall
// through to Deny.
var table = []row{
	{viaAppCred: false, unrestricted: false, mutating: false, decision: Allow},
	{viaAppCred: false, unrestricted: false, mutating: true, decision: Allow},
	{viaAppCred: true, unrestricted: false, mutating: false, decision: Allow},
	{viaAppCred: true, unrestricted: false, mutating: true, decision: Deny},
	{viaAppCred: true, unrestricted: true, mutating: false, decision: Allow},
	{viaAppCred: true, unrestricted: true, mutating: true, decision: Allow},
}

// Evaluate returns the decision for action on a session with provenance p.
func Evaluate(p logical.Provenance, action Action) Decision {
	if action < ActionRead || action > ActionDelete {
		return Deny
	}
	via, unrestricted, mutating := p.ViaApplicationCredential(), p.Unrestricted(), action.mutating()
	for _, r := range table {
		if r.viaAppCred == via && r.unrestricted == unrestricted && r.mutating == mutating {
			return r.decision
		}
	}
	return Deny
}

// Authorize checks that entry may perform action on credentials owned by
// owner. The owner check comes first: a session only ever manages its own
// user's credentials.
func Authorize(owner string, entry *logical.TokenEntry, action Action) error {
	if entry == nil {
		return appcred.ErrUnauthorized
	}
	if entry.PrincipalID != owner {
		return fmt.Errorf("%w: token principal %q does not own %q", appcred.ErrForbidden, entry.PrincipalID, owner)
	}
	if Evaluate(entry.Provenance, action) == Deny {
		return fmt.Errorf("%w: %s of application credentials is not permitted for this authentication chain",
			appcred.ErrForbidden, action)
	}
	return nil
}
