package logical

import (
	"net/http"
)

// Operation is an enum that is used to specify the type
// of request being made
type Operation string

const (
	CreateOperation Operation = "create"
	ReadOperation   Operation = "read"
	UpdateOperation Operation = "update"
	PatchOperation  Operation = "patch"
	DeleteOperation Operation = "delete"
	ListOperation   Operation = "list"
	HelpOperation   Operation = "help"
)

// Request is a struct that stores the parameters and context of a request
// being made to latch. It abstracts the details of the higher level request
// protocol from the handlers.
type Request struct {
	// ID is the request id, generated by the HTTP layer when the client
	// didn't send one.
	ID string `json:"id"`

	// Operation is the requested operation type
	Operation Operation `json:"operation"`

	// Path is the request path relative to the mount point once the router
	// has dispatched the request.
	Path string `json:"path"`

	// Data is an opaque map that must have string keys.
	Data map[string]any `json:"data"`

	// MountPoint is the prefix the request was routed through, e.g. "auth/password/".
	MountPoint string `json:"mount_point"`

	// MountType is the type of the backend serving MountPoint.
	MountType string `json:"mount_type"`

	// ClientToken is the raw token presented by the caller, if any.
	ClientToken string `json:"-"`

	// ClientIP is the remote address of the caller.
	ClientIP string `json:"client_ip"`

	// HTTPRequest, if set, is the request that generated this one.
	HTTPRequest *http.Request `json:"-"`

	// Unauthenticated is true when the path didn't require a token.
	Unauthenticated bool `json:"unauthenticated"`

	tokenEntry *TokenEntry
}

// TokenEntry returns the resolved token of the caller. It is nil for
// unauthenticated paths.
func (r *Request) TokenEntry() *TokenEntry {
	return r.tokenEntry
}

// SetTokenEntry attaches the resolved token to the request.
func (r *Request) SetTokenEntry(te *TokenEntry) {
	r.tokenEntry = te
}
