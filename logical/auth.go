package logical

import (
	"slices"
	"time"
)

// Authentication method names recorded in a token's provenance.
const (
	MethodPassword              = "password"
	MethodApplicationCredential = "application_credential"
)

// Auth is the resulting authentication information that is part of
// Response for auth backends.
type Auth struct {
	// PrincipalID is the id of the authenticated user.
	PrincipalID string `json:"principal_id"`

	// ProjectID is the scope the session is valid for. Empty means unscoped.
	ProjectID string `json:"project_id,omitempty"`

	// Roles are the role ids the session carries on ProjectID.
	Roles []string `json:"roles"`

	// Provenance records how the session was obtained.
	Provenance Provenance `json:"provenance"`

	// TokenTTL is the requested lifetime of the issued token.
	TokenTTL time.Duration `json:"-"`

	// ExpireAt, when set, is a hard deadline the token must not outlive.
	ExpireAt time.Time `json:"-"`

	// ClientToken and Accessor are filled in by the core once the token
	// has been issued.
	ClientToken string `json:"client_token,omitempty"`
	Accessor    string `json:"accessor,omitempty"`
}

// Provenance is the immutable authentication chain stamped on a token at
// issuance time.
type Provenance struct {
	// Methods lists the authentication methods that produced the session,
	// in order.
	Methods []string `json:"methods"`

	// ApplicationCredential is set when one of the steps was an application
	// credential login.
	ApplicationCredential *AppCredentialStep `json:"application_credential,omitempty"`
}

// AppCredentialStep describes the application credential used in a chain.
type AppCredentialStep struct {
	ID           string `json:"id"`
	Unrestricted bool   `json:"unrestricted"`
}

// ViaApplicationCredential reports whether the chain includes an
// application credential login.
func (p Provenance) ViaApplicationCredential() bool {
	return p.ApplicationCredential != nil || slices.Contains(p.Methods, MethodApplicationCredential)
}

// Unrestricted reports whether the application credential step, if any,
// carries the unrestricted flag. A chain that names the method without a
// step record is treated as restricted.
func (p Provenance) Unrestricted() bool {
	return p.ApplicationCredential != nil && p.ApplicationCredential.Unrestricted
}
