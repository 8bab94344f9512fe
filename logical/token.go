package logical

import (
	"context"
	"time"
)

// TokenEntry is a persisted session token. The raw token value is never
// stored, only its hash (ID).
type TokenEntry struct {
	ID       string `json:"id"`
	Accessor string `json:"accessor"`

	PrincipalID string   `json:"principal_id"`
	ProjectID   string   `json:"project_id,omitempty"`
	Roles       []string `json:"roles"`

	Provenance Provenance `json:"provenance"`

	CreatedAt      time.Time `json:"created_at"`
	CreatedByIP    string    `json:"created_by_ip,omitempty"`
	CreatedByReqID string    `json:"created_by_req_id,omitempty"`
	ExpireAt       time.Time `json:"expire_at"`
}

// IsExpired reports whether the token is no longer valid at now.
func (t *TokenEntry) IsExpired(now time.Time) bool {
	return !t.ExpireAt.IsZero() && !now.Before(t.ExpireAt)
}

// TokenAccess resolves presented token values.
type TokenAccess interface {
	LookupToken(ctx context.Context, value string) (*TokenEntry, error)
}
