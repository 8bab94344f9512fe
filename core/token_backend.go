package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/helper"
	"github.com/stephnangue/latch/logical"
)

// tokenBackendFactory serves auth/token/, which lets a caller inspect and
// revoke its own token.
func tokenBackendFactory(tokens *TokenStore, clock func() time.Time) logical.Factory {
	return func(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
		if tokens == nil {
			return nil, errors.New("token backend requires a token store")
		}
		return &framework.Backend{
			Help:         tokenHelp,
			BackendType:  mountTypeToken,
			BackendClass: logical.ClassAuth,
			Paths: []*framework.Path{
				{
					Pattern: "lookup-self",
					Operations: map[logical.Operation]framework.OperationHandler{
						logical.ReadOperation: &framework.PathOperation{
							Callback: func(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
								return lookupSelf(req, clock()), nil
							},
							Summary: "Describe the calling token",
						},
					},
					HelpSynopsis: "Describe the calling token.",
				},
				{
					Pattern: "revoke-self",
					Operations: map[logical.Operation]framework.OperationHandler{
						logical.CreateOperation: &framework.PathOperation{
							Callback: func(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
								if err := tokens.RevokeToken(ctx, req.ClientToken); err != nil && !errors.Is(err, ErrTokenNotFound) {
									return nil, err
								}
								return &logical.Response{StatusCode: http.StatusNoContent}, nil
							},
							Summary: "Revoke the calling token",
						},
					},
					HelpSynopsis: "Revoke the calling token.",
				},
			},
		}, nil
	}
}

func lookupSelf(req *logical.Request, now time.Time) *logical.Response {
	te := req.TokenEntry()
	if te == nil {
		return logical.ErrorResponse(logical.ErrUnauthorized("missing client token"))
	}

	data := map[string]any{
		"accessor":     te.Accessor,
		"principal_id": te.PrincipalID,
		"project_id":   te.ProjectID,
		"roles":        te.Roles,
		"methods":      te.Provenance.Methods,
		"issue_time":   te.CreatedAt.Format(time.RFC3339),
		"expire_time":  te.ExpireAt.Format(time.RFC3339),
		"ttl":          helper.FormatRemaining(te.ExpireAt, now),
	}
	if step := te.Provenance.ApplicationCredential; step != nil {
		data["application_credential"] = map[string]any{
			"id":           step.ID,
			"unrestricted": step.Unrestricted,
		}
	}
	return &logical.Response{Data: data}
}

const tokenHelp = `
The token backend describes and revokes the calling token.
`
