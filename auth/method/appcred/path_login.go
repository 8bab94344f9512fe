package appcred

import (
	"context"
	"errors"
	"time"

	ac "github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// errInvalid is the only failure a caller ever sees, whatever the cause.
const errInvalid = "invalid application credential"

func (b *appCredBackend) pathLogin() *framework.Path {
	return &framework.Path{
		Pattern: "login",
		Fields: map[string]*framework.FieldSchema{
			"id": {
				Type:        framework.TypeString,
				Description: "Application credential id. Either id, or name with user_id, is required.",
			},
			"name": {
				Type:        framework.TypeString,
				Description: "Application credential name, resolved within user_id.",
			},
			"user_id": {
				Type:        framework.TypeString,
				Description: "Owner of the named application credential.",
			},
			"secret": {
				Type:        framework.TypeString,
				Description: "Application credential secret.",
				Required:    true,
			},
		},
		Operations: map[logical.Operation]framework.OperationHandler{
			logical.CreateOperation: &framework.PathOperation{
				Callback: b.handleLogin,
				Summary:  "Authenticate with an application credential",
			},
			logical.UpdateOperation: &framework.PathOperation{
				Callback: b.handleLogin,
				Summary:  "Authenticate with an application credential",
			},
		},
		HelpSynopsis:    "Authenticate with an application credential.",
		HelpDescription: "Exchanges an application credential id and secret for a token carrying the credential's project, roles and provenance.",
	}
}

func (b *appCredBackend) handleLogin(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	secret := d.Get("secret").(string)
	if secret == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("missing secret")), nil
	}

	now := b.conf.Clock()

	rec, key, err := b.resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("missing id, or name and user_id")), nil
	}

	budget := limiterKey(req.ClientIP, key)
	if !b.allow(budget, now) {
		b.reject(key, "rate limited", req)
		return logical.ErrorResponse(logical.ErrUnauthorized(errInvalid)), nil
	}

	if reason := b.check(ctx, rec, secret, now); reason != "" {
		b.charge(budget, now)
		b.reject(key, reason, req)
		return logical.ErrorResponse(logical.ErrUnauthorized(errInvalid)), nil
	}

	roles := make([]string, 0, len(rec.Roles))
	for _, r := range rec.Roles {
		roles = append(roles, r.ID)
	}

	auth := &logical.Auth{
		PrincipalID: rec.UserID,
		ProjectID:   rec.ProjectID,
		Roles:       roles,
		Provenance: logical.Provenance{
			Methods: []string{logical.MethodApplicationCredential},
			ApplicationCredential: &logical.AppCredentialStep{
				ID:           rec.ID,
				Unrestricted: rec.Unrestricted,
			},
		},
		TokenTTL: b.conf.TokenTTL,
	}
	if rec.ExpiresAt != nil {
		auth.ExpireAt = *rec.ExpiresAt
	}

	b.logger.Info("application credential login",
		logger.String("application_credential_id", rec.ID),
		logger.String("user_id", rec.UserID),
		logger.String("project_id", rec.ProjectID),
		logger.String("request_id", req.ID),
	)

	return &logical.Response{
		Auth: auth,
		Data: map[string]any{
			"user_id":                   rec.UserID,
			"project_id":                rec.ProjectID,
			"application_credential_id": rec.ID,
		},
	}, nil
}

// resolve finds the credential named by the request. key is the id used for
// rate limiting and is empty when the request names nothing. A missing
// credential is not an error here; check reports it.
func (b *appCredBackend) resolve(ctx context.Context, d *framework.FieldData) (*ac.Record, string, error) {
	if id := d.Get("id").(string); id != "" {
		rec, err := b.conf.Manager.Lookup(ctx, id)
		if err != nil && !errors.Is(err, ac.ErrNotFound) {
			return nil, "", err
		}
		return rec, id, nil
	}

	name, user := d.Get("name").(string), d.Get("user_id").(string)
	if name == "" || user == "" {
		return nil, "", nil
	}
	key := user + "/" + name

	creds, err := b.conf.Manager.List(ctx, user, ac.ListFilter{Name: name})
	if err != nil {
		return nil, "", err
	}
	// a name reused across projects is ambiguous
	if len(creds) != 1 {
		return nil, key, nil
	}
	rec, err := b.conf.Manager.Lookup(ctx, creds[0].ID)
	if err != nil && !errors.Is(err, ac.ErrNotFound) {
		return nil, "", err
	}
	return rec, key, nil
}

// check returns why rec cannot be used, or "" when it can.
func (b *appCredBackend) check(ctx context.Context, rec *ac.Record, secret string, now time.Time) string {
	if rec == nil {
		b.conf.Manager.Secrets().Verify(secret, b.dummyHash)
		return "not found"
	}
	if !b.conf.Manager.Secrets().Verify(secret, rec.SecretHash) {
		return "secret mismatch"
	}
	if rec.Expired(now) {
		return "expired"
	}
	exists, err := b.conf.Directory.UserExists(ctx, rec.UserID)
	if err != nil {
		b.logger.Error("owner lookup failed", logger.Err(err), logger.String("user_id", rec.UserID))
		return "owner lookup failed"
	}
	if !exists {
		return "owner no longer exists"
	}
	return ""
}

func (b *appCredBackend) reject(key, reason string, req *logical.Request) {
	b.logger.Warn("application credential login rejected",
		logger.String("credential", key),
		logger.String("reason", reason),
		logger.String("client_ip", req.ClientIP),
		logger.String("request_id", req.ID),
	)
}
