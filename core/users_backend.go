package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/guard"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

type usersBackend struct {
	*framework.Backend
	manager *appcred.Manager
	logger  logger.Logger
}

// usersBackendFactory returns the factory of the backend mounted at users/,
// which exposes application credential management.
func usersBackendFactory(manager *appcred.Manager) logical.Factory {
	return func(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
		if manager == nil {
			return nil, errors.New("users backend requires a credential manager")
		}
		b := &usersBackend{manager: manager, logger: conf.Logger}
		b.Backend = &framework.Backend{
			Help:         usersHelp,
			BackendType:  mountTypeUsers,
			BackendClass: logical.ClassResource,
			Paths: []*framework.Path{
				b.pathCredentials(),
				b.pathCredential(),
			},
		}
		return b, nil
	}
}

var credentialFields = map[string]*framework.FieldSchema{
	"user_id": {
		Type:        framework.TypeString,
		Description: "Owner of the application credentials.",
	},
	"name": {
		Type:        framework.TypeString,
		Description: "Credential name. On list, only credentials with this name are returned.",
	},
	"description": {
		Type:        framework.TypeString,
		Description: "Free-form description.",
	},
	"secret": {
		Type:        framework.TypeString,
		Description: "Secret to use instead of a generated one.",
	},
	"roles": {
		Type:        framework.TypeSlice,
		Description: "Roles to bind, as role ids or objects with an id or a name. Defaults to every role held on the project.",
	},
	"expires_at": {
		Type:        framework.TypeString,
		Description: "Expiration timestamp. Empty means the credential never expires.",
	},
	"unrestricted": {
		Type:        framework.TypeBool,
		Description: "Allow sessions from this credential to manage application credentials.",
	},
	"access_rules": {
		Type:        framework.TypeSlice,
		Description: "Fine-grained access rules, objects with service, path and method.",
	},
}

func (b *usersBackend) pathCredentials() *framework.Path {
	return &framework.Path{
		Pattern: `(?P<user_id>[^/]+)/application_credentials/?`,
		Fields:  credentialFields,
		Operations: map[logical.Operation]framework.OperationHandler{
			logical.CreateOperation: &framework.PathOperation{
				Callback: b.handleCreate,
				Summary:  "Create an application credential",
			},
			logical.ReadOperation: &framework.PathOperation{
				Callback: b.handleList,
				Summary:  "List application credentials",
			},
			logical.ListOperation: &framework.PathOperation{
				Callback: b.handleList,
				Summary:  "List application credentials",
			},
		},
		HelpSynopsis:    "Create and list a user's application credentials.",
		HelpDescription: "Create binds the credential to the project and roles of the calling token. The secret is returned only in the create response.",
	}
}

func (b *usersBackend) pathCredential() *framework.Path {
	return &framework.Path{
		Pattern: `(?P<user_id>[^/]+)/application_credentials/(?P<id>[^/]+)`,
		Fields: map[string]*framework.FieldSchema{
			"user_id": {
				Type:        framework.TypeString,
				Description: "Owner of the application credential.",
			},
			"id": {
				Type:        framework.TypeString,
				Description: "Application credential id.",
			},
		},
		Operations: map[logical.Operation]framework.OperationHandler{
			logical.ReadOperation: &framework.PathOperation{
				Callback: b.handleRead,
				Summary:  "Read an application credential",
			},
			logical.DeleteOperation: &framework.PathOperation{
				Callback: b.handleDelete,
				Summary:  "Delete an application credential",
			},
		},
		HelpSynopsis:    "Read or delete an application credential.",
		HelpDescription: "Application credentials are immutable. Reads never include the secret.",
	}
}

// authorize runs the escalation guard for the caller against the path owner.
func (b *usersBackend) authorize(req *logical.Request, owner string) error {
	action, ok := guard.ActionFor(req.Operation)
	if !ok {
		return fmt.Errorf("%w: operation %s", appcred.ErrForbidden, req.Operation)
	}
	if err := guard.Authorize(owner, req.TokenEntry(), action); err != nil {
		b.logger.Warn("application credential operation denied",
			logger.String("user_id", owner),
			logger.String("operation", action.String()),
			logger.String("reason", err.Error()),
			logger.String("request_id", req.ID),
		)
		return err
	}
	return nil
}

func (b *usersBackend) handleCreate(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	owner := d.Get("user_id").(string)
	if err := b.authorize(req, owner); err != nil {
		return b.errorResponse(req, err), nil
	}

	roles, err := parseRoles(d.Get("roles").([]any))
	if err != nil {
		return logical.ErrorResponse(logical.ErrBadRequest(err.Error())), nil
	}
	if len(roles) == 0 {
		// default to what the calling token carries, never more
		for _, id := range req.TokenEntry().Roles {
			roles = append(roles, appcred.RoleRef{ID: id})
		}
	}
	rules, err := parseAccessRules(d.Get("access_rules").([]any))
	if err != nil {
		return logical.ErrorResponse(logical.ErrBadRequest(err.Error())), nil
	}

	creq := appcred.CreateRequest{
		Name:         d.Get("name").(string),
		Description:  d.Get("description").(string),
		Secret:       d.Get("secret").(string),
		Roles:        roles,
		Unrestricted: d.Get("unrestricted").(bool),
		AccessRules:  rules,
	}
	if raw, ok := d.GetOk("expires_at"); ok {
		creq.ExpiresAt = raw
	}

	issued, err := b.manager.Create(ctx, owner, req.TokenEntry().ProjectID, creq)
	if err != nil {
		return b.errorResponse(req, err), nil
	}

	data := credentialData(&issued.Credential)
	data["secret"] = issued.Secret
	return logical.CreatedResponse(map[string]any{"application_credential": data}), nil
}

func (b *usersBackend) handleList(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	owner := d.Get("user_id").(string)
	if err := b.authorize(req, owner); err != nil {
		return b.errorResponse(req, err), nil
	}

	creds, err := b.manager.List(ctx, owner, appcred.ListFilter{Name: d.Get("name").(string)})
	if err != nil {
		return b.errorResponse(req, err), nil
	}

	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialData(c))
	}
	return &logical.Response{
		Data: map[string]any{"application_credentials": out},
	}, nil
}

func (b *usersBackend) handleRead(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	owner := d.Get("user_id").(string)
	if err := b.authorize(req, owner); err != nil {
		return b.errorResponse(req, err), nil
	}

	cred, err := b.manager.Get(ctx, owner, d.Get("id").(string))
	if err != nil {
		return b.errorResponse(req, err), nil
	}
	return &logical.Response{
		Data: map[string]any{"application_credential": credentialData(cred)},
	}, nil
}

func (b *usersBackend) handleDelete(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	owner := d.Get("user_id").(string)
	if err := b.authorize(req, owner); err != nil {
		return b.errorResponse(req, err), nil
	}

	if err := b.manager.Delete(ctx, owner, d.Get("id").(string)); err != nil {
		return b.errorResponse(req, err), nil
	}
	return &logical.Response{StatusCode: http.StatusNoContent}, nil
}

// errorResponse maps a domain error onto a response, logging the ones
// whose detail is hidden from the caller.
func (b *usersBackend) errorResponse(req *logical.Request, err error) *logical.Response {
	coded := appcred.ToCodedError(err)
	if coded.Status >= http.StatusInternalServerError {
		b.logger.Error("application credential operation failed",
			logger.Err(err),
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
	}
	return logical.ErrorResponse(coded)
}

func credentialData(c *appcred.Credential) map[string]any {
	roles := make([]map[string]any, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, map[string]any{"id": r.ID, "name": r.Name})
	}
	data := map[string]any{
		"id":           c.ID,
		"name":         c.Name,
		"description":  c.Description,
		"user_id":      c.UserID,
		"project_id":   c.ProjectID,
		"roles":        roles,
		"expires_at":   nil,
		"unrestricted": c.Unrestricted,
	}
	if c.ExpiresAt != nil {
		data["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if len(c.AccessRules) > 0 {
		rules := make([]map[string]any, 0, len(c.AccessRules))
		for _, r := range c.AccessRules {
			rules = append(rules, map[string]any{
				"id":      r.ID,
				"service": r.Service,
				"path":    r.Path,
				"method":  r.Method,
			})
		}
		data["access_rules"] = rules
	}
	return data
}

// parseRoles accepts role ids as plain strings, or objects with an id or a
// name.
func parseRoles(raw []any) ([]appcred.RoleRef, error) {
	roles := make([]appcred.RoleRef, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			roles = append(roles, appcred.RoleRef{ID: v})
		case map[string]any:
			var ref appcred.RoleRef
			if err := decodeStrict(v, &ref); err != nil {
				return nil, fmt.Errorf("roles[%d]: %w", i, err)
			}
			roles = append(roles, ref)
		default:
			return nil, fmt.Errorf("roles[%d]: expected a role id or an object, got %T", i, item)
		}
	}
	return roles, nil
}

func parseAccessRules(raw []any) ([]appcred.AccessRule, error) {
	rules := make([]appcred.AccessRule, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("access_rules[%d]: expected an object, got %T", i, item)
		}
		var rule appcred.AccessRule
		if err := decodeStrict(m, &rule); err != nil {
			return nil, fmt.Errorf("access_rules[%d]: %w", i, err)
		}
		// ids are always assigned by the server
		rule.ID = ""
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeStrict(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

const usersHelp = `
The users backend manages the application credentials of each user. A token
may only manage its own user's credentials, and a token obtained from a
restricted application credential may only read them.
`
