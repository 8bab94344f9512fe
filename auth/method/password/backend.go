package password

import (
	"context"
	"errors"
	"time"

	"github.com/stephnangue/latch/appcred"
	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// BackendType is the mount type and the provenance method name.
const BackendType = logical.MethodPassword

// Authenticator is the part of the directory the password method uses.
type Authenticator interface {
	appcred.Directory
	Authenticate(ctx context.Context, userID, password string) error
}

// Config configures the password method.
type Config struct {
	Directory Authenticator
	TokenTTL  time.Duration
}

type passwordBackend struct {
	*framework.Backend
	conf   Config
	logger logger.Logger
}

// Factory returns a logical.Factory bound to conf.
func Factory(conf Config) logical.Factory {
	return func(ctx context.Context, bc *logical.BackendConfig) (logical.Backend, error) {
		if conf.Directory == nil {
			return nil, errors.New("password method requires a directory")
		}
		if conf.TokenTTL <= 0 {
			conf.TokenTTL = time.Hour
		}

		b := &passwordBackend{conf: conf, logger: bc.Logger}
		b.Backend = &framework.Backend{
			Help:         passwordHelp,
			BackendType:  BackendType,
			BackendClass: logical.ClassAuth,
			PathsSpecial: &logical.Paths{
				Unauthenticated: []string{"login"},
			},
			Paths: []*framework.Path{
				b.pathLogin(),
			},
		}
		return b, nil
	}
}

func (b *passwordBackend) pathLogin() *framework.Path {
	return &framework.Path{
		Pattern: "login",
		Fields: map[string]*framework.FieldSchema{
			"user_id": {
				Type:        framework.TypeString,
				Description: "User to authenticate as.",
				Required:    true,
			},
			"password": {
				Type:        framework.TypeString,
				Description: "The user's password.",
				Required:    true,
			},
			"project_id": {
				Type:        framework.TypeString,
				Description: "Project to scope the session to. Unscoped sessions carry no roles.",
			},
		},
		Operations: map[logical.Operation]framework.OperationHandler{
			logical.CreateOperation: &framework.PathOperation{
				Callback: b.handleLogin,
				Summary:  "Authenticate with a user id and password",
			},
			logical.UpdateOperation: &framework.PathOperation{
				Callback: b.handleLogin,
				Summary:  "Authenticate with a user id and password",
			},
		},
		HelpSynopsis:    "Authenticate with a user id and password.",
		HelpDescription: "Verifies the password and issues a primary session, optionally scoped to a project on which the user holds roles.",
	}
}

func (b *passwordBackend) handleLogin(ctx context.Context, req *logical.Request, d *framework.FieldData) (*logical.Response, error) {
	userID := d.Get("user_id").(string)
	password := d.Get("password").(string)
	projectID := d.Get("project_id").(string)
	if userID == "" || password == "" {
		return logical.ErrorResponse(logical.ErrBadRequest("user_id and password are required")), nil
	}

	if err := b.conf.Directory.Authenticate(ctx, userID, password); err != nil {
		b.logger.Warn("password login rejected",
			logger.String("user_id", userID),
			logger.String("client_ip", req.ClientIP),
			logger.String("request_id", req.ID),
		)
		return logical.ErrorResponse(logical.ErrUnauthorized("invalid user or password")), nil
	}

	roles := []string{}
	if projectID != "" {
		held, err := b.conf.Directory.UserRoles(ctx, userID, projectID)
		if err != nil {
			return nil, err
		}
		if len(held) == 0 {
			return logical.ErrorResponse(logical.ErrUnauthorized("user has no roles on the requested project")), nil
		}
		for _, r := range held {
			roles = append(roles, r.ID)
		}
	}

	b.logger.Info("password login",
		logger.String("user_id", userID),
		logger.String("project_id", projectID),
		logger.String("request_id", req.ID),
	)

	return &logical.Response{
		Auth: &logical.Auth{
			PrincipalID: userID,
			ProjectID:   projectID,
			Roles:       roles,
			Provenance:  logical.Provenance{Methods: []string{logical.MethodPassword}},
			TokenTTL:    b.conf.TokenTTL,
		},
		Data: map[string]any{
			"user_id":    userID,
			"project_id": projectID,
		},
	}, nil
}

const passwordHelp = `
The password method authenticates users held in the directory and issues
primary sessions.
`
