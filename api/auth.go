package api

import (
	"context"
	"errors"
	"net/http"
)

// Auth is used to perform login operations.
type Auth struct {
	c *Client
}

// Auth is used to return the client for login calls.
func (c *Client) Auth() *Auth {
	return &Auth{c: c}
}

// PasswordLogin selects a user, and optionally a project to scope to.
type PasswordLogin struct {
	UserID    string `json:"user_id"`
	Password  string `json:"password"`
	ProjectID string `json:"project_id,omitempty"`
}

// AppCredentialLogin identifies a credential by id, or by name and user.
type AppCredentialLogin struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Secret string `json:"secret"`
}

// LoginPassword authenticates with a password and sets the resulting token
// on the client.
func (a *Auth) LoginPassword(ctx context.Context, in *PasswordLogin) (*ResourceAuth, error) {
	return a.login(ctx, "password", in)
}

// LoginAppCredential authenticates with an application credential and sets
// the resulting token on the client.
func (a *Auth) LoginAppCredential(ctx context.Context, in *AppCredentialLogin) (*ResourceAuth, error) {
	return a.login(ctx, "application_credential", in)
}

func (a *Auth) login(ctx context.Context, method string, body any) (*ResourceAuth, error) {
	ctx, cancelFunc := a.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := a.c.NewRequest(http.MethodPost, "/v1/auth/"+method+"/login")
	if err := r.SetJSONBody(body); err != nil {
		return nil, err
	}

	resp, err := a.c.RawRequestWithContext(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	resource, err := ParseResource(resp.Body)
	if err != nil {
		return nil, err
	}
	if resource == nil || resource.Auth == nil || resource.Auth.ClientToken == "" {
		return nil, errors.New("login response carried no token")
	}

	a.c.SetToken(resource.Auth.ClientToken)
	return resource.Auth, nil
}
