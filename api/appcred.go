package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Role is a role reference. Either field identifies the role on input.
type Role struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type AccessRule struct {
	ID      string `json:"id,omitempty"`
	Service string `json:"service"`
	Path    string `json:"path"`
	Method  string `json:"method"`
}

// ApplicationCredential is the read view of a credential. Secret is only
// set on the response to a create.
type ApplicationCredential struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	UserID       string       `json:"user_id"`
	ProjectID    string       `json:"project_id"`
	Roles        []Role       `json:"roles"`
	ExpiresAt    *time.Time   `json:"expires_at"`
	Unrestricted bool         `json:"unrestricted"`
	AccessRules  []AccessRule `json:"access_rules"`
	Secret       string       `json:"secret,omitempty"`
}

// CreateAppCredentialInput is the body of a create. A zero ExpiresAt means
// the credential never expires; nil Roles means the calling token's roles.
type CreateAppCredentialInput struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Secret       string       `json:"secret,omitempty"`
	Roles        []Role       `json:"roles,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	Unrestricted bool         `json:"unrestricted,omitempty"`
	AccessRules  []AccessRule `json:"access_rules,omitempty"`
}

// AppCredentials is used to manage one user's application credentials.
type AppCredentials struct {
	c      *Client
	userID string
}

// AppCredentials returns the credential API for userID.
func (c *Client) AppCredentials(userID string) *AppCredentials {
	return &AppCredentials{c: c, userID: userID}
}

func (a *AppCredentials) collectionPath() string {
	return fmt.Sprintf("/v1/users/%s/application_credentials", url.PathEscape(a.userID))
}

func (a *AppCredentials) itemPath(id string) string {
	return a.collectionPath() + "/" + url.PathEscape(id)
}

// Create makes a credential. The returned value carries the secret, which
// the server never reveals again.
func (a *AppCredentials) Create(ctx context.Context, in *CreateAppCredentialInput) (*ApplicationCredential, error) {
	ctx, cancelFunc := a.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := a.c.NewRequest(http.MethodPost, a.collectionPath())
	if err := r.SetJSONBody(in); err != nil {
		return nil, err
	}

	resp, err := a.c.RawRequestWithContext(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeCredential(resp)
}

// Get reads one credential.
func (a *AppCredentials) Get(ctx context.Context, id string) (*ApplicationCredential, error) {
	ctx, cancelFunc := a.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := a.c.RawRequestWithContext(ctx, a.c.NewRequest(http.MethodGet, a.itemPath(id)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeCredential(resp)
}

// List returns the user's credentials, narrowed to an exact name when name
// is not empty.
func (a *AppCredentials) List(ctx context.Context, name string) ([]*ApplicationCredential, error) {
	ctx, cancelFunc := a.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	r := a.c.NewRequest(http.MethodGet, a.collectionPath())
	if name != "" {
		r.Params.Set("name", name)
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
	if resource == nil || resource.Data == nil {
		return nil, errors.New("data from server response is empty")
	}

	var out []*ApplicationCredential
	if err := decodeData(resource.Data["application_credentials"], &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a credential.
func (a *AppCredentials) Delete(ctx context.Context, id string) error {
	ctx, cancelFunc := a.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := a.c.RawRequestWithContext(ctx, a.c.NewRequest(http.MethodDelete, a.itemPath(id)))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func decodeCredential(resp *Response) (*ApplicationCredential, error) {
	resource, err := ParseResource(resp.Body)
	if err != nil {
		return nil, err
	}
	if resource == nil || resource.Data == nil {
		return nil, errors.New("data from server response is empty")
	}

	raw, ok := resource.Data["application_credential"]
	if !ok {
		return nil, errors.New("response carried no application_credential")
	}

	var out ApplicationCredential
	if err := decodeData(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
