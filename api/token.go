package api

import (
	"context"
	"errors"
	"net/http"
)

// TokenInfo describes the calling token.
type TokenInfo struct {
	Accessor              string                `json:"accessor"`
	PrincipalID           string                `json:"principal_id"`
	ProjectID             string                `json:"project_id"`
	Roles                 []string              `json:"roles"`
	Methods               []string              `json:"methods"`
	IssueTime             string                `json:"issue_time"`
	ExpireTime            string                `json:"expire_time"`
	TTL                   string                `json:"ttl"`
	ApplicationCredential *AppCredentialSummary `json:"application_credential"`
}

// LookupSelf describes the client's own token.
func (c *Client) LookupSelf(ctx context.Context) (*TokenInfo, error) {
	if c.Token() == "" {
		return nil, ErrNoToken
	}

	ctx, cancelFunc := c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := c.RawRequestWithContext(ctx, c.NewRequest(http.MethodGet, "/v1/auth/token/lookup-self"))
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

	var info TokenInfo
	if err := decodeData(resource.Data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RevokeSelf revokes the client's token and clears it from the client.
func (c *Client) RevokeSelf(ctx context.Context) error {
	if c.Token() == "" {
		return ErrNoToken
	}

	ctx, cancelFunc := c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := c.RawRequestWithContext(ctx, c.NewRequest(http.MethodPost, "/v1/auth/token/revoke-self"))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.ClearToken()
	return nil
}
