package api

import (
	"context"
	"net/http"
)

// HealthResponse is the body of /v1/sys/health.
type HealthResponse struct {
	Initialized bool     `json:"initialized"`
	AuthMethods []string `json:"auth_methods"`
}

// Health reports whether the server is up and which login methods it has.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancelFunc := c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := c.RawRequestWithContext(ctx, c.NewRequest(http.MethodGet, "/v1/sys/health"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out HealthResponse
	if err := resp.DecodeJSON(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
