package core

import (
	"context"
	"errors"
	"strings"

	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

// HandleRequest authenticates req, routes it to its backend and turns a
// successful login into a token. Paths are relative to /v1/.
func (c *Core) HandleRequest(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	req.Path = strings.TrimPrefix(req.Path, "/")

	req.Unauthenticated = c.router.IsUnauthenticated(req.Path)
	var authErr error
	if !req.Unauthenticated {
		te, err := c.checkToken(ctx, req)
		if err != nil {
			authErr = err
		} else {
			req.SetTokenEntry(te)
		}
	}

	if err := c.auditRequest(ctx, req, authErr); err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}

	resp, err := c.handleRequest(ctx, req)
	if auditErr := c.auditResponse(ctx, req, resp, err); auditErr != nil {
		return nil, auditErr
	}
	return resp, err
}

func (c *Core) handleRequest(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	resp, err := c.router.Route(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp == nil || resp.IsError() || resp.Auth == nil {
		return resp, nil
	}

	value, te, err := c.tokens.IssueToken(ctx, resp.Auth, req)
	if err != nil {
		c.logger.Error("failed to issue token",
			logger.Err(err),
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
		return nil, logical.ErrInternal(ErrInternalError.Error())
	}
	resp.Auth.ClientToken = value
	resp.Auth.Accessor = te.Accessor
	resp.Auth.ExpireAt = te.ExpireAt
	resp.Auth.TokenTTL = te.ExpireAt.Sub(te.CreatedAt)

	return resp, nil
}

func (c *Core) checkToken(ctx context.Context, req *logical.Request) (*logical.TokenEntry, error) {
	if req.ClientToken == "" {
		return nil, logical.ErrUnauthorized("missing client token")
	}

	te, err := c.tokens.LookupToken(ctx, req.ClientToken)
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenExpired):
		c.logger.Debug("token rejected",
			logger.String("reason", err.Error()),
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
		return nil, logical.ErrUnauthorized("invalid or expired token")
	case err != nil:
		c.logger.Error("token lookup failed",
			logger.Err(err),
			logger.String("request_id", req.ID),
		)
		return nil, logical.ErrInternal(ErrInternalError.Error())
	}
	return te, nil
}
