package core

import (
	"context"
	"time"

	"github.com/stephnangue/latch/audit"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

func (c *Core) auditRequest(ctx context.Context, req *logical.Request, authErr error) error {
	if c.audit == nil {
		return nil
	}

	entry := c.auditEntry(req)
	if authErr != nil {
		entry.Error = authErr.Error()
	}
	ok, err := c.audit.LogRequest(ctx, entry)
	if err != nil {
		c.logger.Error("failed to audit request",
			logger.Err(err),
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
	}
	if !ok {
		return logical.ErrInternal(ErrInternalError.Error())
	}
	return nil
}

func (c *Core) auditResponse(ctx context.Context, req *logical.Request, resp *logical.Response, respErr error) error {
	if c.audit == nil {
		return nil
	}

	entry := c.auditEntry(req)
	entry.Response = &audit.Response{StatusCode: logical.StatusCode(respErr)}
	if respErr != nil {
		entry.Error = respErr.Error()
	}
	if resp != nil {
		if resp.StatusCode != 0 {
			entry.Response.StatusCode = resp.StatusCode
		}
		if resp.Err != nil {
			entry.Error = resp.Err.Error()
		}
		entry.Response.Data = resp.Data
		entry.Response.Warnings = resp.Warnings
		if a := resp.Auth; a != nil && a.ClientToken != "" {
			entry.Response.Auth = &audit.Auth{
				ClientToken: a.ClientToken,
				Accessor:    a.Accessor,
				PrincipalID: a.PrincipalID,
				ProjectID:   a.ProjectID,
				Roles:       a.Roles,
				Methods:     a.Provenance.Methods,
				ExpireTime:  a.ExpireAt.UTC().Format(time.RFC3339Nano),
			}
			if ac := a.Provenance.ApplicationCredential; ac != nil {
				entry.Response.Auth.ApplicationCredential = ac.ID
				entry.Response.Auth.Unrestricted = ac.Unrestricted
			}
		}
	}

	ok, err := c.audit.LogResponse(ctx, entry)
	if err != nil {
		c.logger.Error("failed to audit response",
			logger.Err(err),
			logger.String("path", req.Path),
			logger.String("request_id", req.ID),
		)
	}
	if !ok {
		return logical.ErrInternal(ErrInternalError.Error())
	}
	return nil
}

func (c *Core) auditEntry(req *logical.Request) *audit.LogEntry {
	entry := &audit.LogEntry{
		Timestamp: c.clock().UTC(),
		Request: &audit.Request{
			ID:        req.ID,
			Operation: string(req.Operation),
			Path:      req.Path,
			ClientIP:  req.ClientIP,
			MountType: req.MountType,
			Data:      req.Data,
		},
	}

	if req.ClientToken != "" {
		entry.Auth = &audit.Auth{ClientToken: req.ClientToken}
	}
	if te := req.TokenEntry(); te != nil {
		if entry.Auth == nil {
			entry.Auth = &audit.Auth{}
		}
		entry.Auth.Accessor = te.Accessor
		entry.Auth.PrincipalID = te.PrincipalID
		entry.Auth.ProjectID = te.ProjectID
		entry.Auth.Roles = te.Roles
		entry.Auth.Methods = te.Provenance.Methods
		entry.Auth.ExpireTime = te.ExpireAt.UTC().Format(time.RFC3339Nano)
		if ac := te.Provenance.ApplicationCredential; ac != nil {
			entry.Auth.ApplicationCredential = ac.ID
			entry.Auth.Unrestricted = ac.Unrestricted
		}
	}
	return entry
}
