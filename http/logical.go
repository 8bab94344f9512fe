package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/openbao/openbao/sdk/v2/helper/jsonutil"

	"github.com/stephnangue/latch/core"
	"github.com/stephnangue/latch/framework"
	"github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
)

const (
	// TokenHeader carries the client token.
	TokenHeader = "X-Latch-Token"

	// maxRequestSize bounds request bodies.
	maxRequestSize = 1 << 20
)

// handleLogical returns an HTTP handler for logical backend operations.
//
// The handler:
//  1. Builds a logical request from the HTTP request
//  2. Sends the logical request to core.HandleRequest for processing
//  3. Writes the logical.Response back to the HTTP response
func handleLogical(c *core.Core, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject unsupported HTTP methods
		switch r.Method {
		case http.MethodGet, http.MethodHead,
			http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, "LIST":
			// allowed
		default:
			respondError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
			return
		}

		req, status, err := buildLogicalRequest(r)
		if err != nil {
			respondError(w, status, err.Error())
			return
		}

		resp, err := c.HandleRequest(r.Context(), req)
		if err != nil {
			respondLogicalError(w, r, log, req, err)
			return
		}

		writeLogicalResponse(w, r, req, resp)
	})
}

// buildLogicalRequest creates a logical.Request from an HTTP request.
// Bodies of write requests are decoded as JSON; query parameters of reads
// become request data.
func buildLogicalRequest(r *http.Request) (*logical.Request, int, error) {
	op := operationFromHTTPMethod(r)

	var data map[string]any
	switch op {
	case logical.CreateOperation, logical.UpdateOperation, logical.PatchOperation:
		var err error
		data, err = parseJSONBody(r)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
	default:
		data = parseQuery(r)
	}

	return &logical.Request{
		ID:          middleware.GetReqID(r.Context()),
		Operation:   op,
		Path:        strings.TrimPrefix(r.URL.Path, "/v1/"),
		Data:        data,
		ClientToken: extractToken(r),
		ClientIP:    extractClientIP(r),
		HTTPRequest: r,
	}, 0, nil
}

// operationFromHTTPMethod maps HTTP methods to logical operations.
func operationFromHTTPMethod(r *http.Request) logical.Operation {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		// Check for HELP operation via query parameter
		if v := r.URL.Query().Get("help"); v == "1" || v == "true" {
			return logical.HelpOperation
		}
		// Check for LIST operation via query parameter
		if r.URL.Query().Get("list") == "true" {
			return logical.ListOperation
		}
		return logical.ReadOperation
	case http.MethodPost:
		return logical.CreateOperation
	case http.MethodPut:
		return logical.UpdateOperation
	case http.MethodPatch:
		return logical.PatchOperation
	case http.MethodDelete:
		return logical.DeleteOperation
	case "LIST":
		return logical.ListOperation
	default:
		return logical.ReadOperation
	}
}

// httpMethodsFor is the inverse of operationFromHTTPMethod, used to build
// Allow headers.
func httpMethodsFor(ops []logical.Operation) []string {
	var methods []string
	for _, op := range ops {
		switch op {
		case logical.ReadOperation:
			methods = append(methods, http.MethodGet, http.MethodHead)
		case logical.CreateOperation:
			methods = append(methods, http.MethodPost)
		case logical.UpdateOperation:
			methods = append(methods, http.MethodPut)
		case logical.PatchOperation:
			methods = append(methods, http.MethodPatch)
		case logical.DeleteOperation:
			methods = append(methods, http.MethodDelete)
		case logical.ListOperation:
			methods = append(methods, "LIST")
		}
	}
	return methods
}

func parseJSONBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, nil
	}
	var data map[string]any
	err := jsonutil.DecodeJSONFromReader(io.LimitReader(r.Body, maxRequestSize), &data)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}
	return data, nil
}

func parseQuery(r *http.Request) map[string]any {
	query := r.URL.Query()
	query.Del("list")
	query.Del("help")
	if len(query) == 0 {
		return nil
	}
	data := make(map[string]any, len(query))
	for k, values := range query {
		if len(values) == 1 {
			data[k] = values[0]
		} else {
			data[k] = values
		}
	}
	return data
}

// extractToken reads the client token from the latch header, falling back
// to a bearer authorization.
func extractToken(r *http.Request) string {
	if token := r.Header.Get(TokenHeader); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// extractClientIP extracts the client IP from the request.
// It checks X-Real-IP header first (set by reverse proxies),
// then X-Forwarded-For, then falls back to RemoteAddr.
func extractClientIP(r *http.Request) string {
	// Check X-Real-IP first (commonly set by nginx)
	clientIP := r.Header.Get("X-Real-IP")
	if clientIP != "" {
		return clientIP
	}

	// Check X-Forwarded-For
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take the first IP in the list
		if idx := strings.Index(forwarded, ","); idx != -1 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	// Fall back to RemoteAddr
	clientIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	return clientIP
}

func respondLogicalError(w http.ResponseWriter, r *http.Request, log logger.Logger, req *logical.Request, err error) {
	status := logical.StatusCode(err)

	var unsupported *framework.UnsupportedOperationError
	if errors.As(err, &unsupported) {
		w.Header().Set("Allow", strings.Join(httpMethodsFor(unsupported.Supported), ", "))
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			logger.Err(err),
			logger.String("path", req.Path),
			logger.String("method", r.Method),
			logger.String("request_id", req.ID),
		)
		var coded *logical.CodedError
		if !errors.As(err, &coded) {
			msg = core.ErrInternalError.Error()
		}
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	respondError(w, status, msg)
}

// authBody is the JSON form of a login result.
type authBody struct {
	ClientToken           string         `json:"client_token"`
	Accessor              string         `json:"accessor"`
	PrincipalID           string         `json:"principal_id"`
	ProjectID             string         `json:"project_id,omitempty"`
	Roles                 []string       `json:"roles"`
	Methods               []string       `json:"methods"`
	ApplicationCredential map[string]any `json:"application_credential,omitempty"`
	LeaseDuration         int            `json:"lease_duration"`
	ExpireTime            string         `json:"expire_time"`
}

func newAuthBody(a *logical.Auth) *authBody {
	body := &authBody{
		ClientToken:   a.ClientToken,
		Accessor:      a.Accessor,
		PrincipalID:   a.PrincipalID,
		ProjectID:     a.ProjectID,
		Roles:         a.Roles,
		Methods:       a.Provenance.Methods,
		LeaseDuration: int(a.TokenTTL / time.Second),
		ExpireTime:    a.ExpireAt.UTC().Format(time.RFC3339Nano),
	}
	if step := a.Provenance.ApplicationCredential; step != nil {
		body.ApplicationCredential = map[string]any{"id": step.ID, "unrestricted": step.Unrestricted}
	}
	return body
}

// writeLogicalResponse writes the logical.Response to the HTTP response.
// It copies headers, status code, and body from the logical response.
func writeLogicalResponse(w http.ResponseWriter, r *http.Request, req *logical.Request, resp *logical.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Copy headers from the logical response
	for key, values := range resp.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if resp.IsError() {
		if resp.Err == nil {
			resp.Err = errors.New(http.StatusText(status))
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(status)
			return
		}
		respondError(w, status, resp.Err.Error())
		return
	}

	if status == http.StatusNoContent || r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	body := map[string]any{"request_id": req.ID}
	if resp.Data != nil {
		body["data"] = resp.Data
	}
	if resp.Auth != nil {
		body["auth"] = newAuthBody(resp.Auth)
	}
	if len(resp.Warnings) > 0 {
		body["warnings"] = resp.Warnings
	}
	respondJSON(w, status, body)
}
