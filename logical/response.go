package logical

import (
	"net/http"
)

// Response is a struct that holds the response from a logical backend.
type Response struct {
	// Auth, if not nil, carries the facts of a successful login. The core
	// turns it into a token before the response leaves the server.
	Auth *Auth `json:"auth,omitempty"`

	// StatusCode overrides the default status chosen by the HTTP layer.
	// Zero means 200, or 204 when there is no data.
	StatusCode int `json:"-"`

	// Headers contains HTTP headers to be sent with the response.
	Headers http.Header `json:"-"`

	// Data is the structured response payload.
	Data map[string]any `json:"data,omitempty"`

	// Err is set if an error occurred during processing.
	Err error `json:"-"`

	// Warnings contains any warnings generated during processing
	Warnings []string `json:"warnings,omitempty"`
}

// IsError returns true if the response represents an error.
func (r *Response) IsError() bool {
	return r != nil && (r.Err != nil || r.StatusCode >= 400)
}

// Error returns the error associated with this response.
func (r *Response) Error() error {
	return r.Err
}

// SetHeader sets a header value on the response.
func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(key, value)
}

// AddWarning adds a warning message to the response.
func (r *Response) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}

// CreatedResponse wraps data in a 201 response.
func CreatedResponse(data map[string]any) *Response {
	return &Response{StatusCode: http.StatusCreated, Data: data}
}
