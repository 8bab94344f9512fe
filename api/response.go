package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response is a raw response that wraps an HTTP response.
type Response struct {
	*http.Response
}

// DecodeJSON decodes the body into out.
func (r *Response) DecodeJSON(out any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

// Error returns a *ResponseError for any non-2xx status.
func (r *Response) Error() error {
	if r.StatusCode >= 200 && r.StatusCode < 400 {
		return nil
	}

	// Keep the body readable for callers after the error is built.
	var bodyBuf bytes.Buffer
	if _, err := bodyBuf.ReadFrom(r.Body); err != nil {
		return err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(bodyBuf.Bytes()))

	respErr := &ResponseError{
		HTTPMethod: r.Request.Method,
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
	}

	var body struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(bodyBuf.Bytes(), &body); err != nil {
		// Not a latch error body; surface it raw.
		respErr.RawError = true
		respErr.Errors = []string{strings.TrimSpace(bodyBuf.String())}
		return respErr
	}
	respErr.Errors = body.Errors
	return respErr
}

// ResponseError is the error returned when the server answers with a
// non-2xx status.
type ResponseError struct {
	HTTPMethod string
	URL        string
	StatusCode int

	// RawError is set when the body was not a {"errors": [...]} document.
	RawError bool

	Errors []string
}

func (r *ResponseError) Error() string {
	errString := "Errors"
	if r.RawError {
		errString = "Raw Message"
	}

	var errBody bytes.Buffer
	errBody.WriteString(fmt.Sprintf(
		"Error making API request.\n\n"+
			"URL: %s %s\n"+
			"Code: %d. %s:\n\n",
		r.HTTPMethod, r.URL, r.StatusCode, errString))

	if r.RawError && len(r.Errors) == 1 {
		errBody.WriteString(r.Errors[0])
	} else {
		for i, err := range r.Errors {
			if i > 0 {
				errBody.WriteString("\n")
			}
			errBody.WriteString(fmt.Sprintf("* %s", err))
		}
	}

	return errBody.String()
}
