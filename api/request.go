package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Request is a raw request configuration structure used to initiate
// API requests to the latch server.
type Request struct {
	Method      string
	URL         *url.URL
	Host        string
	Params      url.Values
	Headers     http.Header
	ClientToken string
	Obj         any

	BodyBytes []byte
}

// SetJSONBody is used to set a request body that is a JSON-encoded value.
func (r *Request) SetJSONBody(val any) error {
	if val == nil {
		return nil
	}

	buf, err := json.Marshal(val)
	if err != nil {
		return err
	}

	r.Obj = val
	r.BodyBytes = buf
	return nil
}

func (r *Request) toRetryableHTTP() (*retryablehttp.Request, error) {
	r.URL.RawQuery = r.Params.Encode()

	// A nil []byte body would be sent as an empty one; pass a nil interface
	// instead.
	var body any
	if r.BodyBytes != nil {
		body = r.BodyBytes
	}

	req, err := retryablehttp.NewRequest(r.Method, r.URL.RequestURI(), body)
	if err != nil {
		return nil, err
	}

	req.URL.User = r.URL.User
	req.URL.Scheme = r.URL.Scheme
	req.URL.Host = r.URL.Host
	req.Host = r.Host

	for header, vals := range r.Headers {
		for _, val := range vals {
			req.Header.Add(header, val)
		}
	}
	if r.BodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if len(r.ClientToken) != 0 {
		req.Header.Set(TokenHeader, r.ClientToken)
	}

	return req, nil
}
