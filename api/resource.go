package api

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Resource is the envelope of every successful response.
type Resource struct {
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
	Auth      *ResourceAuth  `json:"auth,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// ResourceAuth is the result of a login.
type ResourceAuth struct {
	ClientToken           string                `json:"client_token"`
	Accessor              string                `json:"accessor"`
	PrincipalID           string                `json:"principal_id"`
	ProjectID             string                `json:"project_id"`
	Roles                 []string              `json:"roles"`
	Methods               []string              `json:"methods"`
	ApplicationCredential *AppCredentialSummary `json:"application_credential,omitempty"`
	LeaseDuration         int                   `json:"lease_duration"`
	ExpireTime            time.Time             `json:"expire_time"`
}

// AppCredentialSummary names the credential a token was obtained with.
type AppCredentialSummary struct {
	ID           string `json:"id"`
	Unrestricted bool   `json:"unrestricted"`
}

// ParseResource parses a response body. An empty body yields (nil, nil).
func ParseResource(r io.Reader) (*Resource, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, nil
	}

	var resource Resource
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(&resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

// decodeData decodes a generic map into out, keyed by json tags. RFC 3339
// strings become time.Time.
func decodeData(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
