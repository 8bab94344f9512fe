package appcred

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 255
	maxRuleFieldLength   = 225
)

var accessRuleMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

func validateCreate(req *CreateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if utf8.RuneCountInString(req.Name) > maxNameLength {
		return fmt.Errorf("%w: name must be at most %d characters", ErrValidation, maxNameLength)
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description must be at most %d characters", ErrValidation, maxDescriptionLength)
	}
	for i := range req.AccessRules {
		if err := validateAccessRule(&req.AccessRules[i]); err != nil {
			return fmt.Errorf("%w: access_rules[%d]: %s", ErrValidation, i, err)
		}
	}
	return nil
}

func validateAccessRule(r *AccessRule) error {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if _, ok := accessRuleMethods[r.Method]; !ok {
		return fmt.Errorf("method %q is not one of GET, HEAD, POST, PUT, PATCH, DELETE", r.Method)
	}
	if r.Service == "" || r.Path == "" {
		return fmt.Errorf("service and path are required")
	}
	if len(r.Service) > maxRuleFieldLength || len(r.Path) > maxRuleFieldLength {
		return fmt.Errorf("service and path must be at most %d characters", maxRuleFieldLength)
	}
	return nil
}
