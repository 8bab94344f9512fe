package appcred

import (
	"fmt"
	"strings"
	"time"
)

// expirationLayouts are tried in order. Layouts without a zone are read
// as UTC.
var expirationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ValidateExpiration parses an optional expiration and checks it lies
// strictly after now. A nil result means the credential never expires.
//
// Accepted inputs are nil, a string in one of expirationLayouts, a
// time.Time or a *time.Time. Zero values and empty strings mean no
// expiration.
func ValidateExpiration(raw any, now time.Time) (*time.Time, error) {
	var t time.Time
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		parsed, ok := parseExpiration(s)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidExpirationFormat, v)
		}
		t = parsed
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t = *v
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidExpirationFormat, raw)
	}

	if t.IsZero() {
		return nil, nil
	}

	// stores keep microseconds
	t = t.UTC().Truncate(time.Microsecond)
	if !t.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrExpirationInPast, t.Format(time.RFC3339))
	}
	return &t, nil
}

func parseExpiration(s string) (time.Time, bool) {
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
