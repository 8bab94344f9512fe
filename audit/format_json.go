package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultSaltFields are always salted. A field naming an object salts every
// string inside it.
var DefaultSaltFields = []string{
	"auth.client_token",
	"request.data.password",
	"request.data.secret",
	"response.auth.client_token",
	"response.data.application_credential.secret",
}

// JSONFormat writes one JSON object per entry.
type JSONFormat struct {
	prefix     string
	saltFn     SaltFunc
	saltFields [][]string
	omitFields [][]string
}

// JSONFormatOption is a functional option for JSONFormat
type JSONFormatOption func(*JSONFormat)

// WithPrefix sets a prefix for each log line
func WithPrefix(prefix string) JSONFormatOption {
	return func(f *JSONFormat) {
		f.prefix = prefix
	}
}

// WithSaltFields adds dot-separated field paths to salt, e.g.
// "request.data.password".
func WithSaltFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) {
		f.saltFields = append(f.saltFields, splitPaths(fields)...)
	}
}

// WithOmitFields sets dot-separated field paths to drop from the output.
func WithOmitFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) {
		f.omitFields = append(f.omitFields, splitPaths(fields)...)
	}
}

// NewJSONFormat needs a salt function: DefaultSaltFields are always applied.
func NewJSONFormat(saltFn SaltFunc, opts ...JSONFormatOption) (*JSONFormat, error) {
	if saltFn == nil {
		return nil, fmt.Errorf("json format: a salt function is required")
	}
	f := &JSONFormat{saltFn: saltFn}
	WithSaltFields(DefaultSaltFields)(f)
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func splitPaths(fields []string) [][]string {
	out := make([][]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, strings.Split(field, "."))
		}
	}
	return out
}

// Name returns the format name
func (f *JSONFormat) Name() string {
	return "json"
}

// Format renders entry as typ. The entry is converted to a generic map
// first so salting and omission never touch the caller's values.
func (f *JSONFormat) Format(ctx context.Context, typ EntryType, entry *LogEntry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	doc["type"] = string(typ)

	for _, path := range f.saltFields {
		if err := f.saltPath(ctx, doc, path); err != nil {
			return nil, err
		}
	}
	for _, path := range f.omitFields {
		omitPath(doc, path)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	if f.prefix != "" {
		return append([]byte(f.prefix), data...), nil
	}
	return data, nil
}

func (f *JSONFormat) saltPath(ctx context.Context, doc map[string]any, path []string) error {
	parent := lookupParent(doc, path)
	if parent == nil {
		return nil
	}
	key := path[len(path)-1]
	v, ok := parent[key]
	if !ok {
		return nil
	}
	salted, err := f.saltValue(ctx, v)
	if err != nil {
		return fmt.Errorf("failed to salt %s: %w", strings.Join(path, "."), err)
	}
	parent[key] = salted
	return nil
}

func (f *JSONFormat) saltValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, hmacPrefix) {
			return val, nil
		}
		return f.saltFn(ctx, val)
	case map[string]any:
		for k, inner := range val {
			salted, err := f.saltValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			val[k] = salted
		}
		return val, nil
	case []any:
		for i, inner := range val {
			salted, err := f.saltValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			val[i] = salted
		}
		return val, nil
	default:
		return v, nil
	}
}

func omitPath(doc map[string]any, path []string) {
	if parent := lookupParent(doc, path); parent != nil {
		delete(parent, path[len(path)-1])
	}
}

// lookupParent returns the object holding the last element of path.
func lookupParent(doc map[string]any, path []string) map[string]any {
	if len(path) == 0 {
		return nil
	}
	cur := doc
	for _, part := range path[:len(path)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
