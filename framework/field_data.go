// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
)

// FieldData is the structure passed to the callback to handle a path
// containing the populated parameters for fields. This should be used
// instead of the raw (*Request).Data to access data in a type-safe way.
type FieldData struct {
	Raw    map[string]any
	Schema map[string]*FieldSchema
}

// Validate cycles through raw data and validates conversions in
// the schema, so we don't get an error/panic later when
// trying to get data out. Data not in the schema is not
// an error at this point, so we don't worry about it.
func (d *FieldData) Validate() error {
	for field := range d.Raw {
		schema, ok := d.Schema[field]
		if !ok {
			continue
		}
		if _, _, err := d.getPrimitive(field, schema); err != nil {
			return fmt.Errorf("error converting input for field %q: %w", field, err)
		}
		if len(schema.AllowedValues) > 0 {
			if err := d.checkAllowed(field, schema); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *FieldData) checkAllowed(field string, schema *FieldSchema) error {
	value, _, _ := d.getPrimitive(field, schema)
	for _, allowed := range schema.AllowedValues {
		if allowed == value {
			return nil
		}
	}
	return fmt.Errorf("field %q: value %v is not one of %v", field, value, schema.AllowedValues)
}

// Get gets the value for the given field. If the key is an invalid field,
// FieldData will panic. If you want a safer version of this method, use
// GetOk. If the field k is not set, the default value (if set) will be
// returned, otherwise the zero value will be returned.
func (d *FieldData) Get(k string) any {
	schema, ok := d.Schema[k]
	if !ok {
		panic(fmt.Sprintf("field %s not in the schema", k))
	}

	value, ok := d.GetOk(k)
	if !ok || value == nil {
		value = schema.DefaultOrZero()
	}
	return value
}

// GetOk gets the value for the given field. The second return value will be
// false if the key is invalid or the key is not set at all.
func (d *FieldData) GetOk(k string) (any, bool) {
	schema, ok := d.Schema[k]
	if !ok {
		return nil, false
	}

	result, ok, err := d.GetOkErr(k)
	if err != nil {
		panic(fmt.Sprintf("error reading %s: %s", k, err))
	}
	if ok && result == nil {
		result = schema.DefaultOrZero()
	}
	return result, ok
}

// GetOkErr is the most conservative of all the Get methods. It returns
// whether key is set or not, but also an error value.
func (d *FieldData) GetOkErr(k string) (any, bool, error) {
	schema, ok := d.Schema[k]
	if !ok {
		return nil, false, fmt.Errorf("unknown field: %q", k)
	}
	return d.getPrimitive(k, schema)
}

// GetRaw returns the undecoded input for k, for fields whose callers need
// to accept more than one shape.
func (d *FieldData) GetRaw(k string) (any, bool) {
	raw, ok := d.Raw[k]
	return raw, ok
}

func (d *FieldData) getPrimitive(k string, schema *FieldSchema) (any, bool, error) {
	raw, ok := d.Raw[k]
	if !ok {
		return nil, false, nil
	}

	switch schema.Type {
	case TypeBool:
		var result bool
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		return result, true, nil

	case TypeInt:
		var result int
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		return result, true, nil

	case TypeString:
		var result string
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		return result, true, nil

	case TypeLowerCaseString:
		var result string
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		return strings.ToLower(result), true, nil

	case TypeMap:
		var result map[string]any
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		return result, true, nil

	case TypeDurationSecond:
		if raw == nil {
			return nil, false, nil
		}
		dur, err := parseutil.ParseDurationSecond(raw)
		if err != nil {
			return nil, false, err
		}
		if dur < 0 {
			return nil, false, fmt.Errorf("cannot provide negative value '%d'", int(dur.Seconds()))
		}
		return int(dur.Seconds()), true, nil

	case TypeSlice:
		var result []any
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		if len(result) == 0 {
			return make([]any, 0), true, nil
		}
		return result, true, nil

	case TypeStringSlice:
		if s, ok := raw.(string); ok && s == "" {
			return []string{}, true, nil
		}
		var result []string
		if err := mapstructure.WeakDecode(raw, &result); err != nil {
			return nil, false, err
		}
		if len(result) == 0 {
			return make([]string, 0), true, nil
		}
		return strutil.TrimStrings(result), true, nil

	default:
		return nil, false, fmt.Errorf("unknown field type %q for field %q", schema.Type, k)
	}
}
