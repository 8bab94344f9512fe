// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

// FieldType is the enum of types that a field can be.
type FieldType uint

const (
	TypeInvalid FieldType = 0
	TypeString  FieldType = iota
	TypeInt
	TypeBool
	TypeMap

	// TypeDurationSecond represent as seconds, this can be either an
	// integer or go duration format string (e.g. 24h)
	TypeDurationSecond

	// TypeSlice represents a slice of any type
	TypeSlice

	// TypeStringSlice is a helper for TypeSlice that returns a sanitized
	// slice of strings
	TypeStringSlice

	// TypeLowerCaseString is a helper for TypeString that returns a lowercase
	// version of the provided string
	TypeLowerCaseString
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLowerCaseString:
		return "lowercase string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeMap:
		return "map"
	case TypeDurationSecond:
		return "duration (sec)"
	case TypeSlice, TypeStringSlice:
		return "slice"
	default:
		return "unknown type"
	}
}

// Zero returns the correct zero-value for a specific FieldType
func (t FieldType) Zero() any {
	switch t {
	case TypeString, TypeLowerCaseString:
		return ""
	case TypeInt, TypeDurationSecond:
		return 0
	case TypeBool:
		return false
	case TypeMap:
		return map[string]any{}
	case TypeSlice:
		return []any{}
	case TypeStringSlice:
		return []string{}
	default:
		panic("unknown type: " + t.String())
	}
}
