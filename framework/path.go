// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package framework

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/stephnangue/latch/logical"
)

// GenericNameRegex returns a generic regex string for creating endpoint patterns
// that are identified by the given name in the backends
func GenericNameRegex(name string) string {
	return fmt.Sprintf("(?P<%s>\\w(([\\w-.]+)?\\w)?)", name)
}

// Path is a single path that the backend responds to.
type Path struct {
	// Pattern is the pattern of the URL that matches this path.
	// This should be a valid regular expression. Named captures will be
	// exposed as fields that should map to a schema in Fields.
	// The pattern will automatically have a ^ prepended and a $ appended.
	Pattern string

	// Fields is the mapping of data fields to a schema describing that field.
	Fields map[string]*FieldSchema

	// Operations is the set of operations supported and the associated OperationsHandler.
	// An operation absent from this map is rejected as unsupported before any
	// handler runs, whatever the request carries.
	Operations map[logical.Operation]OperationHandler

	// HelpSynopsis is a one-sentence description of the path.
	HelpSynopsis string

	// HelpDescription is a long-form description of the path.
	HelpDescription string

	// TakesArbitraryInput is used for endpoints that take arbitrary input.
	TakesArbitraryInput bool
}

// SupportedOperations returns the operations registered on the path, sorted.
func (p *Path) SupportedOperations() []logical.Operation {
	ops := make([]logical.Operation, 0, len(p.Operations))
	for op := range p.Operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// OperationHandler defines and describes a specific operation handler.
type OperationHandler interface {
	Handler() OperationFunc
	Properties() OperationProperties
}

// OperationProperties describes an operation for documentation, help text,
// and other clients.
type OperationProperties struct {
	// Summary is a brief (usually one line) description of the operation.
	Summary string

	// Description is extended documentation of the operation.
	Description string
}

// PathOperation is a concrete implementation of OperationHandler.
type PathOperation struct {
	Callback    OperationFunc
	Summary     string
	Description string
}

func (p *PathOperation) Handler() OperationFunc {
	return p.Callback
}

func (p *PathOperation) Properties() OperationProperties {
	return OperationProperties{
		Summary:     strings.TrimSpace(p.Summary),
		Description: strings.TrimSpace(p.Description),
	}
}

// FieldSchema is a basic schema to describe the format of a path field.
type FieldSchema struct {
	Type        FieldType
	Default     any
	Description string
	Required    bool

	// Query indicates this field is read from the URL query string on
	// read and list requests.
	Query bool

	// AllowedValues is an optional list of permitted values for this field.
	AllowedValues []any
}

// DefaultOrZero returns the default value if it is set, or otherwise
// the zero value of the type.
func (s *FieldSchema) DefaultOrZero() any {
	if s.Default == nil {
		return s.Type.Zero()
	}
	if s.Type == TypeDurationSecond {
		dur, err := parseutil.ParseDurationSecond(s.Default)
		if err != nil {
			return s.Type.Zero()
		}
		return int(dur.Seconds())
	}
	return s.Default
}

func (p *Path) helpCallback() OperationFunc {
	return func(ctx context.Context, req *logical.Request, data *FieldData) (*logical.Response, error) {
		tplData := pathTemplateData{
			Request:      req.Path,
			RoutePattern: p.Pattern,
			Synopsis:     orPlaceholder(p.HelpSynopsis, "<no synopsis>"),
			Description:  orPlaceholder(p.HelpDescription, "<no description>"),
		}

		keys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tplData.Fields = append(tplData.Fields, pathTemplateFieldData{
				Key:         k,
				Type:        p.Fields[k].Type.String(),
				Description: orPlaceholder(p.Fields[k].Description, "<no description>"),
			})
		}
		for _, op := range p.SupportedOperations() {
			tplData.Operations = append(tplData.Operations, pathTemplateOperation{
				Name:    string(op),
				Summary: p.Operations[op].Properties().Summary,
			})
		}

		help, err := executeTemplate(pathHelpTemplate, &tplData)
		if err != nil {
			return nil, fmt.Errorf("error executing template: %w", err)
		}
		return &logical.Response{Data: map[string]any{"help": help}}, nil
	}
}

// executeTemplate renders help text. The "indent" func prefixes every
// non-empty line of its argument.
func executeTemplate(tpl string, data any) (string, error) {
	t, err := template.New("help").Funcs(template.FuncMap{
		"indent": func(spaces int, s string) string {
			prefix := strings.Repeat(" ", spaces)
			lines := strings.Split(s, "\n")
			for i, line := range lines {
				if line != "" {
					lines[i] = prefix + line
				}
			}
			return strings.Join(lines, "\n")
		},
	}).Parse(tpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func orPlaceholder(s, placeholder string) string {
	if s = strings.TrimSpace(s); s == "" {
		return placeholder
	}
	return s
}

type pathTemplateData struct {
	Request      string
	RoutePattern string
	Synopsis     string
	Description  string
	Fields       []pathTemplateFieldData
	Operations   []pathTemplateOperation
}

type pathTemplateFieldData struct {
	Key         string
	Type        string
	Description string
}

type pathTemplateOperation struct {
	Name    string
	Summary string
}

const pathHelpTemplate = `
Request:        {{.Request}}
Matching Route: {{.RoutePattern}}

{{.Synopsis}}

{{ if .Fields -}}
## PARAMETERS
{{range .Fields}}
{{indent 4 .Key}} ({{.Type}})
{{indent 8 .Description}}
{{end}}{{end}}
{{ if .Operations -}}
## OPERATIONS
{{range .Operations}}
{{indent 4 .Name}}  {{.Summary}}{{end}}
{{end}}
## DESCRIPTION

{{.Description}}
`
