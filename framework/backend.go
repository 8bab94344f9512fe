// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Adapted from github.com/openbao/openbao/sdk/v2/framework

package framework

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"

	"github.com/stephnangue/latch/logical"
)

// regexSingletonCache is used to reduce memory usage for multiple backends
// using similar patterns.
var regexSingletonCache sync.Map

// Backend is an implementation of logical.Backend that allows
// the implementer to code a backend using a programmer-friendly framework.
type Backend struct {
	// Help is the help text shown when a help request is made on the root.
	Help string

	// Paths are the various routes that the backend responds to.
	Paths []*Path

	// PathsSpecial is the list of path patterns that require special handling.
	PathsSpecial *logical.Paths

	// InitializeFunc is the callback invoked after a backend has been mounted.
	InitializeFunc InitializeFunc

	// Clean is called on unload to clean up connections or file handles.
	Clean CleanupFunc

	BackendClass logical.BackendClass
	BackendType  string

	once    sync.Once
	pathsRe []*regexp.Regexp
}

// Ensure Backend implements logical.Backend
var _ logical.Backend = (*Backend)(nil)

// OperationFunc is the callback called for an operation on a path.
type OperationFunc func(context.Context, *logical.Request, *FieldData) (*logical.Response, error)

// CleanupFunc is the callback for backend unload.
type CleanupFunc func(context.Context)

// InitializeFunc is the callback invoked after a backend has been mounted.
type InitializeFunc func(context.Context) error

// UnsupportedOperationError is returned when a path matches but has no
// handler for the requested operation. It unwraps to
// sdklogical.ErrUnsupportedOperation.
type UnsupportedOperationError struct {
	Operation logical.Operation
	Supported []logical.Operation
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s", sdklogical.ErrUnsupportedOperation, e.Operation)
}

func (e *UnsupportedOperationError) Unwrap() error {
	return sdklogical.ErrUnsupportedOperation
}

// Initialize is the logical.Backend implementation.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.InitializeFunc != nil {
		return b.InitializeFunc(ctx)
	}
	return nil
}

// HandleRequest is the logical.Backend implementation.
func (b *Backend) HandleRequest(ctx context.Context, req *logical.Request) (*logical.Response, error) {
	b.once.Do(b.init)

	if req.Path == "" && req.Operation == logical.HelpOperation {
		return b.handleRootHelp()
	}

	path, captures := b.route(req.Path)
	if path == nil {
		return nil, sdklogical.ErrUnsupportedPath
	}

	var callback OperationFunc
	if op, ok := path.Operations[req.Operation]; ok {
		callback = op.Handler()
	}
	if callback == nil {
		if req.Operation != logical.HelpOperation {
			return nil, &UnsupportedOperationError{
				Operation: req.Operation,
				Supported: path.SupportedOperations(),
			}
		}
		callback = path.helpCallback()
	}

	raw := make(map[string]any, len(path.Fields))
	var ignored []string
	for k, v := range req.Data {
		raw[k] = v
		if !path.TakesArbitraryInput && path.Fields[k] == nil {
			ignored = append(ignored, k)
		}
	}

	var replaced []string
	for k, v := range captures {
		if raw[k] != nil {
			replaced = append(replaced, k)
		}
		raw[k] = v
	}

	fd := FieldData{
		Raw:    raw,
		Schema: path.Fields,
	}

	if req.Operation != logical.HelpOperation {
		if err := fd.Validate(); err != nil {
			return logical.ErrorResponse(logical.ErrBadRequestf("field validation failed: %s", err.Error())), nil
		}
	}

	resp, err := callback(ctx, req, &fd)
	if err != nil || resp == nil {
		return resp, err
	}

	sort.Strings(ignored)
	if len(ignored) != 0 {
		resp.AddWarning(fmt.Sprintf("Endpoint ignored these unrecognized parameters: %v", ignored))
	}
	if len(replaced) != 0 {
		sort.Strings(replaced)
		resp.AddWarning(fmt.Sprintf("Endpoint replaced the value of these parameters with the values captured from the endpoint's path: %v", replaced))
	}
	return resp, nil
}

// SpecialPaths is the logical.Backend implementation.
func (b *Backend) SpecialPaths() *logical.Paths {
	return b.PathsSpecial
}

// Cleanup is used to release resources and prepare to stop the backend
func (b *Backend) Cleanup(ctx context.Context) {
	if b.Clean != nil {
		b.Clean(ctx)
	}
}

// Type returns the backend type string
func (b *Backend) Type() string {
	return b.BackendType
}

// Class returns the backend class
func (b *Backend) Class() logical.BackendClass {
	return b.BackendClass
}

// Route looks up the path that would be used for a given path string.
func (b *Backend) Route(path string) *Path {
	result, _ := b.route(path)
	return result
}

func (b *Backend) init() {
	b.pathsRe = make([]*regexp.Regexp, len(b.Paths))
	for i, p := range b.Paths {
		if len(p.Pattern) == 0 {
			panic("Routing pattern cannot be blank")
		}
		// Automatically anchor the pattern
		if p.Pattern[0] != '^' {
			p.Pattern = "^" + p.Pattern
		}
		if p.Pattern[len(p.Pattern)-1] != '$' {
			p.Pattern = p.Pattern + "$"
		}
		regexRaw, ok := regexSingletonCache.Load(p.Pattern)
		if !ok {
			regexRaw = regexp.MustCompile(p.Pattern)
			regexSingletonCache.Store(p.Pattern, regexRaw)
		}
		b.pathsRe[i] = regexRaw.(*regexp.Regexp)
	}
}

func (b *Backend) route(path string) (*Path, map[string]string) {
	b.once.Do(b.init)

	for i, re := range b.pathsRe {
		matches := re.FindStringSubmatch(path)
		if matches == nil {
			continue
		}

		var captures map[string]string
		if names := re.SubexpNames(); len(names) > 1 {
			captures = make(map[string]string, len(names))
			for j, name := range names {
				if name != "" {
					captures[name] = matches[j]
				}
			}
		}
		return b.Paths[i], captures
	}
	return nil, nil
}

func (b *Backend) handleRootHelp() (*logical.Response, error) {
	data := rootHelpTemplateData{Help: strings.TrimSpace(b.Help)}
	for i, re := range b.pathsRe {
		data.Paths = append(data.Paths, rootHelpTemplatePath{
			Path: re.String(),
			Help: strings.TrimSpace(b.Paths[i].HelpSynopsis),
		})
	}
	sort.Slice(data.Paths, func(i, j int) bool { return data.Paths[i].Path < data.Paths[j].Path })

	help, err := executeTemplate(rootHelpTemplate, &data)
	if err != nil {
		return nil, err
	}
	return &logical.Response{Data: map[string]any{"help": help}}, nil
}

type rootHelpTemplateData struct {
	Help  string
	Paths []rootHelpTemplatePath
}

type rootHelpTemplatePath struct {
	Path string
	Help string
}

const rootHelpTemplate = `
## DESCRIPTION

{{.Help}}

## PATHS

The following paths are supported by this backend. To view help for
any of the paths below, use the help command with any route matching
the path pattern.

{{range .Paths}}{{indent 4 .Path}}
{{indent 8 .Help}}

{{end}}
`
