package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/yosida95/uritemplate/v3"
)

var (
	ErrRegistrySealed  = errors.New("registry is sealed")
	ErrDuplicateName   = errors.New("duplicate registration")
	ErrMissingHandler  = errors.New("handler is required")
	ErrToolNotFound    = errors.New("tool not found")
	ErrResourceUnknown = errors.New("resource not found")
)

// ToolRequest is what a tool handler receives. Arguments have already been
// validated against the tool's input schema.
type ToolRequest struct {
	SessionID string
	Name      string
	Arguments json.RawMessage
	Context   *Context
}

// Bind decodes the arguments into v.
func (r *ToolRequest) Bind(v any) error {
	if len(r.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(r.Arguments, v)
}

type ToolHandler func(ctx context.Context, req *ToolRequest) (*types.CallToolResult, error)

// Tool is one entry of the tool table.
type Tool struct {
	Name        string
	Description string
	InputSchema types.InputSchema
	Annotations *types.ToolAnnotations
	Handler     ToolHandler
}

func (t Tool) descriptor() types.Tool {
	return types.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Annotations: t.Annotations,
	}
}

// ResourceRequest is what a resource handler receives. Params holds the
// values bound by a URI template and is empty for static resources.
type ResourceRequest struct {
	SessionID string
	URI       string
	Params    map[string]string
	Context   *Context
}

type ResourceHandler func(ctx context.Context, req *ResourceRequest) ([]types.ResourceContents, error)

// Resource is a readable entity at a fixed URI.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler
}

// ResourceTemplate is a readable entity matched by an RFC 6570 URI template.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler
}

type compiledTool struct {
	Tool
	schema *jsonschema.Schema
}

type compiledTemplate struct {
	ResourceTemplate
	tmpl *uritemplate.Template
}

// Registry is the declarative table of tools and resources shared by every
// session. Entries are immutable once added and the table is frozen by Seal.
type Registry struct {
	mu        sync.RWMutex
	sealed    bool
	tools     map[string]*compiledTool
	toolOrder []string
	resources map[string]*Resource
	resOrder  []string
	templates []*compiledTemplate
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*compiledTool),
		resources: make(map[string]*Resource),
	}
}

// AddTool registers a tool. The input schema is compiled now so a bad schema
// fails at startup rather than on the first call.
func (r *Registry) AddTool(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Handler == nil {
		return errors.Wrapf(ErrMissingHandler, "tool %s", tool.Name)
	}
	if tool.InputSchema.Type == "" {
		tool.InputSchema.Type = "object"
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return errors.Wrapf(err, "encoding schema for tool %s", tool.Name)
	}
	schema, err := jsonschema.CompileString(fmt.Sprintf("mcp://tools/%s/input.json", tool.Name), string(raw))
	if err != nil {
		return errors.Wrapf(err, "compiling schema for tool %s", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.tools[tool.Name]; ok {
		return errors.Wrapf(ErrDuplicateName, "tool %s", tool.Name)
	}
	r.tools[tool.Name] = &compiledTool{Tool: tool, schema: schema}
	r.toolOrder = append(r.toolOrder, tool.Name)
	return nil
}

func (r *Registry) AddResource(res Resource) error {
	if res.URI == "" {
		return errors.New("resource uri is required")
	}
	if res.Handler == nil {
		return errors.Wrapf(ErrMissingHandler, "resource %s", res.URI)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.resources[res.URI]; ok {
		return errors.Wrapf(ErrDuplicateName, "resource %s", res.URI)
	}
	r.resources[res.URI] = &res
	r.resOrder = append(r.resOrder, res.URI)
	return nil
}

func (r *Registry) AddResourceTemplate(rt ResourceTemplate) error {
	if rt.Handler == nil {
		return errors.Wrapf(ErrMissingHandler, "resource template %s", rt.URITemplate)
	}
	tmpl, err := uritemplate.New(rt.URITemplate)
	if err != nil {
		return errors.Wrapf(err, "parsing uri template %q", rt.URITemplate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	for _, existing := range r.templates {
		if existing.URITemplate == rt.URITemplate {
			return errors.Wrapf(ErrDuplicateName, "resource template %s", rt.URITemplate)
		}
	}
	r.templates = append(r.templates, &compiledTemplate{ResourceTemplate: rt, tmpl: tmpl})
	return nil
}

// Seal freezes the registry. It is safe to call more than once.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Tools returns the descriptors in registration order.
func (r *Registry) Tools() []types.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		out = append(out, r.tools[name].descriptor())
	}
	return out
}

func (r *Registry) Resources() []types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Resource, 0, len(r.resOrder))
	for _, uri := range r.resOrder {
		res := r.resources[uri]
		out = append(out, types.Resource{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType})
	}
	return out
}

func (r *Registry) ResourceTemplates() []types.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, types.ResourceTemplate{URITemplate: t.URITemplate, Name: t.Name, Description: t.Description, MimeType: t.MimeType})
	}
	return out
}

func (r *Registry) tool(name string) (*compiledTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// matchResource resolves uri to a handler. Exact URIs win over templates,
// and templates are tried in registration order.
func (r *Registry) matchResource(uri string) (ResourceHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resources[uri]; ok {
		return res.Handler, map[string]string{}, true
	}
	for _, t := range r.templates {
		values := t.tmpl.Match(uri)
		if values == nil {
			continue
		}
		params := make(map[string]string, len(values))
		for _, name := range t.tmpl.Varnames() {
			params[name] = values.Get(name).String()
		}
		return t.Handler, params, true
	}
	return nil, nil, false
}

// validate checks raw arguments against the tool's compiled schema.
func (t *compiledTool) validate(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errors.Wrap(err, "arguments are not valid JSON")
	}
	return t.schema.Validate(doc)
}
