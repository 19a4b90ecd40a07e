package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/google/jsonschema-go/jsonschema"
)

// ToolFunc handles a tool call with validated arguments. The returned value
// is normalized with NormalizeResult; a returned error is surfaced to the
// client as a JSON-RPC error by the engine.
type ToolFunc func(ctx context.Context, session Session, args map[string]any) (any, error)

// SchemaHandler is a tool handler carrying its own input schema.
type SchemaHandler interface {
	InputSchema() *jsonschema.Schema
	CallTool(ctx context.Context, session Session, args map[string]any) (any, error)
}

type schemaFunc struct {
	schema *jsonschema.Schema
	fn     ToolFunc
}

func (s schemaFunc) InputSchema() *jsonschema.Schema { return s.schema }

func (s schemaFunc) CallTool(ctx context.Context, session Session, args map[string]any) (any, error) {
	return s.fn(ctx, session, args)
}

// AttachSchema binds an input schema to fn. schema accepts the same forms as
// Registry.Tool.
func AttachSchema(schema any, fn ToolFunc) (SchemaHandler, error) {
	s, err := toSchema(schema)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrMissingHandler
	}
	return schemaFunc{schema: s, fn: fn}, nil
}

// ResourceFunc produces a resource value. Strings become text contents with
// the configured MIME type; mcp.ResourceContents values pass through; any
// other value is JSON-encoded as application/json.
type ResourceFunc func(ctx context.Context, session Session, uri string) (any, error)

// ResourceOption configures Registry.Resource.
type ResourceOption func(*mcp.Resource)

// WithMimeType sets the MIME type for string resource values. The default is
// text/plain.
func WithMimeType(mimeType string) ResourceOption {
	return func(r *mcp.Resource) { r.MimeType = mimeType }
}

// WithResourceName sets the listed resource name. The default is the URI.
func WithResourceName(name string) ResourceOption {
	return func(r *mcp.Resource) { r.Name = name }
}

// WithResourceDescription sets the listed resource description.
func WithResourceDescription(desc string) ResourceOption {
	return func(r *mcp.Resource) { r.Description = desc }
}

// Registry is the registration facade over a ToolsContainer and a
// ResourcesContainer.
type Registry struct {
	tools     *ToolsContainer
	resources *ResourcesContainer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	tools, _ := NewToolsContainer()
	resources, _ := NewResourcesContainer()
	return &Registry{tools: tools, resources: resources}
}

// Tools returns the underlying tools container.
func (r *Registry) Tools() *ToolsContainer { return r.tools }

// Resources returns the underlying resources container.
func (r *Registry) Resources() *ResourcesContainer { return r.resources }

// Tool registers a tool. schemaOrHandler is either a SchemaHandler, in which
// case handler may be omitted, or an input schema given as a
// *jsonschema.Schema, a jsonschema.Schema, a map[string]any, or raw JSON
// (json.RawMessage, []byte, string), followed by the handler. A registration
// without a schema fails with ErrMissingSchema.
//
// The schema's top-level description, when set, becomes the tool description.
func (r *Registry) Tool(name string, schemaOrHandler any, handler ...ToolFunc) error {
	var (
		schema *jsonschema.Schema
		call   ToolFunc
	)
	switch v := schemaOrHandler.(type) {
	case SchemaHandler:
		schema = v.InputSchema()
		call = v.CallTool
	case ToolFunc, func(context.Context, Session, map[string]any) (any, error):
		return fmt.Errorf("%w: %s", ErrMissingSchema, name)
	default:
		s, err := toSchema(v)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		schema = s
	}
	if len(handler) > 0 && handler[0] != nil {
		call = handler[0]
	}
	if schema == nil {
		return fmt.Errorf("%w: %s", ErrMissingSchema, name)
	}
	if call == nil {
		return fmt.Errorf("%w: %s", ErrMissingHandler, name)
	}

	return r.tools.Add(StaticTool{
		Descriptor: mcp.Tool{
			Name:        name,
			Title:       schema.Title,
			Description: schema.Description,
			InputSchema: schema,
		},
		Handler: func(ctx context.Context, session Session, tc *ToolCall) (*mcp.CallToolResult, error) {
			out, err := call(ctx, session, tc.Args)
			if err != nil {
				return nil, err
			}
			return NormalizeResult(out)
		},
	})
}

// AddTool registers a prebuilt StaticTool, typically from NewTool.
func (r *Registry) AddTool(t StaticTool) error {
	return r.tools.Add(t)
}

// Resource registers a read-only resource at uri.
func (r *Registry) Resource(uri string, fn ResourceFunc, opts ...ResourceOption) error {
	if fn == nil {
		return fmt.Errorf("mcpservice: resource %s: handler is required", uri)
	}
	desc := mcp.Resource{URI: uri, MimeType: mcp.MimeTypeText}
	for _, opt := range opts {
		opt(&desc)
	}
	mimeType := desc.MimeType

	return r.resources.Add(StaticResource{
		Descriptor: desc,
		Handler: func(ctx context.Context, session Session, uri string) ([]mcp.ResourceContents, error) {
			out, err := fn(ctx, session, uri)
			if err != nil {
				return nil, err
			}
			return NormalizeContents(uri, mimeType, out)
		},
	})
}

// NormalizeResult converts a handler return value into a CallToolResult.
// Results that already are content envelopes pass through unchanged: a
// *mcp.CallToolResult, an mcp.CallToolResult, or a map with a "content" list.
// Strings become a single text block; anything else is JSON-encoded into a
// single text block.
func NormalizeResult(v any) (*mcp.CallToolResult, error) {
	switch r := v.(type) {
	case *mcp.CallToolResult:
		if r == nil {
			return TextResult(""), nil
		}
		return r, nil
	case mcp.CallToolResult:
		return &r, nil
	case string:
		return TextResult(r), nil
	case map[string]any:
		if _, ok := r["content"].([]any); ok {
			b, err := json.Marshal(r)
			if err == nil {
				var res mcp.CallToolResult
				if json.Unmarshal(b, &res) == nil {
					return &res, nil
				}
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return TextResult(string(b)), nil
}

// NormalizeContents converts a resource handler return value into resource
// contents for uri.
func NormalizeContents(uri, mimeType string, v any) ([]mcp.ResourceContents, error) {
	switch c := v.(type) {
	case []mcp.ResourceContents:
		return c, nil
	case mcp.ResourceContents:
		return []mcp.ResourceContents{c}, nil
	case string:
		if mimeType == "" {
			mimeType = mcp.MimeTypeText
		}
		return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: c}}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode resource %s: %w", uri, err)
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: mcp.MimeTypeJSON, Text: string(b)}}, nil
}

func toSchema(v any) (*jsonschema.Schema, error) {
	var raw []byte
	switch s := v.(type) {
	case nil:
		return nil, ErrMissingSchema
	case *jsonschema.Schema:
		if s == nil {
			return nil, ErrMissingSchema
		}
		return s, nil
	case jsonschema.Schema:
		return &s, nil
	case json.RawMessage:
		raw = s
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	case map[string]any:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("%w: unsupported schema type %T", ErrMissingSchema, v)
	}
	if len(raw) == 0 {
		return nil, ErrMissingSchema
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return s, nil
}
