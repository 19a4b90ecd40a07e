package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-edge-go/internal/validation"
	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
)

// ToolCall is a tool invocation whose arguments already passed schema
// validation.
type ToolCall struct {
	Name string
	// Raw is the arguments object as received.
	Raw json.RawMessage
	// Args is Raw decoded into a generic object.
	Args map[string]any
}

// ToolHandler handles a validated tool invocation.
type ToolHandler func(ctx context.Context, session Session, call *ToolCall) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
}

// WithToolTitle sets the human-readable tool title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default the reflected schema sets additionalProperties to
// false.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool from a typed argument struct A. The input schema
// is reflected from A and the validated arguments are decoded into A before
// fn runs. The value fn returns is normalized with NormalizeResult.
func NewTool[A any](name string, fn func(ctx context.Context, session Session, args A) (any, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session Session, call *ToolCall) (*mcp.CallToolResult, error) {
		var a A
		if len(call.Raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(call.Raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		out, err := fn(ctx, session, a)
		if err != nil {
			return nil, err
		}
		return NormalizeResult(out)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects A with invopop/jsonschema and re-reads the
// result as a jsonschema-go schema so it can be resolved for validation.
// Non-object types collapse to an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) *jsonschema.Schema {
	r := &invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	reflected := r.Reflect(new(A))
	if reflected == nil || reflected.Type != "object" {
		return &jsonschema.Schema{Type: "object"}
	}
	reflected.Version = ""

	b, err := json.Marshal(reflected)
	if err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(b, s); err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	return s
}

type toolEntry struct {
	desc    mcp.Tool
	handler ToolHandler
	args    *validation.Arguments
}

// ToolsContainer owns a mutable, threadsafe set of tools. It implements
// ToolsCapability and notifies subscribers whenever the set changes.
type ToolsContainer struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]toolEntry
	pageSize int

	notifier ChangeNotifier
}

// NewToolsContainer constructs a container holding defs.
func NewToolsContainer(defs ...StaticTool) (*ToolsContainer, error) {
	st := &ToolsContainer{entries: map[string]toolEntry{}, pageSize: DefaultPageSize}
	if err := st.Replace(defs...); err != nil {
		return nil, err
	}
	return st, nil
}

// SetPageSize sets the ListTools page size. Non-positive values are ignored.
func (st *ToolsContainer) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	st.mu.Lock()
	st.pageSize = n
	st.mu.Unlock()
}

func compileTool(def StaticTool) (toolEntry, error) {
	if def.Descriptor.Name == "" {
		return toolEntry{}, fmt.Errorf("mcpservice: tool name is required")
	}
	if def.Descriptor.InputSchema == nil {
		return toolEntry{}, fmt.Errorf("%w: %s", ErrMissingSchema, def.Descriptor.Name)
	}
	if def.Handler == nil {
		return toolEntry{}, fmt.Errorf("%w: %s", ErrMissingHandler, def.Descriptor.Name)
	}
	desc := def.Descriptor
	desc.InputSchema = desc.InputSchema.CloneSchemas()
	args, err := validation.Compile(desc.InputSchema)
	if err != nil {
		return toolEntry{}, fmt.Errorf("mcpservice: tool %s: %w", desc.Name, err)
	}
	return toolEntry{desc: desc, handler: def.Handler, args: args}, nil
}

// Add registers def. The container keeps a normalized copy of the input
// schema.
func (st *ToolsContainer) Add(def StaticTool) error {
	e, err := compileTool(def)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if _, exists := st.entries[e.desc.Name]; exists {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, e.desc.Name)
	}
	st.entries[e.desc.Name] = e
	st.order = append(st.order, e.desc.Name)
	st.mu.Unlock()

	st.notifier.Notify()
	return nil
}

// Remove unregisters a tool by name. It reports whether the tool existed.
func (st *ToolsContainer) Remove(name string) bool {
	st.mu.Lock()
	if _, ok := st.entries[name]; !ok {
		st.mu.Unlock()
		return false
	}
	delete(st.entries, name)
	for i, n := range st.order {
		if n == name {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	st.mu.Unlock()

	st.notifier.Notify()
	return true
}

// Replace atomically replaces the whole tool set. On error the previous set
// is left untouched. For duplicate names the last definition wins.
func (st *ToolsContainer) Replace(defs ...StaticTool) error {
	entries := make(map[string]toolEntry, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		e, err := compileTool(d)
		if err != nil {
			return err
		}
		if _, dup := entries[e.desc.Name]; !dup {
			order = append(order, e.desc.Name)
		}
		entries[e.desc.Name] = e
	}

	st.mu.Lock()
	st.entries = entries
	st.order = order
	st.mu.Unlock()

	st.notifier.Notify()
	return nil
}

// Snapshot returns the current tool descriptors in registration order.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(st.order))
	for _, name := range st.order {
		out = append(out, st.entries[name].desc)
	}
	return out
}

// Subscriber implements ChangeSubscriber.
func (st *ToolsContainer) Subscriber() <-chan struct{} {
	return st.notifier.Subscriber()
}

// ListTools implements ToolsCapability.
func (st *ToolsContainer) ListTools(ctx context.Context, session Session, cursor *string) (Page[mcp.Tool], error) {
	st.mu.RLock()
	pageSize := st.pageSize
	st.mu.RUnlock()
	return paginate(st.Snapshot(), cursor, pageSize), nil
}

// CallTool implements ToolsCapability. Arguments are validated against the
// tool's input schema before the handler runs; a validation failure is an
// isError result rather than an error.
func (st *ToolsContainer) CallTool(ctx context.Context, session Session, req *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	st.mu.RLock()
	e, ok := st.entries[req.Name]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}

	args, err := e.args.Validate(req.Arguments)
	if err != nil {
		return Errorf("%v", err), nil
	}
	res, err := e.handler(ctx, session, &ToolCall{Name: req.Name, Raw: req.Arguments, Args: args})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return TextResult(""), nil
	}
	return res, nil
}

// GetListChangedCapability implements ToolsCapability.
func (st *ToolsContainer) GetListChangedCapability(ctx context.Context, session Session) (ListChangedCapability, bool, error) {
	return listChangedFromNotifier{n: &st.notifier}, true, nil
}

// TextResult builds a CallToolResult holding a single text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// Errorf returns an isError CallToolResult with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, a...))}, IsError: true}
}
