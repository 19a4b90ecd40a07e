package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-edge-go/mcp"
)

// ServerOption configures NewServer.
type ServerOption func(*server)

// lookup resolves one capability for a session; ok is false when the
// capability is absent.
type lookup[T any] func(ctx context.Context, session Session) (v T, ok bool, err error)

func fixed[T any](v T) lookup[T] {
	return func(context.Context, Session) (T, bool, error) { return v, true, nil }
}

func (l lookup[T]) get(ctx context.Context, session Session) (T, bool, error) {
	if l == nil {
		var zero T
		return zero, false, nil
	}
	return l(ctx, session)
}

type server struct {
	info         mcp.ImplementationInfo
	instructions lookup[string]
	tools        lookup[ToolsCapability]
	resources    lookup[ResourcesCapability]
}

// NewServer assembles a ServerCapabilities from options. Capabilities left
// unset are not advertised.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.info = info }
}

// WithInstructions sets the text returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *server) { s.instructions = fixed(text) }
}

func WithToolsCapability(c ToolsCapability) ServerOption {
	return func(s *server) {
		if c != nil {
			s.tools = fixed(c)
		}
	}
}

// WithToolsProvider picks the tools per session. Returning ok=false hides the
// tools capability from that session.
func WithToolsProvider(fn func(ctx context.Context, session Session) (ToolsCapability, bool, error)) ServerOption {
	return func(s *server) { s.tools = fn }
}

func WithResourcesCapability(c ResourcesCapability) ServerOption {
	return func(s *server) {
		if c != nil {
			s.resources = fixed(c)
		}
	}
}

// WithRegistry advertises both containers of reg.
func WithRegistry(reg *Registry) ServerOption {
	return func(s *server) {
		s.tools = fixed[ToolsCapability](reg.Tools())
		s.resources = fixed[ResourcesCapability](reg.Resources())
	}
}

func (s *server) GetServerInfo(context.Context, Session) (mcp.ImplementationInfo, error) {
	return s.info, nil
}

func (s *server) GetInstructions(ctx context.Context, session Session) (string, bool, error) {
	return s.instructions.get(ctx, session)
}

func (s *server) GetToolsCapability(ctx context.Context, session Session) (ToolsCapability, bool, error) {
	return s.tools.get(ctx, session)
}

func (s *server) GetResourcesCapability(ctx context.Context, session Session) (ResourcesCapability, bool, error) {
	return s.resources.get(ctx, session)
}
