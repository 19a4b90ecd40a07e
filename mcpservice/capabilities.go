package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-edge-go/mcp"
)

// ServerCapabilities is consumed by the engine while answering initialize and
// when dispatching list and call requests.
type ServerCapabilities interface {
	// GetServerInfo returns implementation information surfaced in the
	// initialize result. It may be called many times and should be cheap.
	GetServerInfo(ctx context.Context, session Session) (mcp.ImplementationInfo, error)

	// GetInstructions returns optional human-readable instructions. If ok is
	// false, none are included in the initialize result.
	GetInstructions(ctx context.Context, session Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok
	// is false, tools are not advertised.
	GetToolsCapability(ctx context.Context, session Session) (cap ToolsCapability, ok bool, err error)

	// GetResourcesCapability returns the resources capability for the
	// session. If ok is false, resources are not advertised.
	GetResourcesCapability(ctx context.Context, session Session) (cap ResourcesCapability, ok bool, err error)
}

// ToolsCapability defines the tools surface area.
type ToolsCapability interface {
	// ListTools returns a page of tools. A nil cursor requests the first
	// page; NextCursor is set when more results are available.
	ListTools(ctx context.Context, session Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool. Invalid arguments are reported as an
	// isError result; a returned error is surfaced as a JSON-RPC error.
	CallTool(ctx context.Context, session Session, req *mcp.CallToolParams) (*mcp.CallToolResult, error)

	// GetListChangedCapability reports whether tools/list_changed
	// notifications are available.
	GetListChangedCapability(ctx context.Context, session Session) (cap ListChangedCapability, ok bool, err error)
}

// ResourcesCapability defines the read-only resources surface area.
type ResourcesCapability interface {
	// ListResources returns a page of resources. A nil cursor requests the
	// first page.
	ListResources(ctx context.Context, session Session, cursor *string) (Page[mcp.Resource], error)

	// ReadResource returns the contents for a resource URI. Unknown URIs
	// yield an error wrapping ErrResourceNotFound.
	ReadResource(ctx context.Context, session Session, uri string) ([]mcp.ResourceContents, error)

	// GetListChangedCapability reports whether resources/list_changed
	// notifications are available.
	GetListChangedCapability(ctx context.Context, session Session) (cap ListChangedCapability, ok bool, err error)
}

// NotifyListChangedFunc is invoked when a list surface changes. Rapid changes
// may be coalesced into fewer calls.
type NotifyListChangedFunc func(ctx context.Context, session Session)

// ListChangedCapability registers list-changed callbacks. Delivery stops once
// ctx is done.
type ListChangedCapability interface {
	Register(ctx context.Context, session Session, fn NotifyListChangedFunc) (ok bool, err error)
}
