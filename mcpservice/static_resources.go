package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-edge-go/mcp"
)

// ResourceHandler produces the contents of a read-only resource.
type ResourceHandler func(ctx context.Context, session Session, uri string) ([]mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with its handler.
type StaticResource struct {
	Descriptor mcp.Resource
	Handler    ResourceHandler
}

// TextResource returns a StaticResource with fixed text contents.
func TextResource(uri, name, mimeType, text string) StaticResource {
	if mimeType == "" {
		mimeType = mcp.MimeTypeText
	}
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Handler: func(context.Context, Session, string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}, nil
		},
	}
}

// ResourcesContainer owns a mutable, threadsafe set of read-only resources.
// It implements ResourcesCapability and notifies subscribers whenever the set
// changes.
type ResourcesContainer struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]StaticResource
	pageSize int

	notifier ChangeNotifier
}

// NewResourcesContainer constructs a container holding defs.
func NewResourcesContainer(defs ...StaticResource) (*ResourcesContainer, error) {
	sr := &ResourcesContainer{entries: map[string]StaticResource{}, pageSize: DefaultPageSize}
	for _, d := range defs {
		if err := sr.Add(d); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// SetPageSize sets the ListResources page size. Values < 1 are ignored.
func (sr *ResourcesContainer) SetPageSize(n int) {
	if n < 1 {
		return
	}
	sr.mu.Lock()
	sr.pageSize = n
	sr.mu.Unlock()
}

// Add registers def. A missing name defaults to the URI.
func (sr *ResourcesContainer) Add(def StaticResource) error {
	uri := def.Descriptor.URI
	if uri == "" {
		return fmt.Errorf("mcpservice: resource uri is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("mcpservice: resource %s: handler is required", uri)
	}
	if def.Descriptor.Name == "" {
		def.Descriptor.Name = uri
	}

	sr.mu.Lock()
	if _, exists := sr.entries[uri]; exists {
		sr.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateResource, uri)
	}
	sr.entries[uri] = def
	sr.order = append(sr.order, uri)
	sr.mu.Unlock()

	sr.notifier.Notify()
	return nil
}

// Remove unregisters a resource. It reports whether the resource existed.
func (sr *ResourcesContainer) Remove(uri string) bool {
	sr.mu.Lock()
	if _, ok := sr.entries[uri]; !ok {
		sr.mu.Unlock()
		return false
	}
	delete(sr.entries, uri)
	for i, u := range sr.order {
		if u == uri {
			sr.order = append(sr.order[:i], sr.order[i+1:]...)
			break
		}
	}
	sr.mu.Unlock()

	sr.notifier.Notify()
	return true
}

// Snapshot returns the current resource descriptors in registration order.
func (sr *ResourcesContainer) Snapshot() []mcp.Resource {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	out := make([]mcp.Resource, 0, len(sr.order))
	for _, uri := range sr.order {
		out = append(out, sr.entries[uri].Descriptor)
	}
	return out
}

// Subscriber implements ChangeSubscriber.
func (sr *ResourcesContainer) Subscriber() <-chan struct{} {
	return sr.notifier.Subscriber()
}

// ListResources implements ResourcesCapability.
func (sr *ResourcesContainer) ListResources(ctx context.Context, session Session, cursor *string) (Page[mcp.Resource], error) {
	sr.mu.RLock()
	pageSize := sr.pageSize
	sr.mu.RUnlock()
	return paginate(sr.Snapshot(), cursor, pageSize), nil
}

// ReadResource implements ResourcesCapability.
func (sr *ResourcesContainer) ReadResource(ctx context.Context, session Session, uri string) ([]mcp.ResourceContents, error) {
	sr.mu.RLock()
	def, ok := sr.entries[uri]
	sr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return def.Handler(ctx, session, uri)
}

// GetListChangedCapability implements ResourcesCapability.
func (sr *ResourcesContainer) GetListChangedCapability(ctx context.Context, session Session) (ListChangedCapability, bool, error) {
	return listChangedFromNotifier{n: &sr.notifier}, true, nil
}
