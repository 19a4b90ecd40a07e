package mcpservice

import "errors"

var (
	// ErrMissingSchema is returned when a tool is registered without an
	// input schema.
	ErrMissingSchema = errors.New("mcpservice: tool input schema is required")
	// ErrMissingHandler is returned when a tool schema is registered without
	// a handler.
	ErrMissingHandler = errors.New("mcpservice: tool handler is required")
	// ErrDuplicateTool is returned when a tool name is already registered.
	ErrDuplicateTool = errors.New("mcpservice: duplicate tool")
	// ErrToolNotFound is returned when calling an unregistered tool.
	ErrToolNotFound = errors.New("mcpservice: tool not found")
	// ErrDuplicateResource is returned when a resource URI is already
	// registered.
	ErrDuplicateResource = errors.New("mcpservice: duplicate resource")
	// ErrResourceNotFound is returned when reading an unregistered resource.
	ErrResourceNotFound = errors.New("mcpservice: resource not found")
)
