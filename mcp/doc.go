// Package mcp contains the Model Context Protocol data types exchanged over
// the SSE and WebSocket transports. It mirrors the wire representation of the
// tools and resources surface of the protocol while keeping it Go-friendly:
// exported structs with json tags and string constants for method names.
//
// The package holds no transport or engine logic. Transports frame these
// types as JSON-RPC payloads; the engine and mcpservice build them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod).
//
// # Tool Schemas
//
// Tool.InputSchema is a *jsonschema.Schema from github.com/google/jsonschema-go
// so that advertised schemas and argument validation share one representation.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextContent("5")},
//	}
//
// # Compatibility
//
// SupportedProtocolVersions lists the protocol dates the engine accepts
// during initialize. Older SSE-only clients announce 2024-11-05.
package mcp
