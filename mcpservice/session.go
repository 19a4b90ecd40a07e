package mcpservice

import "github.com/ggoodman/mcp-edge-go/mcp"

// Session is the view of one engine connection handed to capabilities and
// handlers. A session identifier may be shared by several connections (one
// SSE stream plus any number of WebSockets); ConnectionID tells them apart.
type Session interface {
	SessionID() string
	ConnectionID() string
	// Transport is the wire transport kind, "sse" or "websocket".
	Transport() string
	// ProtocolVersion is empty until initialize has completed.
	ProtocolVersion() string
	ClientInfo() mcp.ImplementationInfo
}
