package session

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
)

// Route names one of the router's request handlers.
type Route string

const (
	RouteWebSocket Route = "websocket"
	RouteSSE       Route = "sse"
	RouteMessage   Route = "message"
	RouteDiscovery Route = "discovery"
	routeNotFound  Route = "not_found"
)

// DefaultRouteOrder gives an upgrade request precedence over content
// negotiation, and SSE precedence over discovery on a bare GET.
func DefaultRouteOrder() []Route {
	return []Route{RouteWebSocket, RouteSSE, RouteMessage, RouteDiscovery}
}

var (
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	jsonMediaType        = contenttype.NewMediaType("application/json")
	negotiable           = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
)

// SessionIDParam is the query parameter carrying the session identifier.
const SessionIDParam = "sessionId"

func (rt *Router) match(r *http.Request) Route {
	for _, route := range rt.cfg.order {
		if rt.matches(route, r) {
			return route
		}
	}
	return routeNotFound
}

func (rt *Router) matches(route Route, r *http.Request) bool {
	p := rt.cfg.paths
	path := r.URL.Path
	upgrade := isWebSocketUpgrade(r)

	switch route {
	case RouteWebSocket:
		return upgrade && (path == p.Root || path == p.WebSocket)
	case RouteSSE:
		if r.Method != http.MethodGet {
			return false
		}
		return acceptsEventStream(r) || path == p.SSE ||
			(path == p.Root && r.Header.Get("Upgrade") == "" && !prefersJSON(r))
	case RouteMessage:
		return r.Method == http.MethodPost && (path == p.Message || path == p.Root)
	case RouteDiscovery:
		return r.Method == http.MethodGet && path == p.Root && prefersJSON(r)
	}
	return false
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func acceptsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mt), "text/event-stream") {
			return true
		}
	}
	return false
}

// prefersJSON reports whether the Accept header explicitly negotiates JSON
// over an event stream. A missing or wildcard Accept does not.
func prefersJSON(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, negotiable)
	return err == nil && mt.Matches(jsonMediaType) && !acceptsEventStream(r)
}

// publicURL resolves path against the router's base URL with query q.
func (rt *Router) publicURL(r *http.Request, path string, q url.Values, websocket bool) string {
	u := url.URL{Path: path, RawQuery: q.Encode()}
	if base, err := url.Parse(rt.cfg.baseURL); rt.cfg.baseURL != "" && err == nil {
		u.Scheme, u.Host = base.Scheme, base.Host
		u.Path = strings.TrimSuffix(base.Path, "/") + path
	} else {
		u.Scheme, u.Host = requestScheme(r), r.Host
	}
	if websocket {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	return u.String()
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// sessionQuery copies the request query and sets the session identifier.
func (rt *Router) sessionQuery(r *http.Request) url.Values {
	q := url.Values{}
	for k, vs := range r.URL.Query() {
		q[k] = append([]string(nil), vs...)
	}
	q.Set(SessionIDParam, rt.sessionID)
	return q
}

// Discovery is the document served to GET requests negotiating JSON.
type Discovery struct {
	Status                string                `json:"status"`
	Message               string                `json:"message"`
	SessionID             string                `json:"sessionId"`
	TransportOptions      TransportOptions      `json:"transport_options"`
	BackwardCompatibility BackwardCompatibility `json:"backward_compatibility"`
}

// TransportOptions lists how to reach each transport.
type TransportOptions struct {
	SSE       SSEOption       `json:"sse"`
	WebSocket WebSocketOption `json:"websocket"`
}

// SSEOption describes the SSE stream and its message endpoint.
type SSEOption struct {
	URL         string `json:"url"`
	MessageURL  string `json:"message_url"`
	Description string `json:"description"`
}

// WebSocketOption describes the WebSocket endpoint.
type WebSocketOption struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// BackwardCompatibility lists the root-path aliases older clients use.
type BackwardCompatibility struct {
	SSE       string `json:"sse"`
	WebSocket string `json:"websocket"`
	Message   string `json:"message"`
}

func (rt *Router) discovery(r *http.Request) Discovery {
	q := rt.sessionQuery(r)
	p := rt.cfg.paths
	return Discovery{
		Status:    "ok",
		Message:   "MCP server ready. Connect over SSE or WebSocket.",
		SessionID: rt.sessionID,
		TransportOptions: TransportOptions{
			SSE: SSEOption{
				URL:         rt.publicURL(r, p.SSE, q, false),
				MessageURL:  rt.publicURL(r, p.Message, q, false),
				Description: "Server-Sent Events stream; POST JSON-RPC messages to message_url",
			},
			WebSocket: WebSocketOption{
				URL:         rt.publicURL(r, p.WebSocket, q, true),
				Description: "Bidirectional JSON-RPC over WebSocket text frames",
			},
		},
		BackwardCompatibility: BackwardCompatibility{
			SSE:       rt.publicURL(r, p.Root, q, false),
			WebSocket: rt.publicURL(r, p.Root, q, true),
			Message:   rt.publicURL(r, p.Root, q, false),
		},
	}
}
