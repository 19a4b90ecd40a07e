package wellknown

import (
	"encoding/json"
	"net/http"
)

// ProtectedResourcePath is where OAuth clients look for resource metadata
// (RFC 9728).
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewProtectedResourceMetadata describes resource as protected by the given
// issuer. The issuer may be empty when tokens are checked against a bare
// JWKS document.
func NewProtectedResourceMetadata(resource, issuer, jwksURI string, scopes []string) ProtectedResourceMetadata {
	md := ProtectedResourceMetadata{
		Resource:               resource,
		JwksURI:                jwksURI,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "mcp-edge",
	}
	if issuer != "" {
		md.AuthorizationServers = []string{issuer}
	}
	return md
}

// Handler serves md as JSON with a short public cache lifetime.
func (md ProtectedResourceMetadata) Handler() http.Handler {
	body, _ := json.Marshal(md)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(body)
	})
}
