package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProtectedResourceMetadataHandler(t *testing.T) {
	md := NewProtectedResourceMetadata("https://edge.example.com/", "", "https://keys.example.com/jwks.json", nil)

	rec := httptest.NewRecorder()
	md.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["authorization_servers"]; ok {
		t.Fatalf("authorization_servers should be omitted without an issuer: %v", raw)
	}
	if raw["jwks_uri"] != "https://keys.example.com/jwks.json" {
		t.Fatalf("jwks_uri = %v", raw["jwks_uri"])
	}
	if raw["resource"] != "https://edge.example.com/" {
		t.Fatalf("resource = %v", raw["resource"])
	}
}
