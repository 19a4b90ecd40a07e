// Package auth gates every request in front of the session router.
//
// Gate is the middleware. It extracts a bearer token from the Authorization
// header, or the "key" query parameter when the header is absent, and checks
// it against one of:
//
//   - a fixed shared token (constant-time comparison),
//   - a ValidateFunc callback,
//   - an Authenticator such as NewJWT or NewFromDiscovery, whose UserInfo is
//     attached to the request context (see UserFrom).
//
// Rejections are 401 with a plain-text body. A zero Config disables the gate.
//
// Example:
//
//	authn, err := auth.NewJWT(ctx, auth.JWTConfig{
//	    Secret:    []byte(os.Getenv("MCP_JWT_SECRET")),
//	    Issuer:    "https://issuer.example",
//	    Audiences: []string{"https://mcp.example"},
//	})
//	if err != nil { log.Fatal(err) }
//	h = auth.Gate(auth.Config{Authenticator: authn})(h)
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
