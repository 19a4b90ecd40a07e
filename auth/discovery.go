package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoveryConfig configures NewFromDiscovery.
type DiscoveryConfig struct {
	// Issuer is the authorization server issuer URL.
	Issuer string
	// Audience is the expected "aud" claim, typically the public MCP URL.
	Audience string
	// ExtraAudiences are also accepted, e.g. a local development URL.
	ExtraAudiences []string
	RequiredScopes []string
	ScopeModeAny   bool
	// AllowedAlgs defaults to RS256. "none" is never allowed.
	AllowedAlgs []string
	// Leeway defaults to 60s.
	Leeway time.Duration
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using the issuer's OpenID Connect discovery document. JWKS keys are
// auto-refreshed for the lifetime of ctx.
func NewFromDiscovery(ctx context.Context, cfg DiscoveryConfig) (Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	jc := JWTConfig{
		Issuer:                meta.Issuer,
		Audiences:             append([]string{cfg.Audience}, cfg.ExtraAudiences...),
		AllowedAlgs:           cfg.AllowedAlgs,
		Leeway:                cfg.Leeway,
		RequiredScopes:        cfg.RequiredScopes,
		ScopeModeAny:          cfg.ScopeModeAny,
		RequireAccessTokenTyp: true,
	}
	if len(jc.AllowedAlgs) == 0 {
		jc.AllowedAlgs = []string{"RS256"}
	}
	if jc.Leeway == 0 {
		jc.Leeway = 60 * time.Second
	}
	return newVerifier(jc, kf.Keyfunc), nil
}
