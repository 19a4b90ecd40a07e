package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls validation of JWT bearer tokens. Exactly one of Secret
// and JWKSURL must be set.
type JWTConfig struct {
	// Secret verifies HMAC-signed tokens (HS256/384/512).
	Secret []byte
	// JWKSURL is fetched and refreshed in the background for asymmetric keys.
	JWKSURL string

	Issuer string
	// Audiences lists accepted "aud" values; any match is sufficient. Empty
	// disables the audience check.
	Audiences []string
	// AllowedAlgs defaults to HS256 with Secret and RS256 with JWKSURL.
	AllowedAlgs    []string
	Leeway         time.Duration
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	// RequireAccessTokenTyp enforces the RFC 9068 "at+jwt" header.
	RequireAccessTokenTyp bool
}

// NewJWT returns an Authenticator validating tokens per cfg. ctx bounds the
// background JWKS refresh.
func NewJWT(ctx context.Context, cfg JWTConfig) (Authenticator, error) {
	switch {
	case len(cfg.Secret) > 0 && cfg.JWKSURL != "":
		return nil, errors.New("auth: secret and jwks url are mutually exclusive")
	case len(cfg.Secret) > 0:
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"HS256"}
		}
		secret := slices.Clone(cfg.Secret)
		return newVerifier(cfg, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return secret, nil
		}), nil
	case cfg.JWKSURL != "":
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"RS256"}
		}
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init failed: %w", err)
		}
		return newVerifier(cfg, kf.Keyfunc), nil
	default:
		return nil, errors.New("auth: secret or jwks url is required")
	}
}

type verifier struct {
	cfg     JWTConfig
	keyfunc jwt.Keyfunc
}

func newVerifier(cfg JWTConfig, kf jwt.Keyfunc) *verifier {
	cfg.AllowedAlgs = slices.DeleteFunc(slices.Clone(cfg.AllowedAlgs), func(a string) bool {
		return strings.EqualFold(a, "none")
	})
	return &verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(cfg.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf(t)
	}}
}

func (v *verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireAccessTokenTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if err := checkScopes(claims, v.cfg.RequiredScopes, v.cfg.ScopeModeAny); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &claimsUser{sub: sub, claims: claims}, nil
}

func checkScopes(claims jwt.MapClaims, required []string, anyMode bool) error {
	if len(required) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if anyMode {
		for _, want := range required {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range required {
		if !slices.Contains(have, want) {
			return ErrInsufficientScope
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
