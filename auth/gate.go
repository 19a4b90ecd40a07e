package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Config selects how the gate checks tokens. When more than one field is set
// the first of Authenticator, Validate and Token wins. A zero Config leaves
// the server publicly accessible.
type Config struct {
	Token         string
	Validate      ValidateFunc
	Authenticator Authenticator
}

// Enabled reports whether any check is configured.
func (c Config) Enabled() bool {
	return c.Token != "" || c.Validate != nil || c.Authenticator != nil
}

// Reject reasons passed to the rejection hook.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonValidateErr  = "validate_error"
)

// GateOption configures Gate.
type GateOption func(*gate)

// WithLogger sets the logger used for rejections.
func WithLogger(log *slog.Logger) GateOption {
	return func(g *gate) { g.log = log }
}

// WithRejectHook is called once per rejected request with a Reason* value.
func WithRejectHook(fn func(reason string)) GateOption {
	return func(g *gate) { g.onReject = fn }
}

type gate struct {
	cfg      Config
	log      *slog.Logger
	onReject func(reason string)
}

// Gate returns middleware enforcing cfg on every request. Rejections are 401
// with a plain-text body. Tokens are read from "Authorization: Bearer" or,
// failing that, the "key" query parameter.
func Gate(cfg Config, opts ...GateOption) func(http.Handler) http.Handler {
	g := &gate{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(next, w, r)
		})
	}
}

func (g *gate) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := TokenFromRequest(r)
	if tok == "" {
		g.reject(w, r, ReasonMissingToken, "Unauthorized: missing bearer token or key parameter", nil)
		return
	}

	switch {
	case g.cfg.Authenticator != nil:
		ui, err := g.cfg.Authenticator.CheckAuthentication(ctx, tok)
		if err != nil || ui == nil {
			g.reject(w, r, ReasonInvalidToken, "Unauthorized: invalid token", err)
			return
		}
		r = r.WithContext(ContextWithUser(ctx, ui))
	case g.cfg.Validate != nil:
		ok, err := g.cfg.Validate(ctx, tok)
		if err != nil {
			g.reject(w, r, ReasonValidateErr, "Unauthorized: token validation failed", err)
			return
		}
		if !ok {
			g.reject(w, r, ReasonInvalidToken, "Unauthorized: invalid token", nil)
			return
		}
	default:
		if subtle.ConstantTimeCompare([]byte(tok), []byte(g.cfg.Token)) != 1 {
			g.reject(w, r, ReasonInvalidToken, "Unauthorized: invalid token", nil)
			return
		}
	}

	next.ServeHTTP(w, r)
}

func (g *gate) reject(w http.ResponseWriter, r *http.Request, reason, msg string, err error) {
	attrs := []any{slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	g.log.InfoContext(r.Context(), "gate.reject", attrs...)
	if g.onReject != nil {
		g.onReject(reason)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(msg))
}

// TokenFromRequest extracts the candidate bearer token.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if tok := strings.TrimSpace(rest); tok != "" {
				return tok
			}
		}
	}
	return r.URL.Query().Get("key")
}
