package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ValidateFunc decides whether tok grants access. Returning an error rejects
// the request exactly like returning false.
type ValidateFunc func(ctx context.Context, tok string) (bool, error)

// Validator adapts an Authenticator into a ValidateFunc. The resolved
// UserInfo is discarded; use Config.Authenticator to keep it.
func Validator(a Authenticator) ValidateFunc {
	return func(ctx context.Context, tok string) (bool, error) {
		ui, err := a.CheckAuthentication(ctx, tok)
		if err != nil {
			return false, err
		}
		return ui != nil, nil
	}
}

type userKey struct{}

// ContextWithUser returns a copy of ctx carrying ui.
func ContextWithUser(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, ui)
}

// UserFrom returns the principal attached by the gate, if any.
func UserFrom(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userKey{}).(UserInfo)
	return ui, ok
}

type claimsUser struct {
	sub    string
	claims map[string]any
}

func (u *claimsUser) UserID() string { return u.sub }
func (u *claimsUser) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
