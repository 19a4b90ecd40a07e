// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-edge-go/auth"
)

// Static maps fixed tokens to user ids.
type Static map[string]string

// CheckAuthentication implements auth.Authenticator.
func (s Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(uid), nil
}

// User is a UserInfo with an id and no claims.
type User string

// UserID returns the user id.
func (u User) UserID() string { return string(u) }

// Claims leaves ref untouched.
func (u User) Claims(ref any) error { return nil }
