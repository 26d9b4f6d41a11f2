package app

import (
	"context"
	"errors"
)

// registerUser creates the user's storage namespace. Registration is
// idempotent server-side, so a returning user just reclaims their name.
func (a *App) registerUser(ctx context.Context, username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	return a.store.Register(ctx, username)
}
