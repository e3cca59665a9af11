package devserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

type userKey struct{}

// withUser marks ctx as belonging to the bearer of a verified access token.
func withUser(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// userFrom returns the user set by the auth middleware.
func userFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
