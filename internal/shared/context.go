package shared

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the caller resolved by the upstream permission check.
type Identity struct {
	OrganizationID uuid.UUID
	ActorID        uuid.UUID
	Roles          []string
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
