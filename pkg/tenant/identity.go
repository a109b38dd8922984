package tenant

import (
	"context"

	"github.com/serverlessresearch/srkstore/pkg/srk"
)

// Identity is the verified caller context taken from the bearer token.
type Identity struct {
	TenantID string
	Subject  string
	Roles    []string
}

func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (id Identity) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if id.HasRole(r) {
			return true
		}
	}
	return false
}

func (id Identity) IsAdmin() bool { return id.HasRole(srk.RoleTenantAdmin) }

type contextKey struct{}

func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by NewContext. ok is false for
// unauthenticated requests.
func FromContext(ctx context.Context) (id Identity, ok bool) {
	id, ok = ctx.Value(contextKey{}).(Identity)
	return id, ok && id.TenantID != ""
}
