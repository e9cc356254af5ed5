// Package auth authenticates API callers and decides what they may do:
// role floors per HTTP method, tenant membership checks, and a small
// YAML rule language for gating run signals.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Identity is the authenticated caller. Tenants lists the tenant ids the
// caller may act on; the wildcard "*" grants all tenants.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
	Tenants []string
}

func (i Identity) TenantAllowed(tenantID string) bool {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false
	}
	for _, t := range i.Tenants {
		t = strings.TrimSpace(t)
		if t == "*" || t == tenantID {
			return true
		}
	}
	return false
}

// AssertTenantAccess returns ErrForbidden unless the identity may act on
// the tenant. Admins bypass tenant membership.
func AssertTenantAccess(identity Identity, tenantID string) error {
	if HasAtLeast(identity.Roles, RoleAdmin) {
		return nil
	}
	if identity.TenantAllowed(tenantID) {
		return nil
	}
	return ErrForbidden
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
