package store

import (
	"context"

	"github.com/lattice-kg/engine/internal/kgerrors"
)

type tenantKey struct{}

// WithTenant binds a tenant ID to ctx. A context already bound to a
// different tenant cannot be rebound (ErrTenantRebind) — this is the
// tenant seal's single entry point, so every downstream store call derives
// its row-level scope from one place.
func WithTenant(ctx context.Context, tenantID string) (context.Context, error) {
	if existing, ok := TenantFrom(ctx); ok && existing != tenantID {
		return ctx, kgerrors.ErrTenantRebind
	}
	return context.WithValue(ctx, tenantKey{}, tenantID), nil
}

// TenantFrom extracts the bound tenant ID, if any.
func TenantFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantKey{}).(string)
	return v, ok
}

// RequireTenant extracts the bound tenant ID or returns a validation error.
func RequireTenant(ctx context.Context) (string, error) {
	tenant, ok := TenantFrom(ctx)
	if !ok || tenant == "" {
		return "", kgerrors.New(kgerrors.KindValidation, "missing-tenant", nil)
	}
	return tenant, nil
}
