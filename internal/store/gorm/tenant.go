package gorm

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/lattice-kg/engine/internal/store"
)

// withTenantScope applies the tenant seal to db by scoping the returned
// query with an explicit tenant_id predicate. It also issues SET LOCAL
// app.tenant_id, but as a standalone statement outside any transaction, so
// the setting ends with that statement and the returned query does not see
// it; the migrations create no row-security policy.
func withTenantScope(ctx context.Context, db *gorm.DB) (*gorm.DB, error) {
	tenant, err := store.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	scoped := db.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL app.tenant_id = %s", quoteLiteral(tenant)))
	if scoped.Error != nil {
		return nil, scoped.Error
	}
	return db.WithContext(ctx).Where("tenant_id = ?", tenant), nil
}

func quoteLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
