package gorm

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/lattice-kg/engine/internal/store"
)

// ListPatterns returns every trigger pattern registered for tenant, plus any
// globally registered patterns (tenant_id IS NULL).
func (s *Store) ListPatterns(ctx context.Context, tenant string) ([]*store.Pattern, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "list_patterns")
	defer cancel()

	var patterns []*store.Pattern
	err := s.DB.WithContext(ctx).
		Where("tenant_id = ? OR tenant_id IS NULL", tenant).
		Find(&patterns).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return patterns, nil
}

// UpsertPattern inserts or replaces a pattern registration keyed by (name, tenant_id).
func (s *Store) UpsertPattern(ctx context.Context, p *store.Pattern) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "upsert_pattern")
	defer cancel()

	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(p)
	return s.inTx(res)
}

// DeletePattern removes a tenant's trigger pattern registration by name.
func (s *Store) DeletePattern(ctx context.Context, tenant, name string) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "delete_pattern")
	defer cancel()

	res := s.DB.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenant, name).
		Delete(&store.Pattern{})
	return s.inTx(res)
}
