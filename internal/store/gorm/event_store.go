package gorm

import (
	"context"

	"github.com/google/uuid"

	"github.com/lattice-kg/engine/internal/store"
)

// AppendEvent writes one append-only audit row, scoped to the bound tenant.
func (s *Store) AppendEvent(ctx context.Context, e *store.Event) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "append_event")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return s.inTx(db.Create(e))
}

// ListEvents returns the most recent events for a node, newest first.
func (s *Store) ListEvents(ctx context.Context, nodeID string, limit int) ([]*store.Event, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "list_events")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var events []*store.Event
	if err := db.Where("node_id = ?", nodeID).Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return events, nil
}
