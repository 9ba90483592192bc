package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

// CreateNode inserts a new node scoped to the bound tenant.
func (s *Store) CreateNode(ctx context.Context, n *store.Node) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "create_node")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Version == 0 {
		n.Version = 1
	}
	now := time.Now()
	n.CreatedAt, n.UpdatedAt, n.LastRefreshed = now, now, now

	return s.inTx(db.Create(n))
}

// UpdateNode persists a node's mutable fields and snapshots the prior state
// into node_versions before overwriting.
func (s *Store) UpdateNode(ctx context.Context, n *store.Node) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "update_node")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}

	return s.inTxFn(db, func(tx *gorm.DB) error {
		var prior store.Node
		if err := tx.First(&prior, "id = ?", n.ID).Error; err != nil {
			return wrapStoreErr(err)
		}
		version := store.NodeVersion{
			ID:         uuid.New(),
			NodeID:     prior.ID,
			Version:    prior.Version,
			Classes:    prior.Classes,
			Props:      prior.Props,
			PayloadRef: prior.PayloadRef,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&version).Error; err != nil {
			return wrapStoreErr(err)
		}

		n.Version = prior.Version + 1
		n.UpdatedAt = time.Now()
		return wrapStoreErr(tx.Model(&store.Node{}).Where("id = ?", n.ID).Updates(n).Error)
	})
}

// UpsertEmbedding writes a node's new embedding, records drift history, and
// advances its embedding lifecycle to ready.
func (s *Store) UpsertEmbedding(ctx context.Context, nodeID string, vector []float32, drift float64) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "upsert_embedding")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}

	return s.inTxFn(db, func(tx *gorm.DB) error {
		now := time.Now()
		vec := pgvector.NewVector(vector)
		res := tx.Exec(
			`UPDATE nodes SET embedding = ?, embedding_dim = ?, embedding_status = ?,
			 embedding_attempts = 0, embedding_error = '', embedding_updated_at = ?,
			 last_refreshed = ?, updated_at = ?, last_drift = ?
			 WHERE id = ?`,
			vec, len(vector), store.EmbeddingReady, now, now, now, drift, nodeID,
		)
		if res.Error != nil {
			return wrapStoreErr(res.Error)
		}
		hist := store.EmbeddingHistory{
			ID:                uuid.New(),
			NodeID:            uuid.MustParse(nodeID),
			DriftFromPrevious: drift,
			CreatedAt:         now,
		}
		return wrapStoreErr(tx.Create(&hist).Error)
	})
}

// MarkEmbeddingFailed records a failed embed attempt without aborting the
// caller's batch (SPEC_FULL.md §4.2).
func (s *Store) MarkEmbeddingFailed(ctx context.Context, nodeID, reason string) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "mark_embedding_failed")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	return s.inTx(db.Model(&store.Node{}).Where("id = ?", nodeID).
		Updates(map[string]any{
			"embedding_status":    store.EmbeddingFailed,
			"embedding_error":     reason,
			"embedding_attempts":  gorm.Expr("embedding_attempts + 1"),
			"embedding_updated_at": time.Now(),
		}))
}

// GetNode fetches a single node by ID within the bound tenant.
func (s *Store) GetNode(ctx context.Context, id string) (*store.Node, error) {
	ctx, cancel := s.WithTimeout(ctx, FastQueryTimeout, "get_node")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var n store.Node
	if err := db.First(&n, "id = ?", id).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return &n, nil
}

// ListNodes lists nodes matching filter, newest first.
func (s *Store) ListNodes(ctx context.Context, filter store.NodeFilter, limit, offset int) ([]*store.Node, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "list_nodes")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	q := db.Where("deleted_at IS NULL")
	if filter.Since != nil {
		q = q.Where("extract(epoch from updated_at)::bigint >= ?", *filter.Since)
	}
	for _, c := range filter.Classes {
		q = q.Where("classes @> ?", fmt.Sprintf(`["%s"]`, c))
	}
	var nodes []*store.Node
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&nodes).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return nodes, nil
}

// DueForRefresh selects up to limit non-deleted nodes across all tenants,
// ordered by last_refreshed ascending so the most stale nodes go first. It
// does not evaluate refresh policies; the caller decides which are due.
func (s *Store) DueForRefresh(ctx context.Context, limit int) ([]*store.Node, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "due_for_refresh")
	defer cancel()

	var nodes []*store.Node
	err := s.DB.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("last_refreshed ASC").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return nodes, nil
}

// GetNodeEmbedding fetches a node's current raw embedding vector, used by the
// refresh scheduler to measure drift against the replacement vector. Nodes
// without a ready embedding yet return a nil vector, not an error.
func (s *Store) GetNodeEmbedding(ctx context.Context, id string) ([]float32, error) {
	ctx, cancel := s.WithTimeout(ctx, FastQueryTimeout, "get_node_embedding")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var vec *pgvector.Vector
	row := db.Raw(`SELECT embedding FROM nodes WHERE id = ?`, id).Row()
	if err := row.Scan(&vec); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStoreErr(err)
	}
	if vec == nil {
		return nil, nil
	}
	return vec.Slice(), nil
}

// SoftDeleteNode marks a node deleted and schedules it for purge after the
// given grace period.
func (s *Store) SoftDeleteNode(ctx context.Context, id string, purgeAfterSeconds int64) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "soft_delete_node")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	now := time.Now()
	purgeAfter := now.Add(time.Duration(purgeAfterSeconds) * time.Second)
	return s.inTx(db.Model(&store.Node{}).Where("id = ?", id).Updates(map[string]any{
		"deleted_at":  now,
		"purge_after": purgeAfter,
		"updated_at":  now,
	}))
}

// HardDeleteNode immediately removes a node and its dependent edges/versions.
func (s *Store) HardDeleteNode(ctx context.Context, id string) error {
	ctx, cancel := s.WithTimeout(ctx, SlowQueryTimeout, "hard_delete_node")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	return s.inTxFn(db, func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", id).Delete(&store.NodeVersion{}).Error; err != nil {
			return wrapStoreErr(err)
		}
		if err := tx.Where("node_id = ?", id).Delete(&store.EmbeddingHistory{}).Error; err != nil {
			return wrapStoreErr(err)
		}
		if err := tx.Where("src_node = ? OR dst_node = ?", id, id).Delete(&store.Edge{}).Error; err != nil {
			return wrapStoreErr(err)
		}
		return wrapStoreErr(tx.Delete(&store.Node{}, "id = ?", id).Error)
	})
}

// PurgeExpired hard-deletes soft-deleted nodes whose grace period elapsed,
// returning the count purged.
func (s *Store) PurgeExpired(ctx context.Context, batch int) (int, error) {
	ctx, cancel := s.WithTimeout(ctx, SlowQueryTimeout, "purge_expired")
	defer cancel()

	var ids []string
	err := s.DB.WithContext(ctx).Model(&store.Node{}).
		Where("deleted_at IS NOT NULL AND purge_after IS NOT NULL AND purge_after < ?", time.Now()).
		Order("purge_after ASC").
		Limit(batch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_id IN ?", ids).Delete(&store.NodeVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("node_id IN ?", ids).Delete(&store.EmbeddingHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("src_node IN ? OR dst_node IN ?", ids, ids).Delete(&store.Edge{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&store.Node{}).Error
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return len(ids), nil
}

// NodeVersionHistory returns the most recent snapshots of a node.
func (s *Store) NodeVersionHistory(ctx context.Context, nodeID string, limit int) ([]*store.NodeVersion, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "node_version_history")
	defer cancel()

	var versions []*store.NodeVersion
	err := s.DB.WithContext(ctx).Where("node_id = ?", nodeID).
		Order("version DESC").Limit(limit).Find(&versions).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return versions, nil
}

func (s *Store) inTx(res *gorm.DB) error {
	return wrapStoreErr(res.Error)
}

func (s *Store) inTxFn(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return wrapStoreErr(db.Transaction(fn))
}

// wrapStoreErr classifies a raw GORM/driver error into the kgerrors taxonomy.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gorm.ErrRecordNotFound {
		return kgerrors.New(kgerrors.KindNotFound, "node", err)
	}
	// SQLSTATE class 23 is a constraint violation and class 42 a syntax or
	// schema error; a retry cannot succeed, so both are permanent.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42")) {
		return kgerrors.New(kgerrors.KindStorePermanent, "query", err)
	}
	return kgerrors.New(kgerrors.KindStoreTransient, "query", err)
}
