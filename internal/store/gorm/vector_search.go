package gorm

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

// metricOperator maps a store.Metric to its pgvector distance operator.
func metricOperator(metric store.Metric) (string, error) {
	switch metric {
	case store.MetricCosine, "":
		return "<=>", nil
	case store.MetricL2:
		return "<->", nil
	case store.MetricInnerProduct:
		return "<#>", nil
	default:
		return "", kgerrors.New(kgerrors.KindValidation, "unknown-metric", nil)
	}
}

// indexName names the HNSW index for a given metric: the cosine and L2 ones
// are created in migrations, the inner-product one only by EnsureIndex.
func indexName(metric store.Metric) string {
	switch metric {
	case store.MetricL2:
		return "idx_nodes_embedding_hnsw_l2"
	case store.MetricInnerProduct:
		return "idx_nodes_embedding_hnsw_inner_product"
	default:
		return "idx_nodes_embedding_hnsw_cosine"
	}
}

// VectorSearch runs an ANN (or, absent an index, exact-scan) nearest
// neighbor search against node embeddings. It sets no ANN tuning parameter
// (ivfflat.probes, hnsw.ef_search), so the server defaults apply.
func (s *Store) VectorSearch(ctx context.Context, qVec []float32, k int, metric store.Metric, filter store.NodeFilter) ([]store.VectorSearchResult, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "vector_search")
	defer cancel()

	tenant, err := store.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	op, err := metricOperator(metric)
	if err != nil {
		return nil, err
	}

	degraded := !s.indexExists(ctx, indexName(metric))

	query := fmt.Sprintf(`
		SELECT id, tenant_id, classes, props, payload_ref, embedding_dim,
		       embedding_status, version, content_hash, etag, created_at,
		       updated_at, last_refreshed, deleted_at, purge_after, last_drift,
		       embedding %s $1 AS distance
		FROM nodes
		WHERE tenant_id = $2 AND deleted_at IS NULL AND embedding IS NOT NULL
		ORDER BY distance ASC
		LIMIT $3`, op)

	vec := pgvector.NewVector(qVec)
	rows, err := s.sqlDB.QueryContext(ctx, query, vec, tenant, k)
	if err != nil {
		return nil, kgerrors.New(kgerrors.KindStoreTransient, "vector_search", err)
	}
	defer rows.Close()

	var results []store.VectorSearchResult
	for rows.Next() {
		n := &store.Node{}
		var distance float64
		if err := rows.Scan(
			&n.ID, &n.Tenant, &n.Classes, &n.Props, &n.PayloadRef, &n.EmbeddingDim,
			&n.EmbeddingStatus, &n.Version, &n.ContentHash, &n.ETag, &n.CreatedAt,
			&n.UpdatedAt, &n.LastRefreshed, &n.DeletedAt, &n.PurgeAfter, &n.LastDrift, &distance,
		); err != nil {
			return nil, kgerrors.New(kgerrors.KindStoreTransient, "vector_search_scan", err)
		}
		if !matchesClassFilter(n, filter) {
			continue
		}
		results = append(results, store.VectorSearchResult{Node: n, Distance: distance, Degraded: degraded})
	}
	return results, rows.Err()
}

// LexicalSearch runs a tsvector/tsquery full-text search over node search_text.
func (s *Store) LexicalSearch(ctx context.Context, qText string, k int, filter store.NodeFilter) ([]store.LexicalSearchResult, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "lexical_search")
	defer cancel()

	tenant, err := store.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, classes, props, payload_ref, embedding_dim,
		       embedding_status, version, content_hash, etag, created_at,
		       updated_at, last_refreshed, deleted_at, purge_after,
		       ts_rank(search_vector, plainto_tsquery('english', $1)) AS rank
		FROM nodes
		WHERE tenant_id = $2 AND deleted_at IS NULL
		  AND search_vector @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $3`

	rows, err := s.sqlDB.QueryContext(ctx, query, qText, tenant, k)
	if err != nil {
		return nil, kgerrors.New(kgerrors.KindStoreTransient, "lexical_search", err)
	}
	defer rows.Close()

	var results []store.LexicalSearchResult
	for rows.Next() {
		n := &store.Node{}
		var rank float64
		if err := rows.Scan(
			&n.ID, &n.Tenant, &n.Classes, &n.Props, &n.PayloadRef, &n.EmbeddingDim,
			&n.EmbeddingStatus, &n.Version, &n.ContentHash, &n.ETag, &n.CreatedAt,
			&n.UpdatedAt, &n.LastRefreshed, &n.DeletedAt, &n.PurgeAfter, &rank,
		); err != nil {
			return nil, kgerrors.New(kgerrors.KindStoreTransient, "lexical_search_scan", err)
		}
		if !matchesClassFilter(n, filter) {
			continue
		}
		results = append(results, store.LexicalSearchResult{Node: n, Score: rank})
	}
	return results, rows.Err()
}

func matchesClassFilter(n *store.Node, filter store.NodeFilter) bool {
	if len(filter.Classes) == 0 {
		return true
	}
	for _, want := range filter.Classes {
		if n.HasClass(want) {
			return true
		}
	}
	return false
}

// EnsureIndex idempotently creates the ANN index for (kind, metric), never
// blocking writers (CREATE INDEX CONCURRENTLY IF NOT EXISTS).
func (s *Store) EnsureIndex(ctx context.Context, kind string, metric store.Metric, params map[string]any) error {
	ctx, cancel := s.WithTimeout(ctx, SlowQueryTimeout, "ensure_index")
	defer cancel()

	op, err := opClassFor(metric)
	if err != nil {
		return err
	}

	var withClause string
	switch kind {
	case "ivfflat":
		lists := 100
		if v, ok := params["lists"].(int); ok && v > 0 {
			lists = v
		}
		withClause = fmt.Sprintf("WITH (lists = %d)", lists)
	default:
		kind = "hnsw"
		m, efc := 16, 64
		if v, ok := params["m"].(int); ok && v > 0 {
			m = v
		}
		if v, ok := params["ef_construction"].(int); ok && v > 0 {
			efc = v
		}
		withClause = fmt.Sprintf("WITH (m = %d, ef_construction = %d)", m, efc)
	}

	idxName := fmt.Sprintf("idx_nodes_embedding_%s_%s", kind, metric)
	stmt := fmt.Sprintf(
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON nodes USING %s (embedding %s) %s",
		idxName, kind, op, withClause,
	)
	_, err = s.sqlDB.ExecContext(ctx, stmt)
	if err != nil {
		return kgerrors.New(kgerrors.KindStoreTransient, "ensure_index", err)
	}
	return nil
}

func opClassFor(metric store.Metric) (string, error) {
	switch metric {
	case store.MetricCosine, "":
		return "vector_cosine_ops", nil
	case store.MetricL2:
		return "vector_l2_ops", nil
	case store.MetricInnerProduct:
		return "vector_ip_ops", nil
	default:
		return "", kgerrors.New(kgerrors.KindValidation, "unknown-metric", nil)
	}
}

func (s *Store) indexExists(ctx context.Context, name string) bool {
	var exists bool
	_ = s.sqlDB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)", name,
	).Scan(&exists)
	return exists
}
