package gorm

import (
	"context"

	"github.com/google/uuid"

	"github.com/lattice-kg/engine/internal/store"
)

// CreateEdge inserts a directed relation between two tenant-owned nodes.
func (s *Store) CreateEdge(ctx context.Context, e *store.Edge) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "create_edge")
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

// DeleteEdge removes an edge by ID.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "delete_edge")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return err
	}
	return s.inTx(db.Delete(&store.Edge{}, "id = ?", id))
}

// ListEdges returns every edge touching a node, either direction.
func (s *Store) ListEdges(ctx context.Context, nodeID string) ([]*store.Edge, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "list_edges")
	defer cancel()

	db, err := withTenantScope(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var edges []*store.Edge
	if err := db.Where("src_node = ? OR dst_node = ?", nodeID, nodeID).Find(&edges).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	return edges, nil
}

// Lineage performs a bounded breadth-first walk outward from nodeID,
// following edges up to depth hops.
func (s *Store) Lineage(ctx context.Context, nodeID string, depth int) ([]*store.Edge, error) {
	ctx, cancel := s.WithTimeout(ctx, SlowQueryTimeout, "lineage")
	defer cancel()

	if depth <= 0 {
		depth = 1
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var out []*store.Edge

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		db, err := withTenantScope(ctx, s.DB)
		if err != nil {
			return nil, err
		}
		var edges []*store.Edge
		if err := db.Where("src_node IN ? OR dst_node IN ?", frontier, frontier).Find(&edges).Error; err != nil {
			return nil, wrapStoreErr(err)
		}

		var next []string
		for _, e := range edges {
			out = append(out, e)
			for _, candidate := range []string{e.SrcNode.String(), e.DstNode.String()} {
				if !visited[candidate] {
					visited[candidate] = true
					next = append(next, candidate)
				}
			}
		}
		frontier = next
	}
	return out, nil
}
