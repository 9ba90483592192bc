package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

// fakeStore is an in-memory store.Store double, grounded on the same
// fakeNodeStore/fakeStore pattern used in internal/connector/worker_test.go
// and internal/scheduler/scheduler_test.go.
type fakeStore struct {
	nodes    map[string]*store.Node
	edges    map[string]*store.Edge
	patterns map[string]*store.Pattern
	events   []*store.Event

	createErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    map[string]*store.Node{},
		edges:    map[string]*store.Edge{},
		patterns: map[string]*store.Pattern{},
	}
}

func (f *fakeStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	n, ok := f.nodes[id]
	if !ok {
		return nil, kgerrors.New(kgerrors.KindNotFound, "get-node", nil)
	}
	return n, nil
}

func (f *fakeStore) ListNodes(ctx context.Context, filter store.NodeFilter, limit, offset int) ([]*store.Node, error) {
	out := make([]*store.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) DueForRefresh(ctx context.Context, limit int) ([]*store.Node, error) { return nil, nil }

func (f *fakeStore) GetNodeEmbedding(ctx context.Context, id string) ([]float32, error) { return nil, nil }

func (f *fakeStore) CreateNode(ctx context.Context, n *store.Node) error {
	if f.createErr != nil {
		return f.createErr
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	f.nodes[n.ID.String()] = n
	return nil
}

func (f *fakeStore) UpdateNode(ctx context.Context, n *store.Node) error {
	existing, ok := f.nodes[n.ID.String()]
	if !ok {
		return fmt.Errorf("not found")
	}
	existing.Classes = n.Classes
	existing.Props = n.Props
	existing.PayloadRef = n.PayloadRef
	existing.RefreshPolicy = n.RefreshPolicy
	existing.Triggers = n.Triggers
	return nil
}

func (f *fakeStore) UpsertEmbedding(ctx context.Context, nodeID string, vector []float32, drift float64) error {
	return nil
}

func (f *fakeStore) MarkEmbeddingFailed(ctx context.Context, nodeID, reason string) error { return nil }

func (f *fakeStore) SoftDeleteNode(ctx context.Context, id string, purgeAfterSeconds int64) error {
	n, ok := f.nodes[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	_ = n
	delete(f.nodes, id)
	return nil
}

func (f *fakeStore) HardDeleteNode(ctx context.Context, id string) error {
	delete(f.nodes, id)
	return nil
}

func (f *fakeStore) PurgeExpired(ctx context.Context, batch int) (int, error) { return 0, nil }

func (f *fakeStore) ListEdges(ctx context.Context, nodeID string) ([]*store.Edge, error) { return nil, nil }

func (f *fakeStore) Lineage(ctx context.Context, nodeID string, depth int) ([]*store.Edge, error) {
	out := make([]*store.Edge, 0, len(f.edges))
	for _, e := range f.edges {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) CreateEdge(ctx context.Context, e *store.Edge) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.edges[e.ID.String()] = e
	return nil
}

func (f *fakeStore) DeleteEdge(ctx context.Context, id string) error {
	delete(f.edges, id)
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, nodeID string, limit int) ([]*store.Event, error) {
	return nil, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, e *store.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) VectorSearch(ctx context.Context, qVec []float32, k int, metric store.Metric, filter store.NodeFilter) ([]store.VectorSearchResult, error) {
	return nil, nil
}

func (f *fakeStore) LexicalSearch(ctx context.Context, qText string, k int, filter store.NodeFilter) ([]store.LexicalSearchResult, error) {
	return nil, nil
}

func (f *fakeStore) EnsureIndex(ctx context.Context, kind string, metric store.Metric, params map[string]any) error {
	return nil
}

func (f *fakeStore) ListPatterns(ctx context.Context, tenant string) ([]*store.Pattern, error) {
	out := make([]*store.Pattern, 0, len(f.patterns))
	for _, p := range f.patterns {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpsertPattern(ctx context.Context, p *store.Pattern) error {
	f.patterns[p.Name] = p
	return nil
}

func (f *fakeStore) DeletePattern(ctx context.Context, tenant, name string) error {
	delete(f.patterns, name)
	return nil
}

func (f *fakeStore) GetConnectorConfig(ctx context.Context, tenant, provider string) (*store.ConnectorConfig, error) {
	return nil, fmt.Errorf("not found")
}
func (f *fakeStore) UpsertConnectorConfig(ctx context.Context, c *store.ConnectorConfig) error { return nil }
func (f *fakeStore) ListConnectorConfigsByKeyVersion(ctx context.Context, keyVersion int) ([]*store.ConnectorConfig, error) {
	return nil, nil
}
func (f *fakeStore) GetConnectorCursor(ctx context.Context, tenant, provider string) (*store.ConnectorCursor, error) {
	return nil, fmt.Errorf("not found")
}
func (f *fakeStore) SetConnectorCursor(ctx context.Context, c *store.ConnectorCursor) error { return nil }

func (f *fakeStore) NodeVersionHistory(ctx context.Context, nodeID string, limit int) ([]*store.NodeVersion, error) {
	return nil, nil
}

func (f *fakeStore) Ping() error { return nil }
func (f *fakeStore) Close() error { return nil }
