package store

import "context"

// NodeFilter narrows list/search operations by tenant-visible attributes.
type NodeFilter struct {
	Classes []string
	Since   *int64
}

// NodeReader reads nodes.
type NodeReader interface {
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter, limit, offset int) ([]*Node, error)
	DueForRefresh(ctx context.Context, limit int) ([]*Node, error)
	GetNodeEmbedding(ctx context.Context, id string) ([]float32, error)
}

// NodeWriter mutates nodes.
type NodeWriter interface {
	CreateNode(ctx context.Context, n *Node) error
	UpdateNode(ctx context.Context, n *Node) error
	UpsertEmbedding(ctx context.Context, nodeID string, vector []float32, drift float64) error
	MarkEmbeddingFailed(ctx context.Context, nodeID, reason string) error
	SoftDeleteNode(ctx context.Context, id string, purgeAfterSeconds int64) error
	HardDeleteNode(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, batch int) (int, error)
}

// EdgeReader reads edges.
type EdgeReader interface {
	ListEdges(ctx context.Context, nodeID string) ([]*Edge, error)
	Lineage(ctx context.Context, nodeID string, depth int) ([]*Edge, error)
}

// EdgeWriter mutates edges.
type EdgeWriter interface {
	CreateEdge(ctx context.Context, e *Edge) error
	DeleteEdge(ctx context.Context, id string) error
}

// EventReader reads the append-only event log.
type EventReader interface {
	ListEvents(ctx context.Context, nodeID string, limit int) ([]*Event, error)
}

// EventWriter appends to the event log.
type EventWriter interface {
	AppendEvent(ctx context.Context, e *Event) error
}

// VectorSearchResult is one ranked hit from VectorIndex.Search.
type VectorSearchResult struct {
	Node     *Node
	Distance float64
	Degraded bool
}

// LexicalSearchResult is one ranked hit from VectorIndex.LexicalSearch.
type LexicalSearchResult struct {
	Node  *Node
	Score float64
}

// VectorIndex is the ANN/FTS search surface.
type VectorIndex interface {
	VectorSearch(ctx context.Context, qVec []float32, k int, metric Metric, filter NodeFilter) ([]VectorSearchResult, error)
	LexicalSearch(ctx context.Context, qText string, k int, filter NodeFilter) ([]LexicalSearchResult, error)
	EnsureIndex(ctx context.Context, kind string, metric Metric, params map[string]any) error
}

// PatternReader reads trigger pattern registrations.
type PatternReader interface {
	ListPatterns(ctx context.Context, tenant string) ([]*Pattern, error)
}

// PatternWriter mutates trigger pattern registrations.
type PatternWriter interface {
	UpsertPattern(ctx context.Context, p *Pattern) error
	DeletePattern(ctx context.Context, tenant, name string) error
}

// ConnectorStore holds per-(tenant,provider) connector config and cursor state.
type ConnectorStore interface {
	GetConnectorConfig(ctx context.Context, tenant, provider string) (*ConnectorConfig, error)
	UpsertConnectorConfig(ctx context.Context, c *ConnectorConfig) error
	ListConnectorConfigsByKeyVersion(ctx context.Context, keyVersion int) ([]*ConnectorConfig, error)
	GetConnectorCursor(ctx context.Context, tenant, provider string) (*ConnectorCursor, error)
	SetConnectorCursor(ctx context.Context, c *ConnectorCursor) error
}

// Store is the full persistence contract every component depends on.
type Store interface {
	NodeReader
	NodeWriter
	EdgeReader
	EdgeWriter
	EventReader
	EventWriter
	VectorIndex
	PatternReader
	PatternWriter
	ConnectorStore

	NodeVersionHistory(ctx context.Context, nodeID string, limit int) ([]*NodeVersion, error)
	Ping() error
	Close() error
}
