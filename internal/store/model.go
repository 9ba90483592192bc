// Package store defines the typed persistence contract for lattice: nodes,
// edges, events, versions, embeddings, patterns and connector state, plus
// the tenant-sealed unit-of-work used by every other component.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmbeddingStatus is the lifecycle state of a node's embedding.
type EmbeddingStatus string

const (
	EmbeddingQueued     EmbeddingStatus = "queued"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingReady      EmbeddingStatus = "ready"
	EmbeddingFailed     EmbeddingStatus = "failed"
)

// ScoreType names the family a retrieval score belongs to. Dispatch on this
// only at the API boundary (see SPEC_FULL.md §9).
type ScoreType string

const (
	ScoreVectorCosine  ScoreType = "vector_cosine"
	ScoreVectorL2      ScoreType = "vector_l2"
	ScoreVectorIP      ScoreType = "vector_ip"
	ScoreLexical       ScoreType = "lexical"
	ScoreRRFFused      ScoreType = "rrf_fused"
	ScoreWeightedFused ScoreType = "weighted_fusion"
)

// Metric identifies a vector distance function.
type Metric string

const (
	MetricCosine      Metric = "cosine"
	MetricL2          Metric = "l2"
	MetricInnerProduct Metric = "inner_product"
)

// StringSlice persists a []string as a JSON array, matching the teacher's
// JSONStringArray sql.Scanner/driver.Valuer shape.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for StringSlice: %T", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Props is the open key/value property document attached to a Node. It is a
// tagged value tree (null|bool|number|string|array|object); internal code
// traffics in this tree, schema validation happens only at the API boundary.
type Props map[string]any

func (p Props) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func (p *Props) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for Props: %T", value)
	}
	if len(raw) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(raw, p)
}

// TriggerRef is one {name, threshold} entry registered on a node.
type TriggerRef struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// TriggerRefs persists []TriggerRef as JSON.
type TriggerRefs []TriggerRef

func (t TriggerRefs) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	return string(b), err
}

func (t *TriggerRefs) Scan(value any) error {
	if value == nil {
		*t = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for TriggerRefs: %T", value)
	}
	if len(raw) == 0 {
		*t = nil
		return nil
	}
	return json.Unmarshal(raw, t)
}

// RefreshPolicy controls when a node is due for re-embedding. Cron takes
// precedence over Interval when both are set (SPEC_FULL.md §4.4).
type RefreshPolicy struct {
	Interval       *time.Duration `json:"interval,omitempty"`
	Cron           string         `json:"cron,omitempty"`
	DriftThreshold float64        `json:"drift_threshold,omitempty"`
}

func (r RefreshPolicy) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *RefreshPolicy) Scan(value any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type for RefreshPolicy: %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, r)
}

// Node is the central entity: a versioned, embeddable, tenant-scoped document.
type Node struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Tenant *string   `gorm:"column:tenant_id;index:idx_node_tenant" json:"tenant_id,omitempty"`

	Classes StringSlice `gorm:"type:jsonb" json:"classes"`
	Props   Props       `gorm:"type:jsonb" json:"props"`

	PayloadRef string `json:"payload_ref,omitempty"`

	Embedding       []float32 `gorm:"-" json:"-"`
	EmbeddingDim    int       `json:"embedding_dim,omitempty"`
	EmbeddingStatus EmbeddingStatus `gorm:"default:queued" json:"embedding_status"`
	EmbeddingAttempts int          `json:"embedding_attempts"`
	EmbeddingError    string       `json:"embedding_error,omitempty"`
	EmbeddingUpdatedAt *time.Time  `json:"embedding_updated_at,omitempty"`
	LastDrift          float64     `json:"last_drift"`

	RefreshPolicy  RefreshPolicy `gorm:"type:jsonb" json:"refresh_policy"`
	Triggers       TriggerRefs   `gorm:"type:jsonb" json:"triggers"`

	// ParentID links a chunk node back to the document node it was split
	// from (SPEC_FULL.md §4.6 step 4); nil on both plain nodes and parents
	// themselves. ChunkIndex is the chunk's 0-based offset within its parent.
	ParentID   *uuid.UUID `gorm:"type:uuid;index:idx_node_parent" json:"parent_id,omitempty"`
	ChunkIndex int        `json:"chunk_index,omitempty"`

	Version int64 `gorm:"default:1" json:"version"`

	ContentHash string `json:"content_hash,omitempty"`
	ETag        string `json:"etag,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastRefreshed time.Time  `json:"last_refreshed"`
	DeletedAt     *time.Time `gorm:"index:idx_node_deleted" json:"deleted_at,omitempty"`
	PurgeAfter    *time.Time `json:"purge_after,omitempty"`
}

func (Node) TableName() string { return "nodes" }

func (n *Node) IsDeleted() bool { return n.DeletedAt != nil }

// IsChunk reports whether n is a chunk node split from a parent document
// rather than a standalone or parent node.
func (n *Node) IsChunk() bool { return n.ParentID != nil }

// HasClass reports whether the node carries the given class tag.
func (n *Node) HasClass(class string) bool {
	for _, c := range n.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// Edge is a directed relation between two nodes of the same tenant.
type Edge struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SrcNode       uuid.UUID `gorm:"index:idx_edge_src" json:"src_node"`
	RelationLabel string    `gorm:"index:idx_edge_label" json:"relation_label"`
	DstNode       uuid.UUID `gorm:"index:idx_edge_dst" json:"dst_node"`
	Props         Props     `gorm:"type:jsonb" json:"props"`
	Tenant        *string   `gorm:"column:tenant_id" json:"tenant_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Edge) TableName() string { return "edges" }

// EventKind enumerates the append-only event kinds.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventUpdated          EventKind = "updated"
	EventRefreshed        EventKind = "refreshed"
	EventDriftHigh        EventKind = "drift_high"
	EventTriggerFired     EventKind = "trigger_fired"
	EventDeleted          EventKind = "deleted"
	EventPurged           EventKind = "purged"
	EventAccessViolation  EventKind = "access_violation"
	EventDLQReplayed      EventKind = "dlq_replayed"
	EventRotationComplete EventKind = "rotation_completed"
	EventIngestSkipped    EventKind = "ingest_skipped"
	EventIngestMetaOnly   EventKind = "ingest_metadata_only"
)

// Event is an append-only audit log row.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID    *uuid.UUID `gorm:"index:idx_event_node" json:"node_id,omitempty"`
	Kind      EventKind  `gorm:"index:idx_event_kind" json:"kind"`
	Payload   Props      `gorm:"type:jsonb" json:"payload"`
	ActorID   string     `json:"actor_id,omitempty"`
	ActorType string     `json:"actor_type,omitempty"`
	Tenant    *string    `gorm:"column:tenant_id;index:idx_event_tenant" json:"tenant_id,omitempty"`
	CreatedAt time.Time  `gorm:"index:idx_event_created" json:"created_at"`
}

func (Event) TableName() string { return "events" }

// NodeVersion is a point-in-time snapshot of a node's mutable fields.
type NodeVersion struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID     uuid.UUID   `gorm:"index:idx_version_node" json:"node_id"`
	Version    int64       `json:"version"`
	Classes    StringSlice `gorm:"type:jsonb" json:"classes"`
	Props      Props       `gorm:"type:jsonb" json:"props"`
	PayloadRef string      `json:"payload_ref,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (NodeVersion) TableName() string { return "node_versions" }

// EmbeddingHistory records every embedding write plus its measured drift.
type EmbeddingHistory struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID            uuid.UUID `gorm:"index:idx_embhist_node" json:"node_id"`
	Embedding         []byte    `json:"-"`
	DriftFromPrevious float64   `json:"drift_from_previous"`
	CreatedAt         time.Time `json:"created_at"`
}

func (EmbeddingHistory) TableName() string { return "embedding_history" }

// Pattern is a trigger definition matched against node embeddings on refresh.
type Pattern struct {
	Name             string    `gorm:"primaryKey" json:"name"`
	Tenant           *string   `gorm:"column:tenant_id;primaryKey" json:"tenant_id,omitempty"`
	ExampleText      string    `json:"example_text"`
	Threshold        float64   `json:"threshold"`
	ExampleEmbedding []byte    `json:"-"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Pattern) TableName() string { return "patterns" }

// ConnectorConfig is per-(tenant,provider) connector configuration, with
// secret fields inside ConfigJSON encrypted under KeyVersion.
type ConnectorConfig struct {
	Tenant     string    `gorm:"column:tenant_id;primaryKey" json:"tenant_id"`
	Provider   string    `gorm:"primaryKey" json:"provider"`
	ConfigJSON Props     `gorm:"type:jsonb" json:"config_json"`
	Enabled    bool      `json:"enabled"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ConnectorConfig) TableName() string { return "connector_configs" }

// ConnectorCursor is per-(tenant,provider) ingestion cursor state.
type ConnectorCursor struct {
	Tenant    string    `gorm:"column:tenant_id;primaryKey" json:"tenant_id"`
	Provider  string    `gorm:"primaryKey" json:"provider"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ConnectorCursor) TableName() string { return "connector_cursors" }
