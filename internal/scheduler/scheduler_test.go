package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/store"
	"github.com/lattice-kg/engine/internal/trigger"
)

// fakeStore implements store.Store with just enough behavior to exercise the
// scheduler's three loops; every method not used by a given test is a no-op.
type fakeStore struct {
	nodes            map[string]*store.Node
	embeddings       map[string][]float32
	events           []*store.Event
	purged           int
	purgeErr         error
	upsertEmbeddingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: map[string]*store.Node{}, embeddings: map[string][]float32{}}
}

func (f *fakeStore) GetNode(ctx context.Context, id string) (*store.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, assertNotFound
	}
	cp := *n
	return &cp, nil
}
func (f *fakeStore) ListNodes(ctx context.Context, filter store.NodeFilter, limit, offset int) ([]*store.Node, error) {
	return nil, nil
}
func (f *fakeStore) DueForRefresh(ctx context.Context, limit int) ([]*store.Node, error) {
	var out []*store.Node
	for _, n := range f.nodes {
		cp := *n
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
func (f *fakeStore) GetNodeEmbedding(ctx context.Context, id string) ([]float32, error) {
	return f.embeddings[id], nil
}
func (f *fakeStore) CreateNode(ctx context.Context, n *store.Node) error { return nil }
func (f *fakeStore) UpdateNode(ctx context.Context, n *store.Node) error { return nil }
func (f *fakeStore) UpsertEmbedding(ctx context.Context, nodeID string, vector []float32, drift float64) error {
	if f.upsertEmbeddingErr != nil {
		return f.upsertEmbeddingErr
	}
	f.embeddings[nodeID] = vector
	if n, ok := f.nodes[nodeID]; ok {
		n.LastDrift = drift
		n.LastRefreshed = time.Now()
		n.EmbeddingStatus = store.EmbeddingReady
	}
	return nil
}
func (f *fakeStore) MarkEmbeddingFailed(ctx context.Context, nodeID, reason string) error { return nil }
func (f *fakeStore) SoftDeleteNode(ctx context.Context, id string, purgeAfterSeconds int64) error {
	return nil
}
func (f *fakeStore) HardDeleteNode(ctx context.Context, id string) error { return nil }
func (f *fakeStore) PurgeExpired(ctx context.Context, batch int) (int, error) {
	return f.purged, f.purgeErr
}
func (f *fakeStore) ListEdges(ctx context.Context, nodeID string) ([]*store.Edge, error) { return nil, nil }
func (f *fakeStore) Lineage(ctx context.Context, nodeID string, depth int) ([]*store.Edge, error) {
	return nil, nil
}
func (f *fakeStore) CreateEdge(ctx context.Context, e *store.Edge) error { return nil }
func (f *fakeStore) DeleteEdge(ctx context.Context, id string) error    { return nil }
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
	return nil, nil
}
func (f *fakeStore) UpsertPattern(ctx context.Context, p *store.Pattern) error { return nil }
func (f *fakeStore) DeletePattern(ctx context.Context, tenant, name string) error { return nil }
func (f *fakeStore) GetConnectorConfig(ctx context.Context, tenant, provider string) (*store.ConnectorConfig, error) {
	return nil, nil
}
func (f *fakeStore) UpsertConnectorConfig(ctx context.Context, c *store.ConnectorConfig) error {
	return nil
}
func (f *fakeStore) ListConnectorConfigsByKeyVersion(ctx context.Context, keyVersion int) ([]*store.ConnectorConfig, error) {
	return nil, nil
}
func (f *fakeStore) GetConnectorCursor(ctx context.Context, tenant, provider string) (*store.ConnectorCursor, error) {
	return nil, nil
}
func (f *fakeStore) SetConnectorCursor(ctx context.Context, c *store.ConnectorCursor) error {
	return nil
}
func (f *fakeStore) NodeVersionHistory(ctx context.Context, nodeID string, limit int) ([]*store.NodeVersion, error) {
	return nil, nil
}
func (f *fakeStore) Ping() error  { return nil }
func (f *fakeStore) Close() error { return nil }

var assertNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

type SchedulerSuite struct {
	suite.Suite
	ctx context.Context
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *SchedulerSuite) newScheduler(fs *fakeStore) *Scheduler {
	cfg := config.Default()
	cfg.RefreshBatchSize = 10
	embedder, err := embedding.NewService(cfg)
	s.Require().NoError(err)
	return New(fs, embedder, trigger.NewRegistry(fs, 0, zerolog.Nop()), cfg, zerolog.Nop())
}

func (s *SchedulerSuite) TestRunRefreshEmbedsDueNodeAndAppendsEvent() {
	fs := newFakeStore()
	tenant := "t1"
	id := uuid.New()
	interval := time.Hour
	fs.nodes[id.String()] = &store.Node{
		ID:            id,
		Tenant:        &tenant,
		Version:       1,
		LastRefreshed: time.Now().Add(-48 * time.Hour),
		RefreshPolicy: store.RefreshPolicy{Interval: &interval},
	}
	sched := s.newScheduler(fs)
	sched.runRefresh(s.ctx)

	s.Require().NotEmpty(fs.embeddings[id.String()], "node should have been re-embedded")
	var sawRefreshed bool
	for _, e := range fs.events {
		if e.Kind == store.EventRefreshed {
			sawRefreshed = true
		}
	}
	s.True(sawRefreshed)
}

func (s *SchedulerSuite) TestRunRefreshFirstEmbedHasZeroDrift() {
	fs := newFakeStore()
	tenant := "t1"
	id := uuid.New()
	interval := time.Hour
	fs.nodes[id.String()] = &store.Node{
		ID:            id,
		Tenant:        &tenant,
		Version:       1,
		LastRefreshed: time.Now().Add(-48 * time.Hour),
		RefreshPolicy: store.RefreshPolicy{Interval: &interval},
	}
	sched := s.newScheduler(fs)
	sched.runRefresh(s.ctx)

	s.Require().NotEmpty(fs.embeddings[id.String()])
	s.Equal(0.0, fs.nodes[id.String()].LastDrift, "drift must be 0 when no previous embedding exists")
}

func (s *SchedulerSuite) TestRunRefreshSkipsRecentlyRefreshedNode() {
	fs := newFakeStore()
	tenant := "t1"
	id := uuid.New()
	interval := time.Hour
	fs.nodes[id.String()] = &store.Node{
		ID:            id,
		Tenant:        &tenant,
		Version:       1,
		LastRefreshed: time.Now(),
		RefreshPolicy: store.RefreshPolicy{Interval: &interval},
	}
	sched := s.newScheduler(fs)
	sched.runRefresh(s.ctx)
	s.Empty(fs.embeddings[id.String()])
}

func (s *SchedulerSuite) TestRunRefreshSkipsSoftDeletedNode() {
	fs := newFakeStore()
	tenant := "t1"
	id := uuid.New()
	deletedAt := time.Now()
	fs.nodes[id.String()] = &store.Node{
		ID:            id,
		Tenant:        &tenant,
		Version:       1,
		LastRefreshed: time.Now().Add(-48 * time.Hour),
		DeletedAt:     &deletedAt,
	}
	sched := s.newScheduler(fs)
	sched.runRefresh(s.ctx)
	s.Empty(fs.embeddings[id.String()])
}

func (s *SchedulerSuite) TestRunPurgeUpdatesStats() {
	fs := newFakeStore()
	fs.purged = 3
	sched := s.newScheduler(fs)
	sched.runPurge(s.ctx)
	s.Equal(int64(3), sched.Snapshot().PurgedTotal)
}

func (s *SchedulerSuite) TestStopIsIdempotent() {
	fs := newFakeStore()
	sched := s.newScheduler(fs)
	sched.Stop()
	assert.NotPanics(s.T(), sched.Stop)
}

func newTestScheduler(t *testing.T) *Scheduler {
	cfg := config.Default()
	embedder, err := embedding.NewService(cfg)
	require.NoError(t, err)
	return New(newFakeStore(), embedder, trigger.NewRegistry(newFakeStore(), 0, zerolog.Nop()), cfg, zerolog.Nop())
}

func TestIsDuePrefersCronOverInterval(t *testing.T) {
	interval := time.Hour
	n := &store.Node{
		ID:            uuid.New(),
		LastRefreshed: time.Now().Add(-2 * time.Hour),
		RefreshPolicy: store.RefreshPolicy{Cron: "0 0 1 1 *", Interval: &interval},
	}
	// Jan 1 only fires once a year; with a 2h-old last-refresh it should not be due.
	assert.False(t, newTestScheduler(t).isDue(n, time.Now()))
}

func TestIsDueFallsBackToIntervalOnInvalidCron(t *testing.T) {
	interval := time.Hour
	n := &store.Node{
		ID:            uuid.New(),
		LastRefreshed: time.Now().Add(-2 * time.Hour),
		RefreshPolicy: store.RefreshPolicy{Cron: "not-a-cron", Interval: &interval},
	}
	assert.True(t, newTestScheduler(t).isDue(n, time.Now()))
}

func TestIsDueWithoutPolicySkips(t *testing.T) {
	sched := newTestScheduler(t)
	n := &store.Node{ID: uuid.New(), LastRefreshed: time.Now().Add(-48 * time.Hour)}
	assert.False(t, sched.isDue(n, time.Now()))

	n2 := &store.Node{ID: uuid.New(), LastRefreshed: time.Now()}
	assert.False(t, sched.isDue(n2, time.Now()))
}

func TestIsDuePolicyLessNodeLogsOncePerPolicy(t *testing.T) {
	sched := newTestScheduler(t)
	n := &store.Node{ID: uuid.New(), LastRefreshed: time.Now().Add(-48 * time.Hour)}

	sched.isDue(n, time.Now())
	sched.isDue(n, time.Now())
	sched.isDue(n, time.Now())

	sched.mu.Lock()
	fp, seen := sched.loggedSkip[n.ID.String()]
	size := len(sched.loggedSkip)
	sched.mu.Unlock()
	assert.True(t, seen)
	assert.Equal(t, "|", fp)
	assert.Equal(t, 1, size)

	interval := time.Hour
	n.RefreshPolicy = store.RefreshPolicy{Interval: &interval}
	assert.True(t, sched.isDue(n, time.Now()))

	n.RefreshPolicy = store.RefreshPolicy{}
	sched.isDue(n, time.Now())
	sched.mu.Lock()
	fp = sched.loggedSkip[n.ID.String()]
	sched.mu.Unlock()
	assert.Equal(t, "|", fp)
}

func TestDriftThresholdFallsBackToConfigDefault(t *testing.T) {
	cfg := &config.Config{DriftThresholdDefault: 0.42}
	n := &store.Node{}
	require.Equal(t, 0.42, driftThreshold(n, cfg))

	n.RefreshPolicy.DriftThreshold = 0.9
	require.Equal(t, 0.9, driftThreshold(n, cfg))
}
