package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/reranking"
	"github.com/lattice-kg/engine/internal/store"
)

type fakeIndex struct {
	vectorRows  []store.VectorSearchResult
	lexicalRows []store.LexicalSearchResult
	vectorErr   error
	lexicalErr  error
}

func (f *fakeIndex) VectorSearch(ctx context.Context, qVec []float32, k int, metric store.Metric, filter store.NodeFilter) ([]store.VectorSearchResult, error) {
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	if len(f.vectorRows) > k {
		return f.vectorRows[:k], nil
	}
	return f.vectorRows, nil
}

func (f *fakeIndex) LexicalSearch(ctx context.Context, qText string, k int, filter store.NodeFilter) ([]store.LexicalSearchResult, error) {
	if f.lexicalErr != nil {
		return nil, f.lexicalErr
	}
	if len(f.lexicalRows) > k {
		return f.lexicalRows[:k], nil
	}
	return f.lexicalRows, nil
}

func (f *fakeIndex) EnsureIndex(ctx context.Context, kind string, metric store.Metric, params map[string]any) error {
	return nil
}

func nodeWith(id string, drift float64) *store.Node {
	return &store.Node{ID: uuid.MustParse(id), LastDrift: drift}
}

func newTestService(t *testing.T, idx *fakeIndex) *Service {
	t.Helper()
	embedder, err := embedding.NewService(config.Default())
	require.NoError(t, err)
	rerankSvc, err := reranking.NewService(reranking.DefaultConfig())
	require.NoError(t, err)
	return NewService(idx, embedder, rerankSvc, config.Default())
}

func tenantCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, err := store.WithTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	return ctx
}

func TestVectorSearchNormalizesCosine(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", 0), Distance: 0.2},
			{Node: nodeWith("00000000-0000-0000-0000-000000000002", 0), Distance: 0.6},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Search(tenantCtx(t), "hello", 10, Options{Mode: ModeVector})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.InDelta(t, 0.8, resp.Results[0].Score, 1e-9)
	assert.Equal(t, store.ScoreVectorCosine, resp.Results[0].ScoreType)
}

func TestLexicalSearchNormalizesByMax(t *testing.T) {
	idx := &fakeIndex{
		lexicalRows: []store.LexicalSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", 0), Score: 4.0},
			{Node: nodeWith("00000000-0000-0000-0000-000000000002", 0), Score: 2.0},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Search(tenantCtx(t), "hello", 10, Options{Mode: ModeLexical})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Equal(t, 0.5, resp.Results[1].Score)
}

func TestHybridFallsBackToVectorWhenLexicalEmpty(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", 0), Distance: 0.1},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Search(tenantCtx(t), "hello", 10, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	assert.True(t, resp.FallbackToVector)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, store.ScoreRRFFused, resp.Results[0].ScoreType)
}

func TestHybridRRFOrdersByFusedScore(t *testing.T) {
	n1 := nodeWith("00000000-0000-0000-0000-000000000001", 0)
	n2 := nodeWith("00000000-0000-0000-0000-000000000002", 0)
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: n1, Distance: 0.1},
			{Node: n2, Distance: 0.5},
		},
		lexicalRows: []store.LexicalSearchResult{
			{Node: n2, Score: 5.0},
			{Node: n1, Score: 1.0},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Search(tenantCtx(t), "hello", 10, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// n1 ranks first in vector and second in lexical; n2 is reversed, so both
	// fuse to exactly 1/61 + 1/62 and the tie goes to the higher vector
	// score (n1: 0.9, n2: 0.5).
	assert.NotEqual(t, resp.Results[0].Node.ID, resp.Results[1].Node.ID)
	assert.Equal(t, n1.ID, resp.Results[0].Node.ID)
}

func TestWeightedSearchDecaysOlderNodes(t *testing.T) {
	fresh := nodeWith("00000000-0000-0000-0000-000000000001", 0)
	fresh.LastRefreshed = time.Now()
	stale := nodeWith("00000000-0000-0000-0000-000000000002", 0.9)
	stale.LastRefreshed = time.Now().Add(-30 * 24 * time.Hour)
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: stale, Distance: 0.3},
			{Node: fresh, Distance: 0.3},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Search(tenantCtx(t), "hello", 10, Options{Mode: ModeWeighted})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, fresh.ID, resp.Results[0].Node.ID, "the fresher, less drifted node should rank first given equal similarity")
	// 0.7 * exp(-0.01*0) * (1 - 0) and 0.7 * exp(-0.01*30) * (1 - 0.09).
	assert.InDelta(t, 0.7, resp.Results[0].Score, 1e-3)
	assert.InDelta(t, 0.4719, resp.Results[1].Score, 1e-3)
}

func TestSearchRequiresTenant(t *testing.T) {
	svc := newTestService(t, &fakeIndex{})
	_, err := svc.Search(context.Background(), "hello", 10, Options{Mode: ModeVector})
	assert.Error(t, err)
}

func TestExplainReportsOperatorWithoutResults(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", 0), Distance: 0.25},
		},
	}
	svc := newTestService(t, idx)
	resp, err := svc.Explain(tenantCtx(t), "hello", Options{Metric: store.MetricCosine})
	require.NoError(t, err)
	assert.Equal(t, "<=>", resp.Operator)
	assert.InDelta(t, 0.75, resp.TopSimilarity, 1e-9)
}

func TestSearchCachesRepeatedQuery(t *testing.T) {
	calls := 0
	idx := &countingIndex{fakeIndex: fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", 0), Distance: 0.1},
		},
	}, calls: &calls}
	svc := newTestService(t, idx)
	ctx := tenantCtx(t)
	_, err := svc.Search(ctx, "repeat me", 10, Options{Mode: ModeVector})
	require.NoError(t, err)
	_, err = svc.Search(ctx, "repeat me", 10, Options{Mode: ModeVector})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type countingIndex struct {
	fakeIndex
	calls *int
}

func (c *countingIndex) VectorSearch(ctx context.Context, qVec []float32, k int, metric store.Metric, filter store.NodeFilter) ([]store.VectorSearchResult, error) {
	*c.calls++
	return c.fakeIndex.VectorSearch(ctx, qVec, k, metric, filter)
}
