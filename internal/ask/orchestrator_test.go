package ask

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/reranking"
	"github.com/lattice-kg/engine/internal/retrieval"
	"github.com/lattice-kg/engine/internal/store"
)

type fakeIndex struct {
	vectorRows  []store.VectorSearchResult
	lexicalRows []store.LexicalSearchResult
}

func (f *fakeIndex) VectorSearch(ctx context.Context, qVec []float32, k int, metric store.Metric, filter store.NodeFilter) ([]store.VectorSearchResult, error) {
	if len(f.vectorRows) > k {
		return f.vectorRows[:k], nil
	}
	return f.vectorRows, nil
}

func (f *fakeIndex) LexicalSearch(ctx context.Context, qText string, k int, filter store.NodeFilter) ([]store.LexicalSearchResult, error) {
	if len(f.lexicalRows) > k {
		return f.lexicalRows[:k], nil
	}
	return f.lexicalRows, nil
}

func (f *fakeIndex) EnsureIndex(ctx context.Context, kind string, metric store.Metric, params map[string]any) error {
	return nil
}

func nodeWith(id string, classes []string, drift float64) *store.Node {
	return &store.Node{
		ID:            uuid.MustParse(id),
		Classes:       classes,
		Props:         store.Props{"title": "doc about cats"},
		LastDrift:     drift,
		LastRefreshed: time.Now().Add(-time.Hour),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AskUseReranker = false
	cfg.AskSimThreshold = 0.01
	cfg.AskMaxSnippets = 3
	cfg.AskSnippetLen = 200
	cfg.AskRouterTopSim = 0.6
	cfg.AskLLMTimeout = 2 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, idx *fakeIndex, llm Client, cfg *config.Config) *Orchestrator {
	t.Helper()
	embedder, err := embedding.NewService(cfg)
	require.NoError(t, err)
	rerankSvc, err := reranking.NewService(reranking.DefaultConfig())
	require.NoError(t, err)
	retrievalSvc := retrieval.NewService(idx, embedder, rerankSvc, cfg)
	return NewOrchestrator(retrievalSvc, llm, cfg, zerolog.Nop(), nil)
}

func tenantCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, err := store.WithTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	return ctx
}

func TestAskReturnsAnswerWithCitationsAboveThreshold(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", []string{"note"}, 0.1), Distance: 0.1},
		},
		lexicalRows: []store.LexicalSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", []string{"note"}, 0.1), Score: 2.0},
		},
	}
	cfg := testConfig()
	llm := NewEchoClient("Cats are great. [1]")
	orc := newTestOrchestrator(t, idx, llm, cfg)

	answer, err := orc.Ask(tenantCtx(t), "what do you know about cats?")
	require.NoError(t, err)
	assert.False(t, answer.LowConfidence)
	assert.Equal(t, "Cats are great. [1]", answer.Text)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", answer.Citations[0].NodeID)
	assert.Greater(t, answer.Confidence, 0.0)
}

func TestAskBailsOutWithoutCallingLLMWhenNoCandidateSurvivesThreshold(t *testing.T) {
	idx := &fakeIndex{}
	cfg := testConfig()
	llm := &EchoClient{Err: assertShouldNotBeCalled}
	orc := newTestOrchestrator(t, idx, llm, cfg)

	answer, err := orc.Ask(tenantCtx(t), "anything?")
	require.NoError(t, err)
	assert.True(t, answer.LowConfidence)
	assert.Equal(t, lowConfidenceText, answer.Text)
	assert.Equal(t, float64(0), answer.Confidence)
	assert.Empty(t, answer.Citations)
}

var assertShouldNotBeCalled = errAlwaysFails{}

type errAlwaysFails struct{}

func (errAlwaysFails) Error() string { return "llm should not have been called" }

func TestAskRoutesFastWhenTopHybridScoreMeetsRouterThreshold(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", nil, 0), Distance: 0.01},
		},
		lexicalRows: []store.LexicalSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", nil, 0), Score: 5.0},
		},
	}
	cfg := testConfig()
	cfg.AskRouterTopSim = 0.01 // low bar so RRF-fused score clears it
	llm := NewEchoClient("answer [1]")
	orc := newTestOrchestrator(t, idx, llm, cfg)

	answer, err := orc.Ask(tenantCtx(t), "q")
	require.NoError(t, err)
	assert.Equal(t, RouteFast, answer.Route)
}

func TestAskStreamEmitsTokensThenFinalCitationEvent(t *testing.T) {
	idx := &fakeIndex{
		vectorRows: []store.VectorSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", []string{"note"}, 0), Distance: 0.05},
		},
		lexicalRows: []store.LexicalSearchResult{
			{Node: nodeWith("00000000-0000-0000-0000-000000000001", []string{"note"}, 0), Score: 1.0},
		},
	}
	cfg := testConfig()
	llm := NewEchoClient("cats are great")
	orc := newTestOrchestrator(t, idx, llm, cfg)

	events, err := orc.AskStream(tenantCtx(t), "tell me about cats")
	require.NoError(t, err)

	var tokens []string
	var final *Answer
	for ev := range events {
		if ev.Final != nil {
			final = ev.Final
			continue
		}
		tokens = append(tokens, ev.Token)
	}
	require.NotNil(t, final)
	assert.NotEmpty(t, tokens)
	assert.Len(t, final.Citations, 1)
}

func TestAskStreamLowConfidenceSkipsLLMAndEmitsFinalImmediately(t *testing.T) {
	idx := &fakeIndex{}
	cfg := testConfig()
	llm := &EchoClient{Err: assertShouldNotBeCalled}
	orc := newTestOrchestrator(t, idx, llm, cfg)

	events, err := orc.AskStream(tenantCtx(t), "anything?")
	require.NoError(t, err)

	ev := <-events
	require.NotNil(t, ev.Final)
	assert.True(t, ev.Final.LowConfidence)
	_, open := <-events
	assert.False(t, open)
}

func TestComposePromptTruncatesSnippetsAndIncludesCitationInstructions(t *testing.T) {
	candidates := []retrieval.Result{
		{Node: nodeWith("00000000-0000-0000-0000-000000000001", []string{"very-long-class-name-that-exceeds-the-limit"}, 0), Score: 0.9},
	}
	prompt := composePrompt("question?", candidates, 1, 10)
	assert.Contains(t, prompt, "[1] very-long-\n")
	assert.NotContains(t, prompt, "very-long-class-name-that-exceeds-the-limit")
	assert.Contains(t, prompt, "[1]")
	assert.Contains(t, prompt, "question?")
	assert.Contains(t, prompt, "cite its source")
}

func TestClassifyLLMErrorDistinguishesTimeout(t *testing.T) {
	err := classifyLLMError(context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "llm_timeout")
}
