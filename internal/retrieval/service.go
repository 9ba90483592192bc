// Package retrieval implements the hybrid search engine: vector, lexical,
// RRF fusion, weighted freshness/drift scoring, and optional cross-encoder
// reranking over tenant-scoped nodes.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/reranking"
	"github.com/lattice-kg/engine/internal/store"
)

// Mode selects the search strategy.
type Mode string

const (
	ModeVector   Mode = "vector"
	ModeLexical  Mode = "lexical"
	ModeHybrid   Mode = "hybrid"
	ModeWeighted Mode = "weighted"
)

// DefaultRRFK is the Reciprocal Rank Fusion constant (SPEC_FULL.md §4.3).
const DefaultRRFK = 60

// Options configures one search call.
type Options struct {
	Mode             Mode
	Metric           store.Metric
	UseReranker      bool
	MinScore         float64
	ClassFilter      []string
	StructuredIntent bool
	RRFK             int
}

// Result is one ranked document returned from search.
type Result struct {
	Node        *store.Node
	Score       float64
	ScoreType   store.ScoreType
	RerankProb  float64
	HasRerank   bool
	VectorRank  int
	LexicalRank int
}

// SearchResponse is the full answer to a search call.
type SearchResponse struct {
	Results          []Result
	FallbackToVector bool
	SkipReason       reranking.SkipReason
	Degraded         bool
}

// ExplainResponse describes what a search call would do without running it.
type ExplainResponse struct {
	Mode           Mode
	Metric         store.Metric
	IndexesPresent []string
	Operator       string
	TopSimilarity  float64
}

type cacheEntry struct {
	resp      *SearchResponse
	expiresAt time.Time
}

// Service is the public retrieval engine.
type Service struct {
	store     store.VectorIndex
	embedder  *embedding.Service
	reranker  *reranking.Service
	cfg       *config.Config
	group     singleflight.Group
	cacheMu   sync.Mutex
	cache     map[string]cacheEntry
	cacheTTL  time.Duration
	cacheSize int
}

// NewService builds a retrieval Service over the given store/embedder/reranker.
func NewService(st store.VectorIndex, embedder *embedding.Service, reranker *reranking.Service, cfg *config.Config) *Service {
	return &Service{
		store:     st,
		embedder:  embedder,
		reranker:  reranker,
		cfg:       cfg,
		cache:     make(map[string]cacheEntry),
		cacheTTL:  30 * time.Second,
		cacheSize: 200,
	}
}

// Search runs the configured mode and returns ordered results, coalescing
// identical concurrent (tenant, query, opts) requests via singleflight and
// serving repeats from a short-TTL cache.
func (s *Service) Search(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	if k <= 0 {
		k = 10
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	if opts.RRFK <= 0 {
		opts.RRFK = DefaultRRFK
	}

	tenant, err := store.RequireTenant(ctx)
	if err != nil {
		return nil, err
	}
	cacheKey := s.cacheKey(tenant, queryText, k, opts)

	if cached, ok := s.getCached(cacheKey); ok {
		return cached, nil
	}

	out, err, _ := s.group.Do(cacheKey, func() (any, error) {
		return s.execute(ctx, queryText, k, opts)
	})
	if err != nil {
		return nil, err
	}
	resp := out.(*SearchResponse)
	s.putCached(cacheKey, resp)
	return resp, nil
}

func (s *Service) execute(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	switch opts.Mode {
	case ModeLexical:
		return s.lexicalSearch(ctx, queryText, k, opts)
	case ModeVector:
		return s.vectorSearch(ctx, queryText, k, opts)
	case ModeWeighted:
		return s.weightedSearch(ctx, queryText, k, opts)
	default:
		return s.hybridSearch(ctx, queryText, k, opts)
	}
}

func (s *Service) embed(ctx context.Context, queryText string) ([]float32, error) {
	res := s.embedder.Embed(ctx, "query", queryText)
	if res.Err != nil {
		return nil, kgerrors.New(kgerrors.KindEmbedTransient, "query-embed", res.Err)
	}
	return res.Vector, nil
}

// vectorSearch runs mode 1: pure ANN similarity; for cosine the score is
// 1 - distance, so it lies in [-1,1].
func (s *Service) vectorSearch(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	qVec, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	metric := opts.Metric
	if metric == "" {
		metric = store.MetricCosine
	}
	rows, err := s.store.VectorSearch(ctx, qVec, k, metric, store.NodeFilter{Classes: opts.ClassFilter})
	if err != nil {
		return nil, err
	}
	degraded := false
	results := make([]Result, 0, len(rows))
	for i, r := range rows {
		if r.Degraded {
			degraded = true
		}
		score := r.Distance
		scoreType := store.ScoreVectorL2
		switch metric {
		case store.MetricCosine:
			score = 1 - r.Distance
			scoreType = store.ScoreVectorCosine
		case store.MetricInnerProduct:
			scoreType = store.ScoreVectorIP
		}
		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{Node: r.Node, Score: score, ScoreType: scoreType, VectorRank: i + 1})
	}
	return &SearchResponse{Results: results, Degraded: degraded}, nil
}

// lexicalSearch runs mode 2: store-native text rank, normalized by batch max.
func (s *Service) lexicalSearch(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	rows, err := s.store.LexicalSearch(ctx, queryText, k, store.NodeFilter{Classes: opts.ClassFilter})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	maxScore := 0.0
	for _, r := range rows {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for i, r := range rows {
		score := 0.0
		if maxScore > 0 {
			score = r.Score / maxScore
		}
		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{Node: r.Node, Score: score, ScoreType: store.ScoreLexical, LexicalRank: i + 1})
	}
	return &SearchResponse{Results: results}, nil
}

// hybridSearch runs mode 3: RRF fusion of the vector and lexical rankings,
// with an optional cross-encoder rerank pass over the fused top-N.
func (s *Service) hybridSearch(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	vecResp, vecErr := s.vectorSearch(ctx, queryText, k*2, Options{Metric: opts.Metric, ClassFilter: opts.ClassFilter})
	lexResp, lexErr := s.lexicalSearch(ctx, queryText, k*2, Options{ClassFilter: opts.ClassFilter})

	fallbackToVector := false
	if lexErr != nil || (lexResp != nil && len(lexResp.Results) == 0) {
		fallbackToVector = true
	}
	if vecErr != nil {
		return nil, vecErr
	}

	fused := rrfFuse(vecResp.Results, lexResp.GetResults(), opts.RRFK)
	if len(fused) > k {
		fused = fused[:k]
	}
	for i := range fused {
		fused[i].ScoreType = store.ScoreRRFFused
	}

	resp := &SearchResponse{Results: fused, FallbackToVector: fallbackToVector, Degraded: vecResp.Degraded}

	if opts.UseReranker && s.reranker != nil {
		return s.maybeRerank(ctx, queryText, resp, opts)
	}
	return resp, nil
}

// GetResults tolerates a nil SearchResponse (lexical search unavailable).
func (r *SearchResponse) GetResults() []Result {
	if r == nil {
		return nil
	}
	return r.Results
}

// weightedSearch runs mode 4: pulls candidate_factor*k vector candidates then
// re-ranks in application space by recency/drift decay.
func (s *Service) weightedSearch(ctx context.Context, queryText string, k int, opts Options) (*SearchResponse, error) {
	factor := s.cfg.WeightedSearchCandidateFactor
	if factor <= 0 {
		factor = 4
	}
	vecResp, err := s.vectorSearch(ctx, queryText, k*factor, Options{Metric: opts.Metric, ClassFilter: opts.ClassFilter})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range vecResp.Results {
		n := vecResp.Results[i].Node
		ageDays := now.Sub(n.LastRefreshed).Hours() / 24.0
		if ageDays < 0 {
			ageDays = 0
		}
		weighted := vecResp.Results[i].Score * math.Exp(-0.01*ageDays) * (1 - 0.1*n.LastDrift)
		vecResp.Results[i].Score = weighted
		vecResp.Results[i].ScoreType = store.ScoreWeightedFused
	}
	sort.Slice(vecResp.Results, func(i, j int) bool { return vecResp.Results[i].Score > vecResp.Results[j].Score })
	if len(vecResp.Results) > k {
		vecResp.Results = vecResp.Results[:k]
	}
	filtered := vecResp.Results[:0]
	for _, r := range vecResp.Results {
		if r.Score >= opts.MinScore {
			filtered = append(filtered, r)
		}
	}
	vecResp.Results = filtered
	return vecResp, nil
}

// maybeRerank applies the cross-encoder rerank pass, honoring the skip rules:
// structured intent, top hybrid score already high, or too few candidates.
// rerank_logit is never used for thresholding -- the hybrid score remains the
// value compared against ASK_SIM_THRESHOLD by callers.
func (s *Service) maybeRerank(ctx context.Context, queryText string, resp *SearchResponse, opts Options) (*SearchResponse, error) {
	if len(resp.Results) == 0 {
		return resp, nil
	}
	topSim := resp.Results[0].Score
	reason := s.reranker.ShouldSkip(opts.StructuredIntent, topSim, len(resp.Results))
	if reason != reranking.SkipNone {
		resp.SkipReason = reason
		return resp, nil
	}

	candidates := make([]reranking.Candidate, len(resp.Results))
	for i, r := range resp.Results {
		candidates[i] = reranking.Candidate{
			ID:      r.Node.ID.String(),
			Content: nodeText(r.Node),
			Score:   r.Score,
		}
	}
	reranked, err := s.reranker.Rerank(ctx, queryText, candidates, len(candidates))
	if err != nil {
		// reranker failure degrades gracefully to the hybrid order.
		return resp, nil
	}
	byID := make(map[string]*Result, len(resp.Results))
	for i := range resp.Results {
		byID[resp.Results[i].Node.ID.String()] = &resp.Results[i]
	}
	ordered := make([]Result, 0, len(reranked))
	for _, rr := range reranked {
		orig, ok := byID[rr.ID]
		if !ok {
			continue
		}
		orig.RerankProb = rr.RerankScore
		orig.HasRerank = true
		ordered = append(ordered, *orig)
	}
	resp.Results = ordered
	return resp, nil
}

func nodeText(n *store.Node) string {
	var sb strings.Builder
	for _, c := range n.Classes {
		sb.WriteString(c)
		sb.WriteString(" ")
	}
	for k, v := range n.Props {
		fmt.Fprintf(&sb, "%s=%v ", k, v)
	}
	return sb.String()
}

// Explain reports the configuration that would be used for a query, without
// executing the search or returning documents.
func (s *Service) Explain(ctx context.Context, queryText string, opts Options) (*ExplainResponse, error) {
	metric := opts.Metric
	if metric == "" {
		metric = store.MetricCosine
	}
	op, err := metricOperator(metric)
	if err != nil {
		return nil, err
	}
	resp := &ExplainResponse{
		Mode:           opts.Mode,
		Metric:         metric,
		IndexesPresent: s.cfg.ANNIndexes,
		Operator:       op,
	}
	if queryText != "" {
		vecResp, err := s.vectorSearch(ctx, queryText, 1, Options{Metric: metric})
		if err == nil && len(vecResp.Results) > 0 {
			resp.TopSimilarity = vecResp.Results[0].Score
		}
	}
	return resp, nil
}

func metricOperator(metric store.Metric) (string, error) {
	switch metric {
	case store.MetricCosine, "":
		return "<=>", nil
	case store.MetricL2:
		return "<->", nil
	case store.MetricInnerProduct:
		return "<#>", nil
	default:
		return "", fmt.Errorf("unknown metric %q", metric)
	}
}

func (s *Service) cacheKey(tenant, query string, k int, opts Options) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%v|%v|%f|%v|%d", tenant, query, k, opts.Mode, opts.Metric, opts.UseReranker, opts.ClassFilter, opts.MinScore, opts.StructuredIntent, opts.RRFK)
}

func (s *Service) getCached(key string) (*SearchResponse, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.resp, true
}

func (s *Service) putCached(key string, resp *SearchResponse) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(s.cache) >= s.cacheSize {
		for k := range s.cache {
			delete(s.cache, k)
			break
		}
	}
	s.cache[key] = cacheEntry{resp: resp, expiresAt: time.Now().Add(s.cacheTTL)}
}
