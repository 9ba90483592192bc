// Package reranking provides pluggable cross-encoder-style reranking for
// hybrid search candidates, combining a bi-encoder score with a second-pass
// relevance score under a tunable Alpha weight.
package reranking

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lattice-kg/engine/internal/config"
)

const (
	// DefaultResultLimit is the default number of results to return after reranking.
	DefaultResultLimit = 10
)

// SkipReason names why a query bypassed reranking entirely (SPEC_FULL.md §4.3).
type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipStructuredIntent   SkipReason = "structured_intent"
	SkipTopSimHigh         SkipReason = "topsim_high"
	SkipTooFewCandidates   SkipReason = "too_few_candidates"
)

// Candidate represents a search result candidate for reranking.
type Candidate struct {
	ID         string
	Content    string
	Score      float64
	Metadata   map[string]any
	RerankInfo map[string]float64
}

// RerankResult represents a reranked search result.
type RerankResult struct {
	ID              string
	Content         string
	OriginalScore   float64
	RerankScore     float64
	CombinedScore   float64
	Metadata        map[string]any
	OriginalRank    int
	RerankRank      int
	RankImprovement int
}

// Reranker scores a query against a single candidate document. Implementations
// must be safe for concurrent use.
type Reranker interface {
	Score(ctx context.Context, query, document string) (float64, error)
	Close() error
}

// Config holds configuration for the reranking service.
type Config struct {
	// Alpha is the weight for combining scores (0.0-1.0); higher favors the
	// reranker's score, lower favors the original bi-encoder score.
	Alpha float64
	// SkipTopSim: queries whose top hybrid candidate already scores at or
	// above this threshold skip reranking (SPEC_FULL.md §4.3, REDESIGN FLAG R2).
	SkipTopSim float64
	// MinCandidates below which reranking is skipped as not worth the cost.
	MinCandidates int
}

// DefaultConfig returns sensible defaults for reranking.
func DefaultConfig() Config {
	return Config{
		Alpha:         0.7,
		SkipTopSim:    0.80,
		MinCandidates: 3,
	}
}

// ConfigFromAppConfig derives reranking Config from process configuration.
func ConfigFromAppConfig(cfg *config.Config) Config {
	return Config{
		Alpha:         0.7,
		SkipTopSim:    cfg.RerankSkipTopSim,
		MinCandidates: 3,
	}
}

// Service provides reranking with a swappable Reranker backend.
type Service struct {
	mu       sync.Mutex
	reranker Reranker

	Alpha         float64
	SkipTopSim    float64
	MinCandidates int
}

// NewService creates a reranking Service backed by a lexical-overlap scorer.
// Production deployments supply a RemoteReranker talking to a real
// cross-encoder model server via WithReranker.
func NewService(cfg Config) (*Service, error) {
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.7
	}
	minCandidates := cfg.MinCandidates
	if minCandidates <= 0 {
		minCandidates = 3
	}
	return &Service{
		reranker:      NewLexicalOverlapReranker(),
		Alpha:         alpha,
		SkipTopSim:    cfg.SkipTopSim,
		MinCandidates: minCandidates,
	}, nil
}

// WithReranker swaps the scoring backend (e.g. a RemoteReranker).
func (s *Service) WithReranker(r Reranker) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reranker = r
	return s
}

// ShouldSkip decides whether reranking should be bypassed for this request,
// per the skip-reason enum in SPEC_FULL.md §4.3.
func (s *Service) ShouldSkip(structuredIntent bool, topSim float64, numCandidates int) SkipReason {
	if structuredIntent {
		return SkipStructuredIntent
	}
	if numCandidates < s.MinCandidates {
		return SkipTooFewCandidates
	}
	if topSim >= s.SkipTopSim {
		return SkipTopSimHigh
	}
	return SkipNone
}

// Rerank reranks candidates using the configured reranker, combining scores
// via Alpha-weighted sum and sorting by CombinedScore descending.
func (s *Service) Rerank(ctx context.Context, query string, candidates []Candidate, limit int) ([]RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultResultLimit
	}

	s.mu.Lock()
	reranker := s.reranker
	alpha := s.Alpha
	s.mu.Unlock()

	results := make([]RerankResult, len(candidates))
	for i, c := range candidates {
		raw, err := reranker.Score(ctx, query, c.Content)
		if err != nil {
			return nil, err
		}
		normalized := sigmoid(raw)
		results[i] = RerankResult{
			ID:            c.ID,
			Content:       c.Content,
			OriginalScore: c.Score,
			RerankScore:   normalized,
			CombinedScore: alpha*normalized + (1-alpha)*c.Score,
			Metadata:      c.Metadata,
			OriginalRank:  i + 1,
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CombinedScore > results[j].CombinedScore
	})
	for i := range results {
		results[i].RerankRank = i + 1
		results[i].RankImprovement = results[i].OriginalRank - results[i].RerankRank
	}
	if len(results) > limit {
		results = results[:limit]
	}

	log.Debug().
		Int("candidates", len(candidates)).
		Int("returned", len(results)).
		Float64("alpha", alpha).
		Msg("reranking completed")

	return results, nil
}

// RerankByScore reranks candidates and sorts purely by the reranker's score,
// discarding the original bi-encoder score entirely.
func (s *Service) RerankByScore(ctx context.Context, query string, candidates []Candidate, limit int) ([]RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultResultLimit
	}

	s.mu.Lock()
	reranker := s.reranker
	s.mu.Unlock()

	results := make([]RerankResult, len(candidates))
	for i, c := range candidates {
		raw, err := reranker.Score(ctx, query, c.Content)
		if err != nil {
			return nil, err
		}
		normalized := sigmoid(raw)
		results[i] = RerankResult{
			ID:            c.ID,
			Content:       c.Content,
			OriginalScore: c.Score,
			RerankScore:   normalized,
			CombinedScore: normalized,
			Metadata:      c.Metadata,
			OriginalRank:  i + 1,
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RerankScore > results[j].RerankScore
	})
	for i := range results {
		results[i].RerankRank = i + 1
		results[i].RankImprovement = results[i].OriginalRank - results[i].RerankRank
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close releases the underlying reranker's resources.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reranker == nil {
		return nil
	}
	return s.reranker.Close()
}

// sigmoid normalizes a raw score to the 0-1 range.
func sigmoid(x float64) float64 {
	if x > 20 {
		return 1.0
	}
	if x < -20 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x))
}

// lexicalOverlapReranker is the dependency-free default Reranker: it scores
// a query/document pair by shared-token Jaccard overlap, scaled into logit
// space so sigmoid(raw) is about 0.14 for no overlap (raw -1.8) and about
// 0.5 at a Jaccard of 0.15. An empty query or document scores raw 0
// (sigmoid 0.5). Deterministic, never
// errors; production swaps in RemoteReranker against a real model server.
type lexicalOverlapReranker struct{}

// NewLexicalOverlapReranker builds the default dependency-free Reranker.
func NewLexicalOverlapReranker() Reranker { return lexicalOverlapReranker{} }

func (lexicalOverlapReranker) Close() error { return nil }

func (lexicalOverlapReranker) Score(_ context.Context, query, document string) (float64, error) {
	qTokens := tokenSet(query)
	dTokens := tokenSet(document)
	if len(qTokens) == 0 || len(dTokens) == 0 {
		return 0, nil
	}
	overlap := 0
	for t := range qTokens {
		if dTokens[t] {
			overlap++
		}
	}
	union := len(qTokens) + len(dTokens) - overlap
	if union == 0 {
		return 0, nil
	}
	jaccard := float64(overlap) / float64(union)
	// map [0,1] jaccard to a logit in [-1.8, 10.2] so sigmoid spreads results
	return (jaccard - 0.15) * 12, nil
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}
