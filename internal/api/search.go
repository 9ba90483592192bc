package api

import (
	"net/http"

	"github.com/lattice-kg/engine/internal/retrieval"
	"github.com/lattice-kg/engine/internal/store"
)

type searchRequest struct {
	Query             string   `json:"query"`
	TopK              int      `json:"top_k"`
	UseHybrid         bool     `json:"use_hybrid"`
	UseReranker       bool     `json:"use_reranker"`
	UseWeightedScore  bool     `json:"use_weighted_score"`
	MinSimilarity     float64  `json:"min_similarity"`
	Classes           []string `json:"classes"`
	Metric            string   `json:"metric"`
}

type searchResultDTO struct {
	NodeID     string   `json:"node_id"`
	Score      float64  `json:"score"`
	ScoreType  string   `json:"score_type"`
	RerankProb float64  `json:"rerank_prob,omitempty"`
	Classes    []string `json:"classes,omitempty"`
	Props      store.Props `json:"props,omitempty"`
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Query == "" {
		badRequest(w, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	mode := retrieval.ModeVector
	switch {
	case req.UseWeightedScore:
		mode = retrieval.ModeWeighted
	case req.UseHybrid:
		mode = retrieval.ModeHybrid
	}

	opts := retrieval.Options{
		Mode:        mode,
		Metric:      store.Metric(req.Metric),
		UseReranker: req.UseReranker,
		MinScore:    req.MinSimilarity,
		ClassFilter: req.Classes,
	}

	resp, err := s.deps.Retrieval.Search(r.Context(), req.Query, req.TopK, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]searchResultDTO, 0, len(resp.Results))
	for _, res := range resp.Results {
		dto := searchResultDTO{
			NodeID:    res.Node.ID.String(),
			Score:     res.Score,
			ScoreType: string(res.ScoreType),
			Classes:   res.Node.Classes,
			Props:     res.Node.Props,
		}
		if res.HasRerank {
			dto.RerankProb = res.RerankProb
		}
		results = append(results, dto)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":             req.Query,
		"count":             len(results),
		"results":           results,
		"fallback_to_vector": resp.FallbackToVector,
		"degraded":          resp.Degraded,
	})
}
