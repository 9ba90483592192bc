package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

type adminRefreshRequest struct {
	NodeIDs []string `json:"node_ids"`
}

// parseNodeIDs accepts either a bare JSON array of ids or {"node_ids": [...]}.
func parseNodeIDs(r *http.Request) ([]string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err == nil {
		return ids, nil
	}
	var req adminRefreshRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return req.NodeIDs, nil
}

func (s *Service) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, kgerrors.New(kgerrors.KindStorePermanent, "scheduler-disabled", nil))
		return
	}

	ids, err := parseNodeIDs(r)
	if err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(ids) == 0 {
		badRequest(w, "node_ids is required")
		return
	}

	refreshed, errs := s.deps.Scheduler.RefreshNow(r.Context(), ids)
	resp := map[string]any{"refreshed": refreshed}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		resp["errors"] = msgs
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type adminIndexesRequest struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
	Metric string   `json:"metric"`
}

func (s *Service) handleAdminIndexes(w http.ResponseWriter, r *http.Request) {
	var req adminIndexesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	switch req.Action {
	case "list":
		writeJSON(w, http.StatusOK, map[string]any{"indexes": s.deps.Cfg.ANNIndexes})
	case "ensure", "rebuild":
		metric := store.Metric(req.Metric)
		if metric == "" {
			metric = store.MetricCosine
		}
		for _, kind := range req.Types {
			if err := s.deps.Store.EnsureIndex(r.Context(), kind, metric, map[string]any{}); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case "drop":
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "index drop is not supported by the store adapter"})
	default:
		badRequest(w, "action must be one of list|ensure|rebuild|drop")
	}
}

func (s *Service) handleEmbedInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":    s.deps.Cfg.EmbeddingBackend,
		"model":      s.deps.Embedder.ModelVersion(),
		"dimensions": s.deps.Embedder.Dimensions(),
	})
}

func (s *Service) handleEmbedClassCoverage(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Store.ListNodes(r.Context(), store.NodeFilter{}, 5000, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	coverage := map[string]map[string]int{}
	for _, n := range nodes {
		for _, c := range n.Classes {
			m, ok := coverage[c]
			if !ok {
				m = map[string]int{"total": 0, "ready": 0}
				coverage[c] = m
			}
			m["total"]++
			if n.EmbeddingStatus == store.EmbeddingReady {
				m["ready"]++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"coverage": coverage, "sampled": len(nodes)})
}

func (s *Service) handleDriftHistogram(w http.ResponseWriter, r *http.Request) {
	buckets := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("buckets")); err == nil && v > 0 {
		buckets = v
	}
	nodes, err := s.deps.Store.ListNodes(r.Context(), store.NodeFilter{}, 5000, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	hist := make([]int, buckets)
	for _, n := range nodes {
		drift := n.LastDrift
		if drift < 0 {
			drift = 0
		}
		if drift > 1 {
			drift = 1
		}
		idx := int(drift * float64(buckets))
		if idx >= buckets {
			idx = buckets - 1
		}
		hist[idx]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets, "histogram": hist, "sampled": len(nodes)})
}

func (s *Service) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sink == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "metrics disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sink.Summary())
}

type retrievalUpliftRequest struct {
	Values struct {
		Hybrid   *float64 `json:"hybrid"`
		Weighted *float64 `json:"weighted"`
	} `json:"values"`
}

func (s *Service) handleRetrievalUplift(w http.ResponseWriter, r *http.Request) {
	var req retrievalUpliftRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if s.deps.Sink != nil {
		if req.Values.Hybrid != nil {
			s.deps.Sink.RecordRetrievalUplift(r.Context(), "hybrid", *req.Values.Hybrid)
		}
		if req.Values.Weighted != nil {
			s.deps.Sink.RecordRetrievalUplift(r.Context(), "weighted_fusion", *req.Values.Weighted)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
