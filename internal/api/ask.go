package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lattice-kg/engine/internal/ask"
)

type askRequest struct {
	Question string `json:"question"`
}

type askMetadata struct {
	TopSimilarity       float64 `json:"top_similarity"`
	TopSimilarityHybrid float64 `json:"top_similarity_hybrid"`
	RerankEnabled       bool    `json:"rerank_enabled"`
	RerankCandidates    int     `json:"rerank_candidates"`
	RoutingReason       string  `json:"routing_reason"`
}

func (s *Service) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "llm disabled"})
		return
	}
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Question == "" {
		badRequest(w, "question is required")
		return
	}

	answer, err := s.deps.Orchestrator.Ask(r.Context(), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":     answer.Text,
		"citations":  answer.Citations,
		"confidence": answer.Confidence,
		"metadata":   askMetadataFor(answer),
	})
}

func askMetadataFor(answer *ask.Answer) askMetadata {
	meta := askMetadata{
		TopSimilarity:       answer.Confidence,
		TopSimilarityHybrid: answer.Confidence,
		RoutingReason:       string(answer.Route),
	}
	return meta
}

func (s *Service) handleAskStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "llm disabled"})
		return
	}
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Question == "" {
		badRequest(w, "question is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	events, err := s.deps.Orchestrator.AskStream(r.Context(), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if ev.Final != nil {
			writeSSE(w, flusher, "final", map[string]any{
				"answer":     ev.Final.Text,
				"citations":  ev.Final.Citations,
				"confidence": ev.Final.Confidence,
				"metadata":   askMetadataFor(ev.Final),
			})
			continue
		}
		writeSSE(w, flusher, "token", map[string]string{"text": ev.Token})
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
