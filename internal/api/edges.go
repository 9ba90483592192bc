package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lattice-kg/engine/internal/store"
)

type createEdgeRequest struct {
	SrcNode       string      `json:"src_node"`
	RelationLabel string      `json:"relation_label"`
	DstNode       string      `json:"dst_node"`
	Props         store.Props `json:"props"`
}

func (s *Service) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	src, err := uuid.Parse(req.SrcNode)
	if err != nil {
		badRequest(w, "invalid src_node")
		return
	}
	dst, err := uuid.Parse(req.DstNode)
	if err != nil {
		badRequest(w, "invalid dst_node")
		return
	}
	if req.RelationLabel == "" {
		badRequest(w, "relation_label is required")
		return
	}

	e := &store.Edge{SrcNode: src, RelationLabel: req.RelationLabel, DstNode: dst, Props: req.Props}
	if tenant, ok := store.TenantFrom(r.Context()); ok {
		e.Tenant = &tenant
	}
	if err := s.deps.Store.CreateEdge(r.Context(), e); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Service) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteEdge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Service) handleLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	depth := 2
	if v, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && v > 0 {
		depth = v
	}
	edges, err := s.deps.Store.Lineage(r.Context(), id, depth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(edges), "edges": edges})
}
