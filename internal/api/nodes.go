package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

type triggerRefRequest struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

type createNodeRequest struct {
	Classes       []string            `json:"classes"`
	Props         store.Props         `json:"props"`
	PayloadRef    string              `json:"payload_ref"`
	RefreshPolicy store.RefreshPolicy `json:"refresh_policy"`
	Triggers      []triggerRefRequest `json:"triggers"`
}

type updateNodeRequest struct {
	Classes       []string            `json:"classes"`
	Props         store.Props         `json:"props"`
	PayloadRef    string              `json:"payload_ref"`
	RefreshPolicy store.RefreshPolicy `json:"refresh_policy"`
	Triggers      []triggerRefRequest `json:"triggers"`
	Version       int64               `json:"version"`
}

func (s *Service) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	n := &store.Node{
		Classes:         req.Classes,
		Props:           req.Props,
		PayloadRef:      req.PayloadRef,
		RefreshPolicy:   req.RefreshPolicy,
		EmbeddingStatus: store.EmbeddingQueued,
	}
	for _, t := range req.Triggers {
		n.Triggers = append(n.Triggers, store.TriggerRef{Name: t.Name, Threshold: t.Threshold})
	}
	if tenant, ok := store.TenantFrom(r.Context()); ok {
		n.Tenant = &tenant
	}

	if err := s.deps.Store.CreateNode(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}

	if s.deps.Cfg.AutoEmbedOnCreate && s.deps.Embedder != nil {
		s.embedNodeNow(r.Context(), n)
	}

	if err := s.deps.Store.AppendEvent(r.Context(), &store.Event{
		ID: uuid.New(), NodeID: &n.ID, Kind: store.EventCreated, Tenant: n.Tenant,
	}); err != nil {
		s.deps.Log.Warn().Err(err).Msg("failed to append created event")
	}

	writeJSON(w, http.StatusCreated, n)
}

// embedNodeNow runs the synchronous write-path embed (AUTO_EMBED_ON_CREATE)
// best-effort: an embed failure marks the node failed and is logged, never
// rejects the create call itself (SPEC_FULL.md §4.2).
func (s *Service) embedNodeNow(ctx context.Context, n *store.Node) {
	res := s.deps.Embedder.Embed(ctx, n.ID.String(), nodeEmbedText(n))
	if res.Err != nil {
		if err := s.deps.Store.MarkEmbeddingFailed(ctx, n.ID.String(), res.Err.Error()); err != nil {
			s.deps.Log.Warn().Err(err).Msg("failed to mark embedding failed")
		}
		return
	}
	if err := s.deps.Store.UpsertEmbedding(ctx, n.ID.String(), res.Vector, 0); err != nil {
		s.deps.Log.Warn().Err(err).Msg("failed to upsert embedding")
	}
}

func nodeEmbedText(n *store.Node) string {
	var out string
	for _, c := range n.Classes {
		out += c + " "
	}
	for k, v := range n.Props {
		out += k + "="
		if sv, ok := v.(string); ok {
			out += sv
		}
		out += " "
	}
	return out
}

func (s *Service) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.deps.Store.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	offset := 0
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	var filter store.NodeFilter
	if classes := q.Get("classes"); classes != "" {
		filter.Classes = splitCSV(classes)
	}
	if since := q.Get("since"); since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = &v
		}
	}

	nodes, err := s.deps.Store.ListNodes(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(nodes), "nodes": nodes})
}

func (s *Service) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	parsed, err := uuid.Parse(id)
	if err != nil {
		badRequest(w, "invalid node id")
		return
	}

	var req updateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	n := &store.Node{
		ID:            parsed,
		Classes:       req.Classes,
		Props:         req.Props,
		PayloadRef:    req.PayloadRef,
		RefreshPolicy: req.RefreshPolicy,
	}
	for _, t := range req.Triggers {
		n.Triggers = append(n.Triggers, store.TriggerRef{Name: t.Name, Threshold: t.Threshold})
	}

	if err := s.deps.Store.UpdateNode(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.deps.Store.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Store.AppendEvent(r.Context(), &store.Event{
		ID: uuid.New(), NodeID: &parsed, Kind: store.EventUpdated, Tenant: updated.Tenant,
	}); err != nil {
		s.deps.Log.Warn().Err(err).Msg("failed to append updated event")
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *Service) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"

	if hard {
		if err := s.deps.Store.HardDeleteNode(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "hard_deleted"})
		return
	}

	purgeAfter := int64(s.deps.Cfg.PurgeGraceDefault.Seconds())
	if err := s.deps.Store.SoftDeleteNode(r.Context(), id, purgeAfter); err != nil {
		writeError(w, err)
		return
	}

	tenant, _ := store.TenantFrom(r.Context())
	nodeUUID, err := uuid.Parse(id)
	if err == nil {
		if err := s.deps.Store.AppendEvent(r.Context(), &store.Event{
			ID: uuid.New(), NodeID: &nodeUUID, Kind: store.EventDeleted, Tenant: &tenant,
		}); err != nil {
			s.deps.Log.Warn().Err(err).Msg("failed to append deleted event")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "soft_deleted"})
}

func (s *Service) handleRefreshNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Scheduler == nil {
		writeError(w, kgerrors.New(kgerrors.KindStorePermanent, "scheduler-disabled", nil))
		return
	}
	refreshed, errs := s.deps.Scheduler.RefreshNow(r.Context(), []string{id})
	if refreshed == 0 && len(errs) > 0 {
		writeError(w, kgerrors.New(kgerrors.KindNotFound, "refresh", errs[0]))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"refreshed": refreshed})
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
