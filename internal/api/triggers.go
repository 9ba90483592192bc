package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
	"github.com/lattice-kg/engine/internal/trigger"
)

type createTriggerRequest struct {
	Name        string  `json:"name"`
	ExampleText string  `json:"example_text"`
	Threshold   float64 `json:"threshold"`
	WebhookURL  string  `json:"webhook_url"`
}

func (s *Service) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.ExampleText == "" {
		badRequest(w, "name and example_text are required")
		return
	}
	if req.Threshold <= 0 {
		req.Threshold = 0.8
	}

	res := s.deps.Embedder.Embed(r.Context(), "trigger:"+req.Name, req.ExampleText)
	if res.Err != nil {
		writeError(w, kgerrors.New(kgerrors.KindEmbedTransient, "trigger-embed", res.Err))
		return
	}

	p := &store.Pattern{
		Name:             req.Name,
		ExampleText:      req.ExampleText,
		Threshold:        req.Threshold,
		ExampleEmbedding: trigger.EncodeEmbedding(res.Vector),
		WebhookURL:       req.WebhookURL,
		CreatedAt:        time.Now(),
	}
	if tenant, ok := store.TenantFrom(r.Context()); ok {
		p.Tenant = &tenant
	}

	if err := s.deps.Store.UpsertPattern(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	tenant, err := store.RequireTenant(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	patterns, err := s.deps.Store.ListPatterns(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(patterns), "triggers": patterns})
}

func (s *Service) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tenant, err := store.RequireTenant(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeletePattern(r.Context(), tenant, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
