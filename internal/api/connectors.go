package api

import (
	"net/http"

	"github.com/lattice-kg/engine/internal/connector"
	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

type connectorConfigRequest struct {
	Tenant   string             `json:"tenant"`
	Provider string             `json:"provider"`
	Options  store.Props        `json:"options"`
	Secret   connector.Secret   `json:"secret"`
}

func (s *Service) upsertConnectorConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConnCfg == nil {
		writeError(w, kgerrors.New(kgerrors.KindConnectorPermanent, "connectors-disabled", nil))
		return
	}
	var req connectorConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	tenant := req.Tenant
	if tenant == "" {
		if t, ok := store.TenantFrom(r.Context()); ok {
			tenant = t
		}
	}
	if tenant == "" || req.Provider == "" {
		badRequest(w, "tenant and provider are required")
		return
	}

	if err := s.deps.ConnCfg.Put(r.Context(), tenant, req.Provider, req.Options, req.Secret); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConnectorRegister and handleConnectorUpdate both resolve to the same
// idempotent upsert: a connector's config row is created on first write and
// replaced on every subsequent one.
func (s *Service) handleConnectorRegister(w http.ResponseWriter, r *http.Request) {
	s.upsertConnectorConfig(w, r)
}

func (s *Service) handleConnectorUpdate(w http.ResponseWriter, r *http.Request) {
	s.upsertConnectorConfig(w, r)
}

type connectorBackfillRequest struct {
	Tenant      string   `json:"tenant"`
	Provider    string   `json:"provider"`
	ExternalIDs []string `json:"external_ids"`
}

func (s *Service) handleConnectorBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, kgerrors.New(kgerrors.KindConnectorPermanent, "connectors-disabled", nil))
		return
	}
	var req connectorBackfillRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	tenant := req.Tenant
	if tenant == "" {
		if t, ok := store.TenantFrom(r.Context()); ok {
			tenant = t
		}
	}
	if tenant == "" || req.Provider == "" || len(req.ExternalIDs) == 0 {
		badRequest(w, "tenant, provider and external_ids are required")
		return
	}

	enqueued := 0
	var firstErr error
	for _, id := range req.ExternalIDs {
		job := connector.Job{Tenant: tenant, Provider: req.Provider, ExternalID: id}
		if err := s.deps.Queue.Enqueue(r.Context(), job); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
	}
	if enqueued == 0 && firstErr != nil {
		writeError(w, firstErr)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued, "requested": len(req.ExternalIDs)})
}

func (s *Service) handleConnectorPurgeDeleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.PurgeExpired(r.Context(), s.deps.Cfg.PurgeBatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

type rotateKeysRequest struct {
	StaleVersions []int `json:"stale_versions"`
}

func (s *Service) handleConnectorRotateKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConnCfg == nil {
		writeError(w, kgerrors.New(kgerrors.KindConnectorPermanent, "connectors-disabled", nil))
		return
	}
	var req rotateKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	stale := req.StaleVersions
	if len(stale) == 0 {
		for v := range s.deps.Cfg.KEKVersions {
			if v != s.deps.Cfg.KEKCurrent {
				stale = append(stale, v)
			}
		}
	}

	rotated, err := s.deps.ConnCfg.RotateAll(r.Context(), stale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotated": rotated})
}
