package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lattice-kg/engine/internal/connector"
	"github.com/lattice-kg/engine/internal/kgerrors"
)

type webhookPayload struct {
	Tenant     string `json:"tenant"`
	ExternalID string `json:"external_id"`
	ETag       string `json:"etag"`
	Topic      string `json:"topic"`
}

// handleWebhook receives a provider's change notification, verifies its
// signature, and enqueues a fetch job; it never fetches the document inline.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "could not read body")
		return
	}

	verifier, ok := s.deps.Verifiers[provider]
	if !ok {
		writeError(w, kgerrors.New(kgerrors.KindAccessViolation, "unknown-provider", nil))
		return
	}

	var payload webhookPayload
	if err := decodeJSONBytes(body, &payload); err != nil {
		badRequest(w, "invalid webhook payload")
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if err := verifier.Verify(body, sig, payload.Topic); err != nil {
		writeError(w, kgerrors.New(kgerrors.KindAuth, "webhook-verify", err))
		return
	}

	if payload.Tenant == "" || payload.ExternalID == "" {
		badRequest(w, "tenant and external_id are required")
		return
	}
	if s.deps.Queue == nil {
		writeError(w, kgerrors.New(kgerrors.KindConnectorPermanent, "connectors-disabled", nil))
		return
	}

	job := connector.Job{
		Tenant:     payload.Tenant,
		Provider:   provider,
		ExternalID: payload.ExternalID,
		ETag:       payload.ETag,
	}
	if err := s.deps.Queue.Enqueue(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
