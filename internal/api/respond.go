// Package api wires the HTTP surface: node/edge CRUD, search, ask,
// triggers, admin operations and the webhook receiver, composed from the
// authgate, retrieval, ask, scheduler, trigger and connector components
// over a chi router in the teacher's worker.setupRoutes style.
package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/lattice-kg/engine/internal/kgerrors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a kinded error to its SPEC_FULL.md §6 status code and
// writes a small JSON envelope. Unkinded errors fall back to 500.
func writeError(w http.ResponseWriter, err error) {
	status := kgerrors.HTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func decodeJSONBytes(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
