package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/AgentHive-Network/credit_layer/internal/crediterr"
	"github.com/AgentHive-Network/credit_layer/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(body io.Reader, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		throttled    *crediterr.Throttled
		rejected     *crediterr.RequestRejected
		insufficient *crediterr.InsufficientCredits
		fault        *crediterr.DataIntegrityFault
	)
	switch {
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", throttled.RetryAfter.Seconds()))
		writeError(w, http.StatusTooManyRequests, err)
	case errors.As(err, &insufficient):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.As(err, &rejected):
		writeError(w, http.StatusBadGateway, err)
	case errors.As(err, &fault):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, crediterr.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, crediterr.ErrEntitlementRequired), errors.Is(err, crediterr.ErrPremiumRequired):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, crediterr.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
