package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/econlab/odyssey/internal/asset"
	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/store"
)

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps a domain error onto an HTTP status.
func fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrUnknownGame),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, market.ErrRoundOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, game.ErrInvalidIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, game.ErrForbidden),
		errors.Is(err, game.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, game.ErrNotActive),
		errors.Is(err, game.ErrAlreadyStarted),
		errors.Is(err, game.ErrGameComplete),
		errors.Is(err, game.ErrAlreadyJoined),
		errors.Is(err, game.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientCash),
		errors.Is(err, ledger.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, ledger.ErrInvalidAction),
		errors.Is(err, asset.ErrInvalidRef),
		errors.Is(err, asset.ErrUnknown):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// applied reports whether an operation took effect. A persistence failure
// leaves the in-memory game updated, so it is logged and treated as success.
func applied(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, game.ErrPersist) {
		slog.Warn("operation applied but not persisted", "err", err)
		return true
	}
	return false
}
