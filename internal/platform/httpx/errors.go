// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/cardledger/cardledger/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrInsufficientInventory):
		Problem(w, http.StatusConflict, "Insufficient Inventory", err.Error())
	case errors.Is(err, shared.ErrStateTransition):
		Problem(w, http.StatusConflict, "Illegal State Transition", err.Error())
	case errors.Is(err, shared.ErrDuplicateBatch):
		Problem(w, http.StatusConflict, "Duplicate Batch", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
