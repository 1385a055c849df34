package httpx

import (
	"errors"
	"net/http"

	"github.com/easygst/easygst/internal/shared"
)

// RespondError maps core error kinds to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrExceedsBalance):
		Problem(w, http.StatusUnprocessableEntity, "Exceeds Balance", err.Error())
	case errors.Is(err, shared.ErrPeriodLocked):
		Problem(w, http.StatusLocked, "Period Locked", err.Error())
	case errors.Is(err, shared.ErrOverlappingLock):
		Problem(w, http.StatusConflict, "Overlapping Lock", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict):
		Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
