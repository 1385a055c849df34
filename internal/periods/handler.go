package periods

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/easygst/easygst/internal/platform/httpx"
	"github.com/easygst/easygst/internal/shared"
)

// Handler manages period lock endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers period lock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/period-locks", h.lock)
	r.Get("/period-locks", h.list)
	r.Get("/period-locks/check", h.check)
	r.Delete("/period-locks/{id}", h.unlock)
}

type lockDTO struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	PeriodType  string `json:"period_type" validate:"required,oneof=MONTHLY QUARTERLY ANNUAL"`
	Reason      string `json:"reason" validate:"required"`
}

type lockResponse struct {
	ID          int64      `json:"id"`
	PeriodStart string     `json:"period_start"`
	PeriodEnd   string     `json:"period_end"`
	PeriodType  PeriodType `json:"period_type"`
	Reason      string     `json:"reason"`
	LockedBy    int64      `json:"locked_by"`
	LockedAt    time.Time  `json:"locked_at"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
	Active      bool       `json:"active"`
}

func toLockResponse(l PeriodLock) lockResponse {
	return lockResponse{
		ID:          l.ID,
		PeriodStart: l.PeriodStart.Format("2006-01-02"),
		PeriodEnd:   l.PeriodEnd.Format("2006-01-02"),
		PeriodType:  l.PeriodType,
		Reason:      l.Reason,
		LockedBy:    l.LockedBy,
		LockedAt:    l.LockedAt,
		UnlockedAt:  l.UnlockedAt,
		Active:      l.Active(),
	}
}

func (h *Handler) lock(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var dto lockDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, _ := time.Parse("2006-01-02", dto.PeriodStart)
	end, _ := time.Parse("2006-01-02", dto.PeriodEnd)
	lock, err := h.service.Lock(r.Context(), LockInput{
		TenantID:    ident.TenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		PeriodType:  PeriodType(dto.PeriodType),
		Reason:      dto.Reason,
		ActorID:     ident.ActorID,
	})
	if err != nil {
		h.logger.Warn("period lock failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLockResponse(lock))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	locks, err := h.service.List(r.Context(), ident.TenantID, activeOnly)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]lockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, toLockResponse(l))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "expected YYYY-MM-DD")
		return
	}
	locked, err := h.service.IsLocked(r.Context(), ident.TenantID, date)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"date":   date.Format("2006-01-02"),
		"locked": locked,
	})
}

func (h *Handler) unlock(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	if err := h.service.Unlock(r.Context(), ident.TenantID, id, ident.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
