package sequence

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/easygst/easygst/internal/platform/httpx"
	"github.com/easygst/easygst/internal/shared"
)

// Handler manages sequence configuration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Put("/sequences/{docType}/prefix", h.configurePrefix)
}

type prefixDTO struct {
	Year   int    `json:"year" validate:"required,gte=2000,lte=2200"`
	Prefix string `json:"prefix" validate:"required,min=1,max=8"`
}

func (h *Handler) configurePrefix(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	docType := DocType(chi.URLParam(r, "docType"))
	var dto prefixDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key := Key{TenantID: ident.TenantID, DocType: docType, Year: dto.Year}
	if err := h.service.ConfigurePrefix(r.Context(), key, dto.Prefix, ident.ActorID); err != nil {
		h.logger.Warn("configure prefix failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
