package gst

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/platform/httpx"
	"github.com/easygst/easygst/internal/shared"
)

// Handler manages GST return endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers GST return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/gst-returns", h.prepare)
	r.Get("/gst-returns", h.list)
	r.Get("/gst-returns/summary", h.summary)
	r.Get("/gst-returns/{id}", h.get)
	r.Post("/gst-returns/{id}/file", h.file)
	r.Delete("/gst-returns/{id}", h.deleteDraft)
}

type prepareDTO struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	ReturnType  string `json:"return_type" validate:"required,oneof=MONTHLY QUARTERLY ANNUAL"`
}

type returnResponse struct {
	ID            int64              `json:"id"`
	PeriodStart   string             `json:"period_start"`
	PeriodEnd     string             `json:"period_end"`
	ReturnType    periods.PeriodType `json:"return_type"`
	Status        ReturnStatus       `json:"status"`
	OutputGst     decimal.Decimal    `json:"output_gst"`
	InputGst      decimal.Decimal    `json:"input_gst"`
	NetGstPayable decimal.Decimal    `json:"net_gst_payable"`
	TotalPayable  decimal.Decimal    `json:"total_payable"`
	RefID         string             `json:"ref_id"`
	FiledAt       *time.Time         `json:"filed_at,omitempty"`
	Lines         []lineResponse     `json:"lines,omitempty"`
}

type lineResponse struct {
	Side           LineSide                 `json:"side"`
	Classification ledger.TaxClassification `json:"tax_classification"`
	TaxableAmount  decimal.Decimal          `json:"taxable_amount"`
	TaxAmount      decimal.Decimal          `json:"tax_amount"`
}

func toReturnResponse(ret GstReturn) returnResponse {
	out := returnResponse{
		ID:            ret.ID,
		PeriodStart:   ret.PeriodStart.Format("2006-01-02"),
		PeriodEnd:     ret.PeriodEnd.Format("2006-01-02"),
		ReturnType:    ret.ReturnType,
		Status:        ret.Status,
		OutputGst:     ret.OutputGst,
		InputGst:      ret.InputGst,
		NetGstPayable: ret.NetGstPayable,
		TotalPayable:  ret.TotalPayable,
		RefID:         ret.RefID.String(),
		FiledAt:       ret.FiledAt,
	}
	for _, line := range ret.Lines {
		out.Lines = append(out.Lines, lineResponse{
			Side:           line.Side,
			Classification: line.Classification,
			TaxableAmount:  line.TaxableAmount,
			TaxAmount:      line.TaxAmount,
		})
	}
	return out
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var dto prepareDTO
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
	ret, err := h.service.Prepare(r.Context(), PrepareInput{
		TenantID:    ident.TenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		ReturnType:  periods.PeriodType(dto.ReturnType),
		ActorID:     ident.ActorID,
	})
	if err != nil {
		h.logger.Warn("gst prepare failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReturnResponse(ret))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
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
	ret, err := h.service.Get(r.Context(), ident.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnResponse(ret))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	returns, err := h.service.List(r.Context(), ident.TenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]returnResponse, 0, len(returns))
	for _, ret := range returns {
		out = append(out, toReturnResponse(ret))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": out})
}

func (h *Handler) file(w http.ResponseWriter, r *http.Request) {
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
	ret, err := h.service.File(r.Context(), ident.TenantID, id, ident.ActorID)
	if err != nil {
		h.logger.Warn("gst file failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnResponse(ret))
}

func (h *Handler) deleteDraft(w http.ResponseWriter, r *http.Request) {
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
	if err := h.service.Delete(r.Context(), ident.TenantID, id, ident.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	start, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "from: expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "to: expected YYYY-MM-DD")
		return
	}
	summary, err := h.service.LiveSummary(r.Context(), ident.TenantID, start, end)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
