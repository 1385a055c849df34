package payments

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/platform/httpx"
	"github.com/easygst/easygst/internal/shared"
)

// Handler manages payment, advance and allocation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/documents/{id}/payments", h.recordPayment)
	r.Post("/advances", h.recordAdvance)
	r.Get("/payments", h.listUnallocated)
	r.Get("/payments/{id}", h.get)
	r.Delete("/payments/{id}", h.deletePayment)
	r.Post("/payments/{id}/allocations", h.allocate)
	r.Delete("/allocations/{id}", h.reverseAllocation)
}

type recordPaymentDTO struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Adjustment  decimal.Decimal `json:"adjustment"`
	PaymentDate string          `json:"payment_date" validate:"required,datetime=2006-01-02"`
	Method      string          `json:"method"`
	Note        string          `json:"note"`
}

type recordAdvanceDTO struct {
	Kind        string          `json:"kind" validate:"required,oneof=CUSTOMER_ADVANCE SUPPLIER_ADVANCE"`
	PartyID     int64           `json:"party_id" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate string          `json:"payment_date" validate:"required,datetime=2006-01-02"`
	Method      string          `json:"method"`
	Note        string          `json:"note"`
}

type allocateTargetDTO struct {
	DocumentID int64           `json:"document_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
}

type allocateDTO struct {
	Targets []allocateTargetDTO `json:"targets" validate:"required,min=1,dive"`
}

type paymentResponse struct {
	ID          int64                `json:"id"`
	Kind        PaymentKind          `json:"kind"`
	Number      string               `json:"number"`
	PartyID     int64                `json:"party_id"`
	Currency    string               `json:"currency"`
	Amount      decimal.Decimal      `json:"amount"`
	Allocated   decimal.Decimal      `json:"allocated_amount"`
	Unallocated decimal.Decimal      `json:"unallocated_amount"`
	PaymentDate string               `json:"payment_date"`
	Method      string               `json:"method,omitempty"`
	Note        string               `json:"note,omitempty"`
	RefID       string               `json:"ref_id"`
	Allocations []allocationResponse `json:"allocations,omitempty"`
}

type allocationResponse struct {
	ID         int64           `json:"id"`
	PaymentID  int64           `json:"payment_id"`
	DocumentID int64           `json:"document_id"`
	Amount     decimal.Decimal `json:"amount"`
	Adjustment decimal.Decimal `json:"adjustment"`
}

func toPaymentResponse(p Payment) paymentResponse {
	out := paymentResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Number:      p.Number,
		PartyID:     p.PartyID,
		Currency:    p.Currency,
		Amount:      p.Amount,
		Allocated:   p.AllocatedAmount,
		Unallocated: p.Unallocated(),
		PaymentDate: p.PaymentDate.Format("2006-01-02"),
		Method:      p.Method,
		Note:        p.Note,
		RefID:       p.RefID.String(),
	}
	for _, a := range p.Allocations {
		out.Allocations = append(out.Allocations, toAllocationResponse(a))
	}
	return out
}

func toAllocationResponse(a Allocation) allocationResponse {
	return allocationResponse{
		ID:         a.ID,
		PaymentID:  a.PaymentID,
		DocumentID: a.DocumentID,
		Amount:     a.Amount,
		Adjustment: a.Adjustment,
	}
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	documentID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	var dto recordPaymentDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", dto.PaymentDate)
	payment, _, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		TenantID:       ident.TenantID,
		DocumentID:     documentID,
		Amount:         dto.Amount,
		Adjustment:     dto.Adjustment,
		PaymentDate:    date,
		Method:         dto.Method,
		Note:           dto.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        ident.ActorID,
	})
	if err != nil {
		h.logger.Warn("record payment failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (h *Handler) recordAdvance(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var dto recordAdvanceDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", dto.PaymentDate)
	advance, err := h.service.RecordAdvance(r.Context(), RecordAdvanceInput{
		TenantID:       ident.TenantID,
		Kind:           PaymentKind(dto.Kind),
		PartyID:        dto.PartyID,
		Currency:       dto.Currency,
		Amount:         dto.Amount,
		PaymentDate:    date,
		Method:         dto.Method,
		Note:           dto.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        ident.ActorID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(advance))
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
	payment, err := h.service.Get(r.Context(), ident.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *Handler) listUnallocated(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	partyID, _ := strconv.ParseInt(r.URL.Query().Get("party_id"), 10, 64)
	payments, err := h.service.ListUnallocated(r.Context(), ident.TenantID, partyID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	sourceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "")
		return
	}
	var dto allocateDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := AllocateInput{TenantID: ident.TenantID, SourceID: sourceID, ActorID: ident.ActorID}
	for _, t := range dto.Targets {
		in.Targets = append(in.Targets, AllocationTarget{DocumentID: t.DocumentID, Amount: t.Amount})
	}
	allocations, err := h.service.Allocate(r.Context(), in)
	if err != nil {
		h.logger.Warn("allocate failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, toAllocationResponse(a))
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"allocations": out})
}

func (h *Handler) reverseAllocation(w http.ResponseWriter, r *http.Request) {
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
	if err := h.service.ReverseAllocation(r.Context(), ident.TenantID, id, ident.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
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
	if err := h.service.DeletePayment(r.Context(), ident.TenantID, id, ident.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
