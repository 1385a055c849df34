package ledger

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

// Handler manages document endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers document routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/documents", h.create)
	r.Get("/documents", h.list)
	r.Get("/documents/{id}", h.get)
	r.Post("/documents/{id}/cancel", h.cancel)
}

type createLineDTO struct {
	Description       string          `json:"description" validate:"required"`
	TaxableAmount     decimal.Decimal `json:"taxable_amount" validate:"required"`
	TaxClassification string          `json:"tax_classification" validate:"required,oneof=STANDARD ZERO_RATED EXEMPT"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
}

type createDocumentDTO struct {
	Kind         string          `json:"kind" validate:"required,oneof=INVOICE BILL"`
	PartyID      int64           `json:"party_id" validate:"required,gt=0"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	DocumentDate string          `json:"document_date" validate:"required,datetime=2006-01-02"`
	Lines        []createLineDTO `json:"lines" validate:"required,min=1,dive"`
}

type documentResponse struct {
	ID            int64           `json:"id"`
	Kind          DocumentKind    `json:"kind"`
	Number        string          `json:"number"`
	PartyID       int64           `json:"party_id"`
	Currency      string          `json:"currency"`
	DocumentDate  string          `json:"document_date"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	Status        DocumentStatus  `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Lines         []lineResponse  `json:"lines,omitempty"`
}

type lineResponse struct {
	ID                int64             `json:"id"`
	Description       string            `json:"description"`
	TaxableAmount     decimal.Decimal   `json:"taxable_amount"`
	TaxClassification TaxClassification `json:"tax_classification"`
	TaxRate           decimal.Decimal   `json:"tax_rate"`
	TaxAmount         decimal.Decimal   `json:"tax_amount"`
}

func toDocumentResponse(doc Document) documentResponse {
	out := documentResponse{
		ID:            doc.ID,
		Kind:          doc.Kind,
		Number:        doc.Number,
		PartyID:       doc.PartyID,
		Currency:      doc.Currency,
		DocumentDate:  doc.DocumentDate.Format("2006-01-02"),
		TotalAmount:   doc.TotalAmount,
		AmountPaid:    doc.AmountPaid,
		AmountDue:     doc.AmountDue,
		Status:        doc.Status,
		PaymentStatus: doc.PaymentStatus,
	}
	for _, line := range doc.Lines {
		out.Lines = append(out.Lines, lineResponse{
			ID:                line.ID,
			Description:       line.Description,
			TaxableAmount:     line.TaxableAmount,
			TaxClassification: line.TaxClassification,
			TaxRate:           line.TaxRate,
			TaxAmount:         line.TaxAmount,
		})
	}
	return out
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var dto createDocumentDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", dto.DocumentDate)
	in := CreateDocumentInput{
		TenantID:     ident.TenantID,
		Kind:         DocumentKind(dto.Kind),
		PartyID:      dto.PartyID,
		Currency:     dto.Currency,
		DocumentDate: date,
		ActorID:      ident.ActorID,
	}
	for _, line := range dto.Lines {
		in.Lines = append(in.Lines, LineInput{
			Description:       line.Description,
			TaxableAmount:     line.TaxableAmount,
			TaxClassification: TaxClassification(line.TaxClassification),
			TaxRate:           line.TaxRate,
		})
	}
	doc, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.logger.Warn("document create failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDocumentResponse(doc))
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
	doc, err := h.service.Get(r.Context(), ident.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ident, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	kind := DocumentKind(r.URL.Query().Get("kind"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	docs, err := h.service.List(r.Context(), ident.TenantID, kind, limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
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
	if err := h.service.Cancel(r.Context(), ident.TenantID, id, ident.ActorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
