package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

// AuditPort records document lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns document issuance and lifecycle. Balance mutations go through
// the payments engine, which applies the pure ApplyPayment/ReversePayment
// transitions inside its own transaction.
type Service struct {
	repo  Repository
	audit AuditPort
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create issues a new document. The sequence increment and the document
// insert share one transaction, so a failed insert never burns a number.
func (s *Service) Create(ctx context.Context, in CreateDocumentInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	lines, total := buildLines(in.Lines)
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.ActiveLockExists(ctx, in.TenantID, in.DocumentDate)
		if err != nil {
			return err
		}
		if locked {
			return fmt.Errorf("%w: document date %s", shared.ErrPeriodLocked, in.DocumentDate.Format("2006-01-02"))
		}
		issued, err := tx.NextNumber(ctx, sequence.Key{
			TenantID: in.TenantID,
			DocType:  in.Kind.SequenceType(),
			Year:     in.DocumentDate.Year(),
		})
		if err != nil {
			return err
		}
		doc = Document{
			TenantID:      in.TenantID,
			Kind:          in.Kind,
			Number:        issued.Formatted,
			SequenceValue: issued.Value,
			PartyID:       in.PartyID,
			Currency:      in.Currency,
			DocumentDate:  in.DocumentDate,
			TotalAmount:   total,
			AmountPaid:    decimal.Zero,
			AmountDue:     total,
			Status:        StatusIssued,
			PaymentStatus: PaymentStatusUnpaid,
		}
		doc, err = tx.InsertDocument(ctx, doc)
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, doc.ID, lines); err != nil {
			return err
		}
		for i := range lines {
			lines[i].DocumentID = doc.ID
		}
		doc.Lines = lines
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: in.TenantID,
			ActorID:  in.ActorID,
			Action:   "document.create",
			Entity:   "document",
			EntityID: fmt.Sprintf("%d", doc.ID),
			Meta:     map[string]any{"number": doc.Number, "kind": string(doc.Kind), "total": doc.TotalAmount.String()},
			At:       s.now(),
		})
	}
	return doc, nil
}

// Get loads a document with its lines.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (Document, error) {
	return s.repo.GetDocument(ctx, tenantID, id)
}

// List returns documents for a tenant, optionally filtered by kind.
func (s *Service) List(ctx context.Context, tenantID int64, kind DocumentKind, limit, offset int) ([]Document, error) {
	return s.repo.ListDocuments(ctx, tenantID, kind, limit, offset)
}

// Cancel voids a document that has never been paid. Once any payment exists
// the caller must reverse it first; the document is never hard-deleted.
func (s *Service) Cancel(ctx context.Context, tenantID, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if doc.Status != StatusIssued {
			return fmt.Errorf("%w: cannot cancel %s document", shared.ErrInvalidTransition, doc.Status)
		}
		if doc.AmountPaid.Sign() > 0 {
			return fmt.Errorf("%w: document %s has payments, reverse them first", shared.ErrInvalidTransition, doc.Number)
		}
		locked, err := tx.ActiveLockExists(ctx, tenantID, doc.DocumentDate)
		if err != nil {
			return err
		}
		if locked {
			return fmt.Errorf("%w: document %s dated in a locked period", shared.ErrPeriodLocked, doc.Number)
		}
		return tx.UpdateStatus(ctx, tenantID, id, StatusCancelled)
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: tenantID,
			ActorID:  actorID,
			Action:   "document.cancel",
			Entity:   "document",
			EntityID: fmt.Sprintf("%d", id),
			At:       s.now(),
		})
	}
	return nil
}
