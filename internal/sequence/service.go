package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/easygst/easygst/internal/shared"
)

// AuditPort records sequence configuration changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service issues gap-free document numbers.
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

// IssueNumber consumes the next value for key in its own transaction.
// Document-creating services instead call NextInTx inside their own
// transaction so the increment and the insert commit together.
func (s *Service) IssueNumber(ctx context.Context, key Key) (Issued, error) {
	if err := key.Validate(); err != nil {
		return Issued{}, err
	}
	var issued Issued
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		issued, e = tx.Next(ctx, key)
		return e
	})
	if err != nil {
		return Issued{}, err
	}
	return issued, nil
}

// ConfigurePrefix overrides the prefix for a tenant-facing document type.
// System types keep their fixed prefixes.
func (s *Service) ConfigurePrefix(ctx context.Context, key Key, prefix string, actorID int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !key.DocType.PrefixConfigurable() {
		return fmt.Errorf("%w: prefix for %s is fixed", shared.ErrValidation, key.DocType)
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" || len(prefix) > 8 {
		return fmt.Errorf("%w: prefix must be 1-8 characters", shared.ErrValidation)
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetPrefix(ctx, key, prefix)
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			TenantID: key.TenantID,
			ActorID:  actorID,
			Action:   "sequence.prefix",
			Entity:   "document_sequence",
			EntityID: fmt.Sprintf("%d/%s/%d", key.TenantID, key.DocType, key.Year),
			Meta:     map[string]any{"prefix": prefix},
			At:       s.now(),
		})
	}
	return nil
}
