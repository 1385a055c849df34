package payments

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/sequence"
	"github.com/easygst/easygst/internal/shared"
)

type memoryPaymentsRepo struct {
	documents   map[int64]ledger.Document
	payments    map[int64]Payment
	allocations map[int64]Allocation
	locks       []lockRange
	counters    map[sequence.Key]int64
	nextID      int64
}

type lockRange struct {
	tenantID int64
	start    time.Time
	end      time.Time
}

func newMemoryPaymentsRepo() *memoryPaymentsRepo {
	return &memoryPaymentsRepo{
		documents:   make(map[int64]ledger.Document),
		payments:    make(map[int64]Payment),
		allocations: make(map[int64]Allocation),
		counters:    make(map[sequence.Key]int64),
	}
}

func (r *memoryPaymentsRepo) lock(tenantID int64, start, end time.Time) {
	r.locks = append(r.locks, lockRange{tenantID: tenantID, start: start, end: end})
}

func (r *memoryPaymentsRepo) addDocument(doc ledger.Document) ledger.Document {
	r.nextID++
	doc.ID = r.nextID
	r.documents[doc.ID] = doc
	return doc
}

func (r *memoryPaymentsRepo) snapshot() *memoryPaymentsRepo {
	clone := newMemoryPaymentsRepo()
	for k, v := range r.documents {
		clone.documents[k] = v
	}
	for k, v := range r.payments {
		clone.payments[k] = v
	}
	for k, v := range r.allocations {
		clone.allocations[k] = v
	}
	for k, v := range r.counters {
		clone.counters[k] = v
	}
	clone.locks = append([]lockRange(nil), r.locks...)
	clone.nextID = r.nextID
	return clone
}

func (r *memoryPaymentsRepo) restore(s *memoryPaymentsRepo) {
	r.documents = s.documents
	r.payments = s.payments
	r.allocations = s.allocations
	r.counters = s.counters
	r.locks = s.locks
	r.nextID = s.nextID
}

func (r *memoryPaymentsRepo) GetPayment(ctx context.Context, tenantID, id int64) (Payment, error) {
	p, ok := r.payments[id]
	if !ok || p.TenantID != tenantID {
		return Payment{}, shared.ErrNotFound
	}
	p.Allocations = nil
	for _, a := range r.allocations {
		if a.PaymentID == id {
			p.Allocations = append(p.Allocations, a)
		}
	}
	return p, nil
}

func (r *memoryPaymentsRepo) ListUnallocated(ctx context.Context, tenantID, partyID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.TenantID != tenantID {
			continue
		}
		if partyID != 0 && p.PartyID != partyID {
			continue
		}
		if p.Unallocated().Sign() > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// WithTx runs fn against the shared state, restoring a snapshot on error so
// the all-or-nothing transaction semantics hold in tests.
func (r *memoryPaymentsRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	before := r.snapshot()
	if err := fn(ctx, &memoryPaymentsTx{repo: r}); err != nil {
		r.restore(before)
		return err
	}
	return nil
}

type memoryPaymentsTx struct {
	repo *memoryPaymentsRepo
}

func (t *memoryPaymentsTx) NextNumber(ctx context.Context, key sequence.Key) (sequence.Issued, error) {
	t.repo.counters[key]++
	value := t.repo.counters[key]
	return sequence.Issued{Value: value, Formatted: sequence.Format(key.DocType.DefaultPrefix(), key.Year, value)}, nil
}

func (t *memoryPaymentsTx) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	t.repo.nextID++
	p.ID = t.repo.nextID
	t.repo.payments[p.ID] = p
	return p, nil
}

func (t *memoryPaymentsTx) GetPaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	p, ok := t.repo.payments[id]
	if !ok || p.TenantID != tenantID {
		return Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *memoryPaymentsTx) UpdatePaymentAllocated(ctx context.Context, tenantID, id int64, allocated decimal.Decimal) error {
	p, ok := t.repo.payments[id]
	if !ok || p.TenantID != tenantID {
		return shared.ErrNotFound
	}
	p.AllocatedAmount = allocated
	t.repo.payments[id] = p
	return nil
}

func (t *memoryPaymentsTx) DeletePayment(ctx context.Context, tenantID, id int64) error {
	p, ok := t.repo.payments[id]
	if !ok || p.TenantID != tenantID {
		return shared.ErrNotFound
	}
	delete(t.repo.payments, id)
	return nil
}

func (t *memoryPaymentsTx) InsertAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	t.repo.nextID++
	a.ID = t.repo.nextID
	t.repo.allocations[a.ID] = a
	return a, nil
}

func (t *memoryPaymentsTx) GetAllocationForUpdate(ctx context.Context, tenantID, id int64) (Allocation, error) {
	a, ok := t.repo.allocations[id]
	if !ok {
		return Allocation{}, shared.ErrNotFound
	}
	p, pok := t.repo.payments[a.PaymentID]
	if !pok || p.TenantID != tenantID {
		return Allocation{}, shared.ErrNotFound
	}
	return a, nil
}

func (t *memoryPaymentsTx) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range t.repo.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memoryPaymentsTx) DeleteAllocation(ctx context.Context, id int64) error {
	if _, ok := t.repo.allocations[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.repo.allocations, id)
	return nil
}

func (t *memoryPaymentsTx) GetDocumentForUpdate(ctx context.Context, tenantID, id int64) (ledger.Document, error) {
	doc, ok := t.repo.documents[id]
	if !ok || doc.TenantID != tenantID {
		return ledger.Document{}, shared.ErrNotFound
	}
	return doc, nil
}

func (t *memoryPaymentsTx) UpdateDocumentBalance(ctx context.Context, doc ledger.Document) error {
	stored, ok := t.repo.documents[doc.ID]
	if !ok {
		return shared.ErrNotFound
	}
	stored.AmountPaid = doc.AmountPaid
	stored.AmountDue = doc.AmountDue
	t.repo.documents[doc.ID] = stored
	return nil
}

func (t *memoryPaymentsTx) ActiveLockExists(ctx context.Context, tenantID int64, date time.Time) (bool, error) {
	for _, l := range t.repo.locks {
		if l.tenantID == tenantID && !date.Before(l.start) && !date.After(l.end) {
			return true, nil
		}
	}
	return false, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func invoice(repo *memoryPaymentsRepo, total string) ledger.Document {
	return repo.addDocument(ledger.Document{
		TenantID:     1,
		Kind:         ledger.KindInvoice,
		Number:       "INV-2026-0001",
		PartyID:      10,
		Currency:     "SGD",
		DocumentDate: date(2026, time.March, 15),
		TotalAmount:  dec(total),
		AmountPaid:   decimal.Zero,
		AmountDue:    dec(total),
		Status:       ledger.StatusIssued,
	})
}

func TestRecordPaymentPartialThenPaid(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)

	payment, updated, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("300.00"),
		PaymentDate: date(2026, time.April, 1),
		ActorID:     5,
	})
	require.NoError(t, err)
	require.Equal(t, "PMT-2026-0001", payment.Number)
	require.Equal(t, ledger.PaymentStatusPartial, updated.PaymentStatus)
	require.True(t, updated.AmountDue.Equal(dec("200.00")))
	require.True(t, payment.Unallocated().IsZero())

	_, updated, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("200.00"),
		PaymentDate: date(2026, time.April, 2),
		ActorID:     5,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentStatusPaid, updated.PaymentStatus)
	require.True(t, updated.AmountDue.IsZero())
}

func TestRecordPaymentExceedsBalance(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)

	_, _, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("600.00"),
		PaymentDate: date(2026, time.April, 1),
	})
	require.ErrorIs(t, err, shared.ErrExceedsBalance)

	// nothing committed
	stored := repo.documents[doc.ID]
	require.True(t, stored.AmountPaid.IsZero())
	require.Empty(t, repo.payments)
	require.Empty(t, repo.allocations)
}

func TestRecordPaymentWithAdjustment(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "100.00")
	svc := NewService(repo, nil, nil)

	// 95 received plus a 5.00 write-off adjustment settles the document.
	payment, updated, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("95.00"),
		Adjustment:  dec("5.00"),
		PaymentDate: date(2026, time.April, 1),
	})
	require.NoError(t, err)
	require.True(t, updated.AmountDue.IsZero())
	require.Equal(t, ledger.PaymentStatusPaid, updated.PaymentStatus)
	require.True(t, payment.Amount.Equal(dec("95.00")))
	require.Len(t, payment.Allocations, 1)
	require.True(t, payment.Allocations[0].Delta().Equal(dec("100.00")))
}

func TestRecordPaymentBlockedByLockedPeriod(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)

	// lock covering the payment date but not the document date
	repo.lock(1, date(2026, time.April, 1), date(2026, time.April, 30))
	_, _, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("100.00"),
		PaymentDate: date(2026, time.April, 10),
	})
	require.ErrorIs(t, err, shared.ErrPeriodLocked)

	// lock covering the document date
	repo.locks = nil
	repo.lock(1, date(2026, time.March, 1), date(2026, time.March, 31))
	_, _, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("100.00"),
		PaymentDate: date(2026, time.April, 10),
	})
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
	require.Empty(t, repo.payments)
}

func TestRecordAdvance(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	svc := NewService(repo, nil, nil)

	advance, err := svc.RecordAdvance(context.Background(), RecordAdvanceInput{
		TenantID:    1,
		Kind:        KindCustomerAdvance,
		PartyID:     10,
		Currency:    "SGD",
		Amount:      dec("500.00"),
		PaymentDate: date(2026, time.April, 1),
	})
	require.NoError(t, err)
	require.Equal(t, "CADV-2026-0001", advance.Number)
	require.True(t, advance.Unallocated().Equal(dec("500.00")))

	list, err := svc.ListUnallocated(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRecordAdvanceRejectsPaymentKind(t *testing.T) {
	svc := NewService(newMemoryPaymentsRepo(), nil, nil)
	_, err := svc.RecordAdvance(context.Background(), RecordAdvanceInput{
		TenantID:    1,
		Kind:        KindPayment,
		PartyID:     10,
		Currency:    "SGD",
		Amount:      dec("500.00"),
		PaymentDate: date(2026, time.April, 1),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func advance(t *testing.T, svc *Service, amount string) Payment {
	t.Helper()
	adv, err := svc.RecordAdvance(context.Background(), RecordAdvanceInput{
		TenantID:    1,
		Kind:        KindCustomerAdvance,
		PartyID:     10,
		Currency:    "SGD",
		Amount:      dec(amount),
		PaymentDate: date(2026, time.April, 1),
	})
	require.NoError(t, err)
	return adv
}

func TestAllocateAcrossDocuments(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	first := invoice(repo, "300.00")
	second := invoice(repo, "400.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	allocs, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets: []AllocationTarget{
			{DocumentID: first.ID, Amount: dec("300.00")},
			{DocumentID: second.ID, Amount: dec("150.00")},
		},
	})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	require.True(t, repo.documents[first.ID].AmountDue.IsZero())
	require.True(t, repo.documents[second.ID].AmountDue.Equal(dec("250.00")))

	got, err := svc.Get(context.Background(), 1, adv.ID)
	require.NoError(t, err)
	require.True(t, got.Unallocated().Equal(dec("50.00")))
}

func TestAllocateExceedsUnallocated(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "1000.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets:  []AllocationTarget{{DocumentID: doc.ID, Amount: dec("600.00")}},
	})
	require.ErrorIs(t, err, shared.ErrExceedsBalance)
	require.True(t, repo.documents[doc.ID].AmountPaid.IsZero())
}

func TestAllocateAtomicAcrossTargets(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	first := invoice(repo, "100.00")
	small := invoice(repo, "50.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	// second target exceeds its document's due; whole batch must roll back
	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets: []AllocationTarget{
			{DocumentID: first.ID, Amount: dec("100.00")},
			{DocumentID: small.ID, Amount: dec("80.00")},
		},
	})
	require.ErrorIs(t, err, shared.ErrExceedsBalance)

	require.True(t, repo.documents[first.ID].AmountPaid.IsZero(), "first target must be rolled back")
	require.True(t, repo.documents[small.ID].AmountPaid.IsZero())
	got, err := svc.Get(context.Background(), 1, adv.ID)
	require.NoError(t, err)
	require.True(t, got.Unallocated().Equal(dec("500.00")))
	require.Empty(t, got.Allocations)
}

func TestAllocateRejectsDuplicateTargets(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets: []AllocationTarget{
			{DocumentID: doc.ID, Amount: dec("100.00")},
			{DocumentID: doc.ID, Amount: dec("100.00")},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAllocateRejectsCurrencyMismatch(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := repo.addDocument(ledger.Document{
		TenantID:     1,
		Kind:         ledger.KindInvoice,
		Number:       "INV-2026-0002",
		PartyID:      10,
		Currency:     "USD",
		DocumentDate: date(2026, time.March, 15),
		TotalAmount:  dec("100.00"),
		AmountDue:    dec("100.00"),
		Status:       ledger.StatusIssued,
	})
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets:  []AllocationTarget{{DocumentID: doc.ID, Amount: dec("100.00")}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAllocateBlockedByLockedPeriod(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	repo.lock(1, date(2026, time.March, 1), date(2026, time.March, 31))
	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets:  []AllocationTarget{{DocumentID: doc.ID, Amount: dec("100.00")}},
	})
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
	require.True(t, repo.documents[doc.ID].AmountPaid.IsZero())
}

func TestReverseAllocation(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	allocs, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets:  []AllocationTarget{{DocumentID: doc.ID, Amount: dec("200.00")}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.ReverseAllocation(context.Background(), 1, allocs[0].ID, 5))

	require.True(t, repo.documents[doc.ID].AmountPaid.IsZero())
	require.True(t, repo.documents[doc.ID].AmountDue.Equal(dec("500.00")))
	got, err := svc.Get(context.Background(), 1, adv.ID)
	require.NoError(t, err)
	require.True(t, got.Unallocated().Equal(dec("500.00")))
}

func TestReverseAllocationBlockedByLockedPeriod(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	allocs, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets:  []AllocationTarget{{DocumentID: doc.ID, Amount: dec("200.00")}},
	})
	require.NoError(t, err)

	repo.lock(1, date(2026, time.March, 1), date(2026, time.March, 31))
	err = svc.ReverseAllocation(context.Background(), 1, allocs[0].ID, 5)
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
	require.True(t, repo.documents[doc.ID].AmountPaid.Equal(dec("200.00")))
}

func TestDeletePaymentReversesAllAllocations(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	first := invoice(repo, "300.00")
	second := invoice(repo, "400.00")
	svc := NewService(repo, nil, nil)
	adv := advance(t, svc, "500.00")

	_, err := svc.Allocate(context.Background(), AllocateInput{
		TenantID: 1,
		SourceID: adv.ID,
		Targets: []AllocationTarget{
			{DocumentID: first.ID, Amount: dec("300.00")},
			{DocumentID: second.ID, Amount: dec("100.00")},
		},
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePayment(context.Background(), 1, adv.ID, 5))

	require.True(t, repo.documents[first.ID].AmountPaid.IsZero())
	require.True(t, repo.documents[second.ID].AmountPaid.IsZero())
	require.Empty(t, repo.allocations)
	_, err = svc.Get(context.Background(), 1, adv.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeletePaymentBlockedByLockedPeriod(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	doc := invoice(repo, "500.00")
	svc := NewService(repo, nil, nil)

	payment, _, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		TenantID:    1,
		DocumentID:  doc.ID,
		Amount:      dec("200.00"),
		PaymentDate: date(2026, time.April, 1),
	})
	require.NoError(t, err)

	repo.lock(1, date(2026, time.March, 1), date(2026, time.March, 31))
	err = svc.DeletePayment(context.Background(), 1, payment.ID, 5)
	require.ErrorIs(t, err, shared.ErrPeriodLocked)
	require.True(t, repo.documents[doc.ID].AmountPaid.Equal(dec("200.00")))
}
