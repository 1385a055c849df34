package gst

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/easygst/easygst/internal/ledger"
	"github.com/easygst/easygst/internal/periods"
	"github.com/easygst/easygst/internal/shared"
)

type memoryGstRepo struct {
	returns  map[int64]GstReturn
	lines    map[int64][]ReturnLine
	locks    []periods.PeriodLock
	agg      []ReturnLine
	aggCalls int
	nextID   int64
}

type memoryGstTx struct {
	repo *memoryGstRepo
}

func newMemoryGstRepo() *memoryGstRepo {
	return &memoryGstRepo{
		returns: make(map[int64]GstReturn),
		lines:   make(map[int64][]ReturnLine),
	}
}

func (r *memoryGstRepo) Get(ctx context.Context, tenantID, id int64) (GstReturn, error) {
	ret, ok := r.returns[id]
	if !ok || ret.TenantID != tenantID {
		return GstReturn{}, shared.ErrNotFound
	}
	ret.Lines = append([]ReturnLine(nil), r.lines[id]...)
	return ret, nil
}

func (r *memoryGstRepo) List(ctx context.Context, tenantID int64) ([]GstReturn, error) {
	var out []GstReturn
	for _, ret := range r.returns {
		if ret.TenantID == tenantID {
			out = append(out, ret)
		}
	}
	return out, nil
}

func (r *memoryGstRepo) Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error) {
	r.aggCalls++
	return append([]ReturnLine(nil), r.agg...), nil
}

// WithTx runs fn against the shared state, restoring a snapshot on error so
// the all-or-nothing transaction semantics hold in tests.
func (r *memoryGstRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	returns := make(map[int64]GstReturn, len(r.returns))
	for k, v := range r.returns {
		returns[k] = v
	}
	lines := make(map[int64][]ReturnLine, len(r.lines))
	for k, v := range r.lines {
		lines[k] = v
	}
	locks := append([]periods.PeriodLock(nil), r.locks...)
	nextID := r.nextID
	if err := fn(ctx, &memoryGstTx{repo: r}); err != nil {
		r.returns = returns
		r.lines = lines
		r.locks = locks
		r.nextID = nextID
		return err
	}
	return nil
}

func (t *memoryGstTx) Aggregate(ctx context.Context, tenantID int64, start, end time.Time) ([]ReturnLine, error) {
	return t.repo.Aggregate(ctx, tenantID, start, end)
}

func (t *memoryGstTx) Insert(ctx context.Context, ret GstReturn) (GstReturn, error) {
	t.repo.nextID++
	ret.ID = t.repo.nextID
	t.repo.returns[ret.ID] = ret
	return ret, nil
}

func (t *memoryGstTx) InsertLines(ctx context.Context, returnID int64, lines []ReturnLine) error {
	t.repo.lines[returnID] = append([]ReturnLine(nil), lines...)
	return nil
}

func (t *memoryGstTx) GetForUpdate(ctx context.Context, tenantID, id int64) (GstReturn, error) {
	ret, ok := t.repo.returns[id]
	if !ok || ret.TenantID != tenantID {
		return GstReturn{}, shared.ErrNotFound
	}
	return ret, nil
}

func (t *memoryGstTx) MarkFiled(ctx context.Context, ret GstReturn) error {
	if _, ok := t.repo.returns[ret.ID]; !ok {
		return shared.ErrNotFound
	}
	t.repo.returns[ret.ID] = ret
	return nil
}

func (t *memoryGstTx) Delete(ctx context.Context, tenantID, id int64) error {
	ret, ok := t.repo.returns[id]
	if !ok || ret.TenantID != tenantID {
		return shared.ErrNotFound
	}
	delete(t.repo.returns, id)
	delete(t.repo.lines, id)
	return nil
}

func (t *memoryGstTx) InsertPeriodLock(ctx context.Context, lock periods.PeriodLock) error {
	for _, existing := range t.repo.locks {
		if existing.TenantID == lock.TenantID && existing.Active() &&
			!lock.PeriodEnd.Before(existing.PeriodStart) && !lock.PeriodStart.After(existing.PeriodEnd) {
			return shared.ErrOverlappingLock
		}
	}
	t.repo.locks = append(t.repo.locks, lock)
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func q1Input() PrepareInput {
	return PrepareInput{
		TenantID:    1,
		PeriodStart: date(2026, time.January, 1),
		PeriodEnd:   date(2026, time.March, 31),
		ReturnType:  periods.PeriodQuarterly,
		ActorID:     5,
	}
}

func sampleLines() []ReturnLine {
	return []ReturnLine{
		{Side: SideOutput, Classification: ledger.TaxStandard, TaxableAmount: dec("10000.00"), TaxAmount: dec("900.00")},
		{Side: SideOutput, Classification: ledger.TaxZeroRated, TaxableAmount: dec("2000.00"), TaxAmount: decimal.Zero},
		{Side: SideInput, Classification: ledger.TaxStandard, TaxableAmount: dec("4000.00"), TaxAmount: dec("360.00")},
	}
}

func TestPrepareDraftTotals(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := NewService(repo, nil, nil)

	ret, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)
	require.Equal(t, StatusDraft, ret.Status)
	require.True(t, ret.OutputGst.Equal(dec("900.00")))
	require.True(t, ret.InputGst.Equal(dec("360.00")))
	require.True(t, ret.NetGstPayable.Equal(dec("540.00")))
	require.True(t, ret.TotalPayable.Equal(dec("540.00")))
	require.Len(t, ret.Lines, 3)

	got, err := svc.Get(context.Background(), 1, ret.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 3)
}

func TestPrepareRefundPosition(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = []ReturnLine{
		{Side: SideOutput, Classification: ledger.TaxStandard, TaxableAmount: dec("1000.00"), TaxAmount: dec("90.00")},
		{Side: SideInput, Classification: ledger.TaxStandard, TaxableAmount: dec("5000.00"), TaxAmount: dec("450.00")},
	}
	svc := NewService(repo, nil, nil)

	ret, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)
	require.True(t, ret.NetGstPayable.Equal(dec("-360.00")))
	require.True(t, ret.TotalPayable.IsZero(), "refund position leaves nothing payable")
}

func TestPrepareRejectsBadInput(t *testing.T) {
	svc := NewService(newMemoryGstRepo(), nil, nil)

	in := q1Input()
	in.PeriodEnd = date(2025, time.December, 31)
	_, err := svc.Prepare(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrValidation)

	in = q1Input()
	in.ReturnType = "WEEKLY"
	_, err = svc.Prepare(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFileFreezesTotalsAndLocksPeriod(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := NewService(repo, nil, nil)

	ret, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)

	// another invoice gets paid between prepare and file; filing must pick
	// up the re-aggregated totals, then freeze them
	repo.agg = append(repo.agg, ReturnLine{
		Side: SideOutput, Classification: ledger.TaxStandard,
		TaxableAmount: dec("1000.00"), TaxAmount: dec("90.00"),
	})

	filed, err := svc.File(context.Background(), 1, ret.ID, 5)
	require.NoError(t, err)
	require.Equal(t, StatusFiled, filed.Status)
	require.True(t, filed.OutputGst.Equal(dec("990.00")))
	require.True(t, filed.NetGstPayable.Equal(dec("630.00")))
	require.NotNil(t, filed.FiledAt)
	require.NotNil(t, filed.FiledBy)
	require.Equal(t, int64(5), *filed.FiledBy)

	require.Len(t, repo.locks, 1)
	lock := repo.locks[0]
	require.Equal(t, ret.PeriodStart, lock.PeriodStart)
	require.Equal(t, ret.PeriodEnd, lock.PeriodEnd)
	require.Equal(t, "GST return filed", lock.Reason)

	// totals stay frozen even as documents keep moving
	repo.agg = nil
	got, err := svc.Get(context.Background(), 1, filed.ID)
	require.NoError(t, err)
	require.True(t, got.OutputGst.Equal(dec("990.00")))
}

func TestFileTwiceRejected(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := NewService(repo, nil, nil)

	ret, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)

	_, err = svc.File(context.Background(), 1, ret.ID, 5)
	require.NoError(t, err)

	_, err = svc.File(context.Background(), 1, ret.ID, 5)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.Len(t, repo.locks, 1)
}

func TestFileBlockedByExistingLock(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	repo.locks = append(repo.locks, periods.PeriodLock{
		TenantID:    1,
		PeriodStart: date(2026, time.March, 1),
		PeriodEnd:   date(2026, time.March, 31),
	})
	svc := NewService(repo, nil, nil)

	ret, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)

	_, err = svc.File(context.Background(), 1, ret.ID, 5)
	require.ErrorIs(t, err, shared.ErrOverlappingLock)

	got, err := svc.Get(context.Background(), 1, ret.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status, "failed filing must leave the draft untouched")
}

func TestDeleteDraftOnly(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := NewService(repo, nil, nil)

	draft, err := svc.Prepare(context.Background(), q1Input())
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), 1, draft.ID, 5))
	_, err = svc.Get(context.Background(), 1, draft.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	in := q1Input()
	in.PeriodStart = date(2026, time.April, 1)
	in.PeriodEnd = date(2026, time.June, 30)
	next, err := svc.Prepare(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.File(context.Background(), 1, next.ID, 5)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), 1, next.ID, 5)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestLiveSummaryWithoutCache(t *testing.T) {
	repo := newMemoryGstRepo()
	repo.agg = sampleLines()
	svc := NewService(repo, nil, nil)

	summary, err := svc.LiveSummary(context.Background(), 1, date(2026, time.January, 1), date(2026, time.March, 31))
	require.NoError(t, err)
	require.True(t, summary.OutputGst.Equal(dec("900.00")))
	require.True(t, summary.InputGst.Equal(dec("360.00")))
	require.True(t, summary.NetGstPayable.Equal(dec("540.00")))
	require.Len(t, summary.Lines, 3)

	_, err = svc.LiveSummary(context.Background(), 1, date(2026, time.March, 31), date(2026, time.January, 1))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestNetTotals(t *testing.T) {
	net, payable := netTotals(dec("900.00"), dec("360.00"))
	require.True(t, net.Equal(dec("540.00")))
	require.True(t, payable.Equal(dec("540.00")))

	net, payable = netTotals(dec("100.00"), dec("450.00"))
	require.True(t, net.Equal(dec("-350.00")))
	require.True(t, payable.IsZero())
}
