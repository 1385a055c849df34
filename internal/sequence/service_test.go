package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/easygst/easygst/internal/shared"
)

type memorySequenceRepo struct {
	mu       sync.Mutex
	counters map[Key]int64
	prefixes map[Key]string
}

type memorySequenceTx struct {
	repo *memorySequenceRepo
}

func newMemorySequenceRepo() *memorySequenceRepo {
	return &memorySequenceRepo{
		counters: make(map[Key]int64),
		prefixes: make(map[Key]string),
	}
}

func (r *memorySequenceRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memorySequenceTx{repo: r})
}

func (t *memorySequenceTx) Next(ctx context.Context, key Key) (Issued, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.counters[key]++
	prefix, ok := t.repo.prefixes[key]
	if !ok {
		prefix = key.DocType.DefaultPrefix()
		t.repo.prefixes[key] = prefix
	}
	value := t.repo.counters[key]
	return Issued{Value: value, Formatted: Format(prefix, key.Year, value)}, nil
}

func (t *memorySequenceTx) SetPrefix(ctx context.Context, key Key, prefix string) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.prefixes[key] = prefix
	return nil
}

func TestIssueNumberSequential(t *testing.T) {
	svc := NewService(newMemorySequenceRepo(), nil)
	key := Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2026}

	for i := int64(1); i <= 3; i++ {
		issued, err := svc.IssueNumber(context.Background(), key)
		require.NoError(t, err)
		require.Equal(t, i, issued.Value)
	}

	issued, err := svc.IssueNumber(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "INV-2026-0004", issued.Formatted)
}

func TestIssueNumberConcurrentNoGapsNoDuplicates(t *testing.T) {
	svc := NewService(newMemorySequenceRepo(), nil)
	key := Key{TenantID: 7, DocType: DocTypePayment, Year: 2026}

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	results := make(chan int64, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				issued, err := svc.IssueNumber(context.Background(), key)
				require.NoError(t, err)
				results <- issued.Value
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for v := range results {
		require.False(t, seen[v], "value %d issued twice", v)
		seen[v] = true
	}
	require.Len(t, seen, goroutines*perGoroutine)
	for v := int64(1); v <= goroutines*perGoroutine; v++ {
		require.True(t, seen[v], "value %d missing", v)
	}
}

func TestIssueNumberIndependentScopes(t *testing.T) {
	svc := NewService(newMemorySequenceRepo(), nil)

	first, err := svc.IssueNumber(context.Background(), Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2026})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Value)

	otherTenant, err := svc.IssueNumber(context.Background(), Key{TenantID: 2, DocType: DocTypeInvoice, Year: 2026})
	require.NoError(t, err)
	require.Equal(t, int64(1), otherTenant.Value)

	otherYear, err := svc.IssueNumber(context.Background(), Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2027})
	require.NoError(t, err)
	require.Equal(t, int64(1), otherYear.Value)

	otherType, err := svc.IssueNumber(context.Background(), Key{TenantID: 1, DocType: DocTypeBill, Year: 2026})
	require.NoError(t, err)
	require.Equal(t, "BILL-2026-0001", otherType.Formatted)
}

func TestConfigurePrefix(t *testing.T) {
	repo := newMemorySequenceRepo()
	svc := NewService(repo, nil)
	key := Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2026}

	require.NoError(t, svc.ConfigurePrefix(context.Background(), key, "tax", 99))

	issued, err := svc.IssueNumber(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "TAX-2026-0001", issued.Formatted)
}

func TestConfigurePrefixFixedTypesRejected(t *testing.T) {
	svc := NewService(newMemorySequenceRepo(), nil)
	for _, docType := range []DocType{DocTypeBill, DocTypeCustomerAdvance, DocTypeSupplierAdvance, DocTypePayment} {
		err := svc.ConfigurePrefix(context.Background(), Key{TenantID: 1, DocType: docType, Year: 2026}, "X", 99)
		require.ErrorIs(t, err, shared.ErrValidation)
	}
}

func TestConfigurePrefixLength(t *testing.T) {
	svc := NewService(newMemorySequenceRepo(), nil)
	key := Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2026}

	require.ErrorIs(t, svc.ConfigurePrefix(context.Background(), key, "", 99), shared.ErrValidation)
	require.ErrorIs(t, svc.ConfigurePrefix(context.Background(), key, "TOOLONGPREFIX", 99), shared.ErrValidation)
}

func TestKeyValidate(t *testing.T) {
	require.ErrorIs(t, Key{DocType: DocTypeInvoice, Year: 2026}.Validate(), shared.ErrValidation)
	require.ErrorIs(t, Key{TenantID: 1, DocType: "JOURNAL", Year: 2026}.Validate(), shared.ErrValidation)
	require.ErrorIs(t, Key{TenantID: 1, DocType: DocTypeInvoice, Year: 1999}.Validate(), shared.ErrValidation)
	require.NoError(t, Key{TenantID: 1, DocType: DocTypeInvoice, Year: 2026}.Validate())
}
