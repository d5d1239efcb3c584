package budget_test

import (
	"testing"

	"github.com/blockpool/devmem/budget"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	usage, driverBudget int
	hasExtension        bool
}

func (f *fakeSource) HeapUsageAndBudget(int) (int, int, bool) {
	return f.usage, f.driverBudget, f.hasExtension
}

func TestTrackerStaticFallbackWithoutExtension(t *testing.T) {
	tr, err := budget.New(nil, []int{1000}, nil)
	require.NoError(t, err)

	require.True(t, tr.WithinBudget(0, 799))
	require.False(t, tr.WithinBudget(0, 801))

	require.NoError(t, tr.ReserveBlockBytes(0, 500))
	require.True(t, tr.WithinBudget(0, 299))
	require.False(t, tr.WithinBudget(0, 301))
}

func TestTrackerHeapLimitEnforced(t *testing.T) {
	tr, err := budget.New(nil, []int{1000}, []int{600})
	require.NoError(t, err)

	require.NoError(t, tr.ReserveBlockBytes(0, 500))
	err = tr.ReserveBlockBytes(0, 200)
	require.ErrorIs(t, err, budget.ErrHeapLimitExceeded)

	stats := tr.Stats(0)
	require.Equal(t, 500, stats.BlockBytes)
}

func TestTrackerSanitizesDriverBudget(t *testing.T) {
	src := &fakeSource{usage: 0, driverBudget: 0, hasExtension: true}
	tr, err := budget.New(src, []int{1000}, nil)
	require.NoError(t, err)

	require.NoError(t, tr.ReserveBlockBytes(0, 300))
	tr.Refresh(0)

	stats := tr.Stats(0)
	require.Equal(t, 800, stats.Budget) // budget==0 -> 80% of heap
	require.Equal(t, 300, stats.Usage)  // usage==0 but block_bytes_at_fetch>0 -> use it

	src.driverBudget = 5000
	tr.Refresh(0)
	require.Equal(t, 1000, tr.Stats(0).Budget) // budget > heap_size -> heap_size
}

func TestTrackerRepollsAfterThreshold(t *testing.T) {
	src := &fakeSource{usage: 100, driverBudget: 900, hasExtension: true}
	tr, err := budget.New(src, []int{1000}, nil)
	require.NoError(t, err)

	for i := 0; i < budget.OpsBeforeRepoll-1; i++ {
		tr.Touch(0)
	}
	require.Equal(t, 800, tr.Stats(0).Budget) // not yet repolled

	tr.Touch(0)
	require.Equal(t, 900, tr.Stats(0).Budget) // threshold crossed, repolled
}
