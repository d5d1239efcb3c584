package metadata_test

import (
	"testing"

	"github.com/blockpool/devmem/metadata"
	"github.com/stretchr/testify/require"
)

func newBlock(t *testing.T, size, granularity int) *metadata.Generic {
	t.Helper()
	g := metadata.NewGeneric(granularity, 1, 0)
	g.Init(size)
	return g
}

func alloc(t *testing.T, g *metadata.Generic, size int, alignment uint, typ metadata.SuballocationType, owner any) (metadata.BlockAllocationHandle, int) {
	t.Helper()
	req, ok, err := g.TryRequest(metadata.RequestContext{
		Size:      size,
		Alignment: alignment,
		Type:      typ,
		Strategy:  metadata.StrategyBestFit,
	})
	require.NoError(t, err)
	require.True(t, ok)
	handle := g.Commit(req, typ, owner)
	offset, err := g.AllocationOffset(handle)
	require.NoError(t, err)
	return handle, offset
}

func TestGenericBasicPlacement(t *testing.T) {
	g := newBlock(t, 1<<20, 64)

	a, offsetA := alloc(t, g, 256*1024, 64, metadata.SuballocationBuffer, "A")
	require.Equal(t, 0, offsetA)

	_, offsetB := alloc(t, g, 256*1024, 64, metadata.SuballocationBuffer, "B")
	require.Equal(t, 262144, offsetB)

	require.NoError(t, g.Free(a))

	_, offsetC := alloc(t, g, 128*1024, 64, metadata.SuballocationBuffer, "C")
	require.Equal(t, 0, offsetC)

	require.NoError(t, g.Validate())
}

func TestGenericGranularityConflict(t *testing.T) {
	g := newBlock(t, 1<<20, 1024)

	_, offsetA := alloc(t, g, 600, 1, metadata.SuballocationBuffer, "A")
	require.Equal(t, 0, offsetA)

	_, offsetB := alloc(t, g, 600, 1, metadata.SuballocationImageOptimal, "B")
	require.Equal(t, 1024, offsetB)

	require.NoError(t, g.Validate())
}

func TestGenericCoalescing(t *testing.T) {
	g := newBlock(t, 1<<20, 1)

	a, _ := alloc(t, g, 64*1024, 1, metadata.SuballocationBuffer, "A")
	b, _ := alloc(t, g, 64*1024, 1, metadata.SuballocationBuffer, "B")
	_, _ = alloc(t, g, 64*1024, 1, metadata.SuballocationBuffer, "C")

	require.NoError(t, g.Free(b))
	require.NoError(t, g.Free(a))

	require.Equal(t, 2, g.FreeCount())
	require.NoError(t, g.Validate())

	var freeRanges [][2]int
	require.NoError(t, g.VisitAllRegions(func(_ metadata.BlockAllocationHandle, offset, size int, _ any, free bool) error {
		if free {
			freeRanges = append(freeRanges, [2]int{offset, offset + size})
		}
		return nil
	}))
	require.Equal(t, [][2]int{{0, 131072}, {196608, 1048576}}, freeRanges)
}

func TestGenericLosingSweep(t *testing.T) {
	g := newBlock(t, 1024, 1)

	_, _ = alloc(t, g, 512, 1, metadata.SuballocationBuffer, "X")
	_, _ = alloc(t, g, 512, 1, metadata.SuballocationBuffer, "Y")

	stale := map[any]bool{"X": true, "Y": true}

	req, ok, err := g.TryRequest(metadata.RequestContext{
		Size:             1024,
		Alignment:        1,
		Type:             metadata.SuballocationBuffer,
		Strategy:         metadata.StrategyBestFit,
		CanMakeOtherLost: true,
		IsStale: func(owner any) bool {
			return stale[owner]
		},
	})
	require.NoError(t, err)
	require.True(t, ok)

	var evicted []any
	err = g.MakeRequestedLost(req, func(owner any) bool {
		evicted = append(evicted, owner)
		return true
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []any{"X", "Y"}, evicted)

	z := g.Commit(req, metadata.SuballocationBuffer, "Z")
	offset, err := g.AllocationOffset(z)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 1, g.AllocationCount())
	require.NoError(t, g.Validate())
}

func TestGenericAllocateFreeRestoresEmpty(t *testing.T) {
	g := newBlock(t, 4096, 1)
	require.True(t, g.IsEmpty())

	h, _ := alloc(t, g, 1024, 1, metadata.SuballocationBuffer, "A")
	require.False(t, g.IsEmpty())

	require.NoError(t, g.Free(h))
	require.True(t, g.IsEmpty())
	require.Equal(t, 4096, g.SumFreeSize())
}

func TestGenericZeroSizeRejected(t *testing.T) {
	g := newBlock(t, 4096, 1)
	_, _, err := g.TryRequest(metadata.RequestContext{Size: 0, Alignment: 1, Strategy: metadata.StrategyBestFit})
	require.Error(t, err)
}
