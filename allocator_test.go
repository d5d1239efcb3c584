package devmem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

// allocatorSetup mirrors the teacher's AllocatorSetup: enough knobs to build
// a two-type, two-heap device and hand it to New.
type allocatorSetup struct {
	DeviceExtensions []string
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
	DeviceProperties core1_0.PhysicalDeviceProperties
	Options          CreateOptions
}

// readyAllocator builds a mock instance/physicalDevice/device rig via
// mocks.MockRig1_0 and constructs an Allocator over it, the devmem-level
// analog of the teacher's readyAllocator helper.
func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup allocatorSetup) (core1_0.Instance, core1_0.PhysicalDevice, core1_0.Device, *Allocator) {
	t.Helper()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, setup.DeviceExtensions)

	props := setup.DeviceProperties
	physicalDevice.EXPECT().Properties().Return(&props, nil)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, instance, physicalDevice, device, setup.Options)
	require.NoError(t, err)

	return instance, physicalDevice, device, allocator
}

func twoTypeSetup() allocatorSetup {
	return allocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1_000_000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1_000_000, Flags: 0},
		},
		DeviceProperties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      1,
				MaxMemoryAllocationCount: 1 << 20,
			},
		},
	}
}

// --- scenario 4: block list allocation policy ---

// TestAllocateMemory_CreatesFirstBlock covers the "first scan finds nothing,
// create a new block" path of blockList.Allocate: the default per-type
// block lists start empty, so the very first request must fall through the
// first scan and land in tryCreateBlockForSize.
func TestAllocateMemory_CreatesFirstBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	// A 1MB heap's preferred block size is heapSize/8 = 125000, aligned up
	// to 32: 125024. A 1000 byte request fits comfortably in that block.
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  125024,
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(nil)

	alloc, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{})
	require.NoError(t, err)
	require.NotNil(t, alloc)

	require.NoError(t, allocator.FreeMemory(alloc))
}

// TestAllocateMemory_HalvesBlockSizeOnOutOfMemory covers tryCreateBlockForSize's
// halving retry: the driver refuses the first (preferred-size) block and the
// list must retry at half that size before it succeeds.
func TestAllocateMemory_HalvesBlockSizeOnOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	gomock.InOrder(
		device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
			MemoryTypeIndex: 0,
			AllocationSize:  125024,
		}).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
	)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  62512,
	}).Return(memory, core1_0.VKSuccess, nil)

	alloc, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{})
	require.NoError(t, err)
	require.NotNil(t, alloc)
}

// TestPoolAllocate_SecondScanEvictsStaleCanBecomeLost drives the losing
// sweep at the bottom of blockList.Allocate: a pool pinned to exactly one
// block forces both the first scan and the create-new-block attempt to
// fail, so the second (CanMakeOtherLost) scan must evict a stale
// CanBecomeLost allocation to make room.
func TestPoolAllocate_SecondScanEvictsStaleCanBecomeLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	poolMemory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  1000,
	}).Return(poolMemory, core1_0.VKSuccess, nil)

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       1000,
		MinBlockCount:   1,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	stale, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           400,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Flags: AllocationCreateCanBecomeLost,
		Pool:  pool,
	})
	require.NoError(t, err)
	require.False(t, stale.IsLost())

	// Advance the frame counter so the pool's zero FrameInUseCount makes the
	// first allocation immediately stale.
	allocator.SetCurrentFrameIndex(1)

	// 700 bytes cannot fit in the block's remaining 600 free bytes, the
	// block list is already at MaxBlockCount, so only the losing scan can
	// satisfy this request.
	winner, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           700,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Flags: AllocationCreateCanMakeOtherLost,
		Pool:  pool,
	})
	require.NoError(t, err)
	require.NotNil(t, winner)
	require.True(t, stale.IsLost())
}

// --- scenario 5: allocator-level budget-limit refusal ---

// TestAllocateMemory_WithinBudgetRefusesOverBudgetDedicated covers
// allocateDedicated's WithinBudget gate: with no memory budget extension
// present, the tracker's budget for a heap defaults to 80% of its size, and
// a WithinBudget dedicated request larger than that must be refused before
// the driver is ever called.
func TestAllocateMemory_WithinBudgetRefusesOverBudgetDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())
	_ = device // no AllocateMemory call is expected on this path

	_, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           900_000, // heap 0 is 1,000,000 bytes; budget is 800,000
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateWithinBudget,
	})
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	require.Equal(t, ErrorKindOutOfDeviceMemory, kind)
}

// --- scenario 6: facade routing and dedicated escalation ---

// TestAllocateMemory_ExplicitDedicatedMemorySkipsBlockList covers the
// forceDedicated branch of Allocator.allocate: AllocationCreateDedicatedMemory
// must route straight to allocateDedicated without ever touching the
// per-type block list.
func TestAllocateMemory_ExplicitDedicatedMemorySkipsBlockList(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  1000,
	}).Return(memory, core1_0.VKSuccess, nil)
	memory.EXPECT().Free(nil)

	alloc, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{Flags: AllocationCreateDedicatedMemory})
	require.NoError(t, err)
	require.NotNil(t, alloc)

	require.NoError(t, allocator.FreeMemory(alloc))
}

// TestAllocateMemory_LargeRequestPrefersDedicated covers the size-based
// escalation in Allocator.allocate: a request bigger than half the type's
// preferred block size must try allocateDedicated first, without ever
// creating a device block.
func TestAllocateMemory_LargeRequestPrefersDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	// Preferred block size for heap 0 is 125024; anything over half of that
	// (62512) must prefer a dedicated allocation.
	const size = 70000
	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  size,
	}).Return(memory, core1_0.VKSuccess, nil)

	alloc, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{})
	require.NoError(t, err)
	require.NotNil(t, alloc)
}

// TestAllocateMemory_DedicatedEscalationFallsBackToBlockList covers the
// "dedicated preferred but failed" fallback: when allocateDedicated errors,
// allocate must still try the block list before giving up.
func TestAllocateMemory_DedicatedEscalationFallsBackToBlockList(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, device, allocator := readyAllocator(t, ctrl, twoTypeSetup())

	const size = 70000
	// The dedicated attempt (at exactly size, since a dedicated allocation is
	// sized to the request) fails; the block list must then create a block
	// at the full preferred size to fall back into, since halving below the
	// request size would never fit it.
	memory := mocks.EasyMockDeviceMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
			MemoryTypeIndex: 0,
			AllocationSize:  size,
		}).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
			MemoryTypeIndex: 0,
			AllocationSize:  125024,
		}).Return(memory, core1_0.VKSuccess, nil),
	)

	alloc, err := allocator.AllocateMemory(core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, AllocationCreateInfo{})
	require.NoError(t, err)
	require.NotNil(t, alloc)
}
