package devmem

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags controls how a single AllocateMemory call is routed
// and what policy the resulting allocation carries.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory forces the allocation onto its own
	// whole-block driver allocation instead of sub-allocating a block list.
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate restricts the block list to its existing
	// blocks; if none has room, allocation fails with OutOfDeviceMemory
	// rather than creating a new block.
	AllocationCreateNeverAllocate
	// AllocationCreateMapped maps a dedicated allocation's memory when it is
	// created and keeps that mapping until FreeMemory. A block-backed
	// allocation is not mapped by this flag. Mutually exclusive with
	// CanBecomeLost.
	AllocationCreateMapped
	// AllocationCreateWithinBudget restricts a dedicated allocation to only
	// succeed if it would not push its heap's usage past the tracked budget.
	AllocationCreateWithinBudget
	// AllocationCreateCanMakeOtherLost allows this allocation's placement
	// search to evict existing CanBecomeLost allocations that are stale with
	// respect to the current frame (spec.md 4.1/4.2's losing sweep).
	AllocationCreateCanMakeOtherLost
	// AllocationCreateCanBecomeLost marks this allocation as eligible to be
	// evicted by a later CanMakeOtherLost request once it becomes stale.
	// Mutually exclusive with Mapped.
	AllocationCreateCanBecomeLost
	// AllocationCreateStrategyBestFit, AllocationCreateStrategyFirstFit, and
	// AllocationCreateStrategyWorstFit select the placement strategy a block
	// list uses to search its free-range index; BestFit is the default when
	// none is set.
	AllocationCreateStrategyBestFit
	AllocationCreateStrategyFirstFit
	AllocationCreateStrategyWorstFit

	AllocationCreateStrategyMask = AllocationCreateStrategyBestFit |
		AllocationCreateStrategyFirstFit |
		AllocationCreateStrategyWorstFit
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanMakeOtherLost.Register("AllocationCreateCanMakeOtherLost")
	AllocationCreateCanBecomeLost.Register("AllocationCreateCanBecomeLost")
	AllocationCreateStrategyBestFit.Register("AllocationCreateStrategyBestFit")
	AllocationCreateStrategyFirstFit.Register("AllocationCreateStrategyFirstFit")
	AllocationCreateStrategyWorstFit.Register("AllocationCreateStrategyWorstFit")
}

// PoolCreateFlags controls the block list backing a user-created Pool.
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity disables granularity conflict
	// checking for allocations from this pool, for callers that know their
	// resources never alias on the same page.
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
}

// PoolCreateInfo configures a user pool's block list.
type PoolCreateInfo struct {
	MemoryTypeIndex int
	Flags           PoolCreateFlags
	BlockSize       int // 0 selects the default preferred block size
	MinBlockCount   int
	MaxBlockCount   int // 0 means unlimited
	FrameInUseCount int
}
