package devmem

import (
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"golang.org/x/exp/slog"

	"github.com/blockpool/devmem/budget"
	"github.com/blockpool/devmem/driver"
	"github.com/blockpool/devmem/internal/syncutil"
	"github.com/blockpool/devmem/metadata"
	"github.com/blockpool/devmem/stats"
)

// Allocator is the facade spec.md 4.6 describes: it owns one blockList and
// one dedicatedSet per memory type, a budget.Tracker, and the pool list, and
// is the only type applications construct directly.
type Allocator struct {
	useMutex       bool
	logger         *slog.Logger
	instance       core1_0.Instance
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *vkdriver.AllocationCallbacks

	properties  *driver.MemoryProperties
	extensions  *driver.ExtensionData
	budget      *budget.Tracker
	typeSelector *typeSelector

	createFlags                 CreateFlags
	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	currentFrame                int64 // atomic
	allocationCount             int64 // atomic, across every memory type

	memoryBlockLists [common.MaxMemoryTypes]*blockList
	dedicatedSets    [common.MaxMemoryTypes]*dedicatedSet

	poolsMutex syncutil.OptionalRWMutex
	pools      *Pool
	nextPoolID int
}

// CurrentFrameIndex returns the frame index most recently published by
// SetCurrentFrameIndex.
func (a *Allocator) CurrentFrameIndex() int64 {
	return atomic.LoadInt64(&a.currentFrame)
}

// SetCurrentFrameIndex publishes frame as the current frame, the only input
// the lost-allocation machinery consumes: an allocation becomes stale for
// eviction once its last-use frame plus its block list's frameInUseCount
// falls behind this value.
func (a *Allocator) SetCurrentFrameIndex(frame int64) {
	atomic.StoreInt64(&a.currentFrame, frame)
}

// validateCreateInfo enforces spec.md 4.6's flag-combination rules, ahead of
// any driver work.
func (a *Allocator) validateCreateInfo(info AllocationCreateInfo) error {
	if info.Flags&AllocationCreateDedicatedMemory != 0 && info.Flags&AllocationCreateNeverAllocate != 0 {
		return invalidArgumentf("devmem: AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate are mutually exclusive")
	}
	if info.Flags&AllocationCreateMapped != 0 && info.Flags&AllocationCreateCanBecomeLost != 0 {
		return invalidArgumentf("devmem: AllocationCreateMapped and AllocationCreateCanBecomeLost are mutually exclusive")
	}
	if info.Pool != nil && info.Flags&AllocationCreateDedicatedMemory != 0 {
		return invalidArgumentf("devmem: a Pool allocation cannot also request AllocationCreateDedicatedMemory")
	}
	return nil
}

// strategyFromFlags maps the caller's AllocationCreateStrategy* bits onto
// metadata.Strategy, defaulting to BestFit when none is set (spec.md 4.2
// step 2).
func strategyFromFlags(flags AllocationCreateFlags) metadata.Strategy {
	switch flags & AllocationCreateStrategyMask {
	case AllocationCreateStrategyFirstFit:
		return metadata.StrategyFirstFit
	case AllocationCreateStrategyWorstFit:
		return metadata.StrategyWorstFit
	default:
		return metadata.StrategyBestFit
	}
}

// AllocateMemory allocates size bytes of alignment-aligned device memory
// directly, without an associated buffer or image, per spec.md §6's
// AllocateMemory entry point.
func (a *Allocator) AllocateMemory(requirements core1_0.MemoryRequirements, info AllocationCreateInfo) (*Allocation, error) {
	return a.allocate(requirements, false, false, nil, nil, info, metadata.SuballocationUnknown)
}

// AllocateMemoryForBuffer allocates and does not bind memory sized and typed
// to satisfy buffer's requirements. Callers still call Allocation.BindBuffer
// themselves.
func (a *Allocator) AllocateMemoryForBuffer(buffer core1_0.Buffer, info AllocationCreateInfo) (*Allocation, error) {
	if buffer == nil {
		return nil, invalidArgumentf("devmem: AllocateMemoryForBuffer requires a non-nil buffer")
	}
	requirements := *buffer.MemoryRequirements()
	return a.allocate(requirements, false, false, buffer, nil, info, metadata.SuballocationBuffer)
}

// AllocateMemoryForImage allocates memory sized and typed to satisfy image's
// requirements. Callers still call Allocation.BindImage themselves.
func (a *Allocator) AllocateMemoryForImage(image core1_0.Image, info AllocationCreateInfo) (*Allocation, error) {
	if image == nil {
		return nil, invalidArgumentf("devmem: AllocateMemoryForImage requires a non-nil image")
	}
	requirements := *image.MemoryRequirements()
	return a.allocate(requirements, false, false, nil, image, info, metadata.SuballocationImageUnknown)
}

// allocate is the shared dispatcher behind every AllocateMemory* entry
// point: it validates flags, selects a memory type (unless a Pool was
// supplied), and routes either to the pool/type's block list or to a
// dedicated allocation, falling back from one to the other on failure.
func (a *Allocator) allocate(
	requirements core1_0.MemoryRequirements,
	requiresDedicated, prefersDedicated bool,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	info AllocationCreateInfo,
	suballocType metadata.SuballocationType,
) (*Allocation, error) {
	if requirements.Size <= 0 {
		return nil, invalidArgumentf("devmem: allocation size must be positive")
	}
	if requirements.Alignment == 0 || requirements.Alignment&(requirements.Alignment-1) != 0 {
		return nil, invalidArgumentf("devmem: alignment must be a nonzero power of two")
	}
	if err := a.validateCreateInfo(info); err != nil {
		return nil, err
	}

	var list *blockList
	var dedicated *dedicatedSet
	var memoryTypeIndex int

	if info.Pool != nil {
		if requiresDedicated {
			return nil, invalidArgumentf("devmem: the driver requires a dedicated allocation for this resource, which is incompatible with a user Pool")
		}
		list = info.Pool.blockList
		dedicated = info.Pool.dedicated
		memoryTypeIndex = info.Pool.memoryTypeIndex
	} else {
		typeIndex, ok := a.typeSelector.Select(requirements.MemoryTypeBits, info.Usage, info)
		if !ok {
			return nil, newKindError(ErrorKindFeatureNotPresent, errors.New("devmem: no memory type satisfies the requested requirements"))
		}
		memoryTypeIndex = typeIndex
		list = a.memoryBlockLists[typeIndex]
		dedicated = a.dedicatedSets[typeIndex]
	}

	heapIndex := a.properties.TypeHeapIndex(memoryTypeIndex)
	alignment := uint(requirements.Alignment)
	if minAlign := a.properties.TypeMinimumAlignment(memoryTypeIndex); minAlign > alignment {
		alignment = minAlign
	}

	mappingAllowed := true
	persistentlyMapped := info.Flags&AllocationCreateMapped != 0

	dedicatedPreferred := prefersDedicated || info.Usage == MemoryUsageGpuLazilyAllocated
	if info.Flags&AllocationCreateDedicatedMemory == 0 && info.Pool == nil {
		if requirements.Size > list.preferredBlockSize/2 {
			dedicatedPreferred = true
		}
		if maxAllocs := a.properties.MaxMemoryAllocationCount(); maxAllocs > 0 && maxAllocs < 1<<30 {
			if atomic.LoadInt64(&a.allocationCount) > int64(maxAllocs)*3/4 {
				dedicatedPreferred = false
			}
		}
	}

	forceDedicated := info.Flags&AllocationCreateDedicatedMemory != 0 || requiresDedicated

	if forceDedicated {
		return a.allocateDedicated(dedicated, memoryTypeIndex, heapIndex, requirements.Size, alignment,
			suballocType, dedicatedBuffer, dedicatedImage, persistentlyMapped, mappingAllowed, info)
	}

	if dedicatedPreferred {
		alloc, err := a.allocateDedicated(dedicated, memoryTypeIndex, heapIndex, requirements.Size, alignment,
			suballocType, dedicatedBuffer, dedicatedImage, persistentlyMapped, mappingAllowed, info)
		if err == nil {
			return alloc, nil
		}
	}

	alloc, err := a.allocateFromBlockList(list, memoryTypeIndex, heapIndex, requirements.Size, alignment, suballocType, persistentlyMapped, mappingAllowed, info)
	if err == nil {
		return alloc, nil
	}
	if !dedicatedPreferred {
		if alloc, dedicatedErr := a.allocateDedicated(dedicated, memoryTypeIndex, heapIndex, requirements.Size, alignment,
			suballocType, dedicatedBuffer, dedicatedImage, persistentlyMapped, mappingAllowed, info); dedicatedErr == nil {
			return alloc, nil
		}
	}
	return nil, err
}

// allocateFromBlockList routes to blockList.Allocate, building the isStale/
// evict closures the second (may-lose-others) scan needs and constructing
// the owner Allocation the placement is committed against.
func (a *Allocator) allocateFromBlockList(
	list *blockList,
	memoryTypeIndex, heapIndex, size int,
	alignment uint,
	suballocType metadata.SuballocationType,
	persistentlyMapped, mappingAllowed bool,
	info AllocationCreateInfo,
) (*Allocation, error) {
	canBecomeLost := info.Flags&AllocationCreateCanBecomeLost != 0
	canMakeOtherLost := info.Flags&AllocationCreateCanMakeOtherLost != 0 && info.Flags&AllocationCreateNeverAllocate == 0
	neverAllocate := info.Flags&AllocationCreateNeverAllocate != 0
	strategy := strategyFromFlags(info.Flags)

	currentFrame := a.CurrentFrameIndex()
	frameInUseCount := int64(list.FrameInUseCount())

	owner := newBlockAllocation(a.device, a.properties, nil, list, 0, memoryTypeIndex, heapIndex, size, alignment,
		suballocType, canBecomeLost, mappingAllowed, currentFrame, info.UserData)
	if info.Name != "" {
		owner.SetName(info.Name)
	}

	isStale := func(o any) bool {
		alloc, ok := o.(*Allocation)
		return ok && alloc.isStale(currentFrame, frameInUseCount)
	}
	evict := func(o any) bool {
		alloc, ok := o.(*Allocation)
		if !ok {
			return false
		}
		observed := atomic.LoadInt64(&alloc.lastUseFrame)
		if !alloc.isStale(currentFrame, frameInUseCount) {
			return false
		}
		return alloc.tryMakeLost(observed)
	}

	plan, err := list.Allocate(size, alignment, suballocType, strategy, neverAllocate, canMakeOtherLost, isStale, evict, owner)
	if err != nil {
		return nil, err
	}

	owner.block = plan.block
	owner.blockHandle = plan.handle
	return owner, nil
}

// allocateDedicated implements spec.md 4.3's whole-block path: an optional
// WithinBudget check, an extension chain built from whatever capabilities
// NewExtensionData found, a single driver allocation, and dedicated-set
// registration.
func (a *Allocator) allocateDedicated(
	set *dedicatedSet,
	memoryTypeIndex, heapIndex, size int,
	alignment uint,
	suballocType metadata.SuballocationType,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	persistentlyMapped, mappingAllowed bool,
	info AllocationCreateInfo,
) (*Allocation, error) {
	if info.Flags&AllocationCreateWithinBudget != 0 {
		a.budget.Refresh(heapIndex)
		if !a.budget.WithinBudget(heapIndex, size) {
			return nil, newKindError(ErrorKindOutOfDeviceMemory, errors.New("devmem: dedicated allocation would exceed the heap's tracked budget"))
		}
	}

	var next common.Options
	if a.extensions.DedicatedAllocations && (dedicatedBuffer != nil || dedicatedImage != nil) {
		dedicatedInfo := khr_dedicated_allocation.MemoryDedicatedAllocateInfo{}
		if dedicatedBuffer != nil {
			dedicatedInfo.Buffer = dedicatedBuffer
		} else {
			dedicatedInfo.Image = dedicatedImage
		}
		dedicatedInfo.Next = next
		next = dedicatedInfo
	}
	// spec.md 4.3 step 2: only attach the device-address flag when the
	// allocator was opted into it AND the resource is eligible. An image can
	// never carry a shader device address; only a dedicated buffer can.
	eligibleForDeviceAddress := dedicatedBuffer != nil
	if a.createFlags&AllocatorCreateBufferDeviceAddress != 0 && a.extensions.BufferDeviceAddress != nil && eligibleForDeviceAddress {
		flagsInfo := core1_1.MemoryAllocateFlagsInfo{
			Flags: khr_buffer_device_address.MemoryAllocateDeviceAddress,
			Next:  next,
		}
		next = flagsInfo
	}

	if err := a.budget.ReserveBlockBytes(heapIndex, size); err != nil {
		return nil, newKindError(ErrorKindOutOfDeviceMemory, err)
	}

	mem, err := driver.Allocate(a.device, a.callbacks, memoryTypeIndex, size, next)
	if err != nil {
		a.budget.ReleaseBlockBytes(heapIndex, size)
		return nil, wrapDriverError(err)
	}

	if persistentlyMapped {
		if _, err := mem.Map(0, size); err != nil {
			mem.Free()
			a.budget.ReleaseBlockBytes(heapIndex, size)
			return nil, wrapDriverError(err)
		}
	}

	currentFrame := a.CurrentFrameIndex()
	alloc := newDedicatedAllocation(a.device, a.properties, mem, set, memoryTypeIndex, heapIndex, size, alignment,
		suballocType, mappingAllowed, persistentlyMapped, currentFrame, info.UserData)
	if info.Name != "" {
		alloc.SetName(info.Name)
	}

	set.Register(alloc)
	a.budget.AddAllocationBytes(heapIndex, size)
	a.budget.Touch(heapIndex)
	atomic.AddInt64(&a.allocationCount, 1)

	return alloc, nil
}

// FreeMemory releases alloc, idempotently for an already-lost handle:
// routes to the owning block list or dedicated set by kind.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	if alloc == nil {
		return invalidArgumentf("devmem: attempted to free a nil allocation")
	}

	switch alloc.kind {
	case allocationKindDedicated:
		if alloc.IsLost() {
			return nil
		}
		alloc.dedicatedSet.Unregister(alloc)
		if alloc.persistentlyMapped {
			if err := alloc.memory.Unmap(); err != nil {
				a.logger.Error("error unmapping persistently mapped dedicated allocation on free", "error", err)
			}
		}
		alloc.memory.Free()
		a.budget.RemoveAllocationBytes(alloc.heapIndex, alloc.size)
		a.budget.ReleaseBlockBytes(alloc.heapIndex, alloc.size)
		a.budget.Touch(alloc.heapIndex)
		atomic.AddInt64(&a.allocationCount, -1)
		return nil
	case allocationKindBlock:
		if alloc.IsLost() {
			return nil
		}
		return alloc.blockList.Free(alloc.block, alloc.blockHandle, alloc.size)
	default:
		return invalidStatef("devmem: allocation has no backing memory kind")
	}
}

// CreatePool creates a user pool reserved against one memory type, eagerly
// creating its minimum blocks before returning.
func (a *Allocator) CreatePool(info PoolCreateInfo) (*Pool, error) {
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= a.properties.TypeCount() {
		return nil, invalidArgumentf("devmem: invalid memory type index %d", info.MemoryTypeIndex)
	}
	if a.globalMemoryTypeBits&(1<<uint(info.MemoryTypeIndex)) == 0 {
		return nil, invalidArgumentf("devmem: memory type %d is excluded from this allocator", info.MemoryTypeIndex)
	}

	heapIndex := a.properties.TypeHeapIndex(info.MemoryTypeIndex)
	blockSize := info.BlockSize
	explicit := blockSize != 0
	if blockSize == 0 {
		blockSize = a.calculatePreferredBlockSize(info.MemoryTypeIndex)
	}

	maxBlockCount := info.MaxBlockCount
	if maxBlockCount == 0 {
		maxBlockCount = 1<<31 - 1
	}
	granularity := a.properties.BufferImageGranularity()
	if info.Flags&PoolCreateIgnoreBufferImageGranularity != 0 {
		granularity = 1
	}

	list := newBlockList(
		a.logger, a.device, a.callbacks, a.budget,
		info.MemoryTypeIndex, heapIndex,
		blockSize, info.MinBlockCount, maxBlockCount,
		explicit,
		granularity, defaultRegisterThreshold, defaultDebugMargin,
		false,
		info.FrameInUseCount,
		a.useMutex,
	)
	if err := list.CreateMinBlocks(); err != nil {
		return nil, err
	}

	a.poolsMutex.Lock()
	a.nextPoolID++
	id := a.nextPoolID
	pool := newPool(a.logger, id, info.MemoryTypeIndex, list)
	pool.next = a.pools
	if a.pools != nil {
		a.pools.prev = pool
	}
	a.pools = pool
	a.poolsMutex.Unlock()

	return pool, nil
}

// DestroyPool destroys pool, which must be empty of live blocks and
// dedicated allocations.
func (a *Allocator) DestroyPool(pool *Pool) error {
	if pool == nil {
		return invalidArgumentf("devmem: attempted to destroy a nil pool")
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	if err := pool.destroy(); err != nil {
		return err
	}

	if pool.prev != nil {
		pool.prev.next = pool.next
	} else {
		a.pools = pool.next
	}
	if pool.next != nil {
		pool.next.prev = pool.prev
	}
	pool.prev = nil
	pool.next = nil
	return nil
}

// CalculateStatistics aggregates usage across every default per-type block
// list and dedicated set, plus every live user pool, per spec.md §8.
func (a *Allocator) CalculateStatistics() stats.DetailedStatistics {
	out := stats.NewDetailedStatistics()

	for _, list := range a.memoryBlockLists {
		if list != nil {
			list.AddDetailedStatistics(&out)
		}
	}
	for _, set := range a.dedicatedSets {
		if set != nil {
			set.AddDetailedStatistics(&out)
		}
	}

	a.poolsMutex.RLock()
	for pool := a.pools; pool != nil; pool = pool.next {
		pool.blockList.AddDetailedStatistics(&out)
		pool.dedicated.AddDetailedStatistics(&out)
	}
	a.poolsMutex.RUnlock()

	return out
}

// BuildStatsJSON renders a full snapshot of every block, dedicated
// allocation, and pool this allocator owns, keyed by memory type index.
func (a *Allocator) BuildStatsJSON() ([]byte, error) {
	writer := jwriter.NewWriter()
	root := writer.Object()

	types := root.Name("MemoryTypes").Object()
	for typeIndex, list := range a.memoryBlockLists {
		if list == nil {
			continue
		}
		typeObj := types.Name(strconv.Itoa(typeIndex)).Object()

		blocks := typeObj.Name("Blocks").Object()
		list.BuildStatsJSON(blocks)
		blocks.End()

		if set := a.dedicatedSets[typeIndex]; set != nil {
			dedicated := typeObj.Name("DedicatedAllocations").Array()
			set.BuildStatsJSON(dedicated)
			dedicated.End()
		}
		typeObj.End()
	}
	types.End()

	pools := root.Name("Pools").Array()
	a.poolsMutex.RLock()
	for pool := a.pools; pool != nil; pool = pool.next {
		poolObj := pools.Object()
		poolObj.Name("ID").Int(pool.id)
		if pool.name != "" {
			poolObj.Name("Name").String(pool.name)
		}
		poolObj.Name("MemoryTypeIndex").Int(pool.memoryTypeIndex)

		blocks := poolObj.Name("Blocks").Object()
		pool.blockList.BuildStatsJSON(blocks)
		blocks.End()

		dedicated := poolObj.Name("DedicatedAllocations").Array()
		pool.dedicated.BuildStatsJSON(dedicated)
		dedicated.End()

		poolObj.End()
	}
	a.poolsMutex.RUnlock()
	pools.End()

	root.End()
	return writer.Bytes()
}

// Dispose tears down every default per-type block list and dedicated set.
// The caller must have already destroyed every user pool and freed every
// allocation; Dispose returns an error rather than leaking memory if any
// block list or dedicated set is not empty.
func (a *Allocator) Dispose() error {
	a.poolsMutex.RLock()
	hasPools := a.pools != nil
	a.poolsMutex.RUnlock()
	if hasPools {
		return invalidStatef("devmem: cannot dispose an allocator with live user pools")
	}

	for typeIndex := 0; typeIndex < len(a.memoryBlockLists); typeIndex++ {
		list := a.memoryBlockLists[typeIndex]
		if list == nil {
			continue
		}
		if list.BlockCount() > 0 {
			var live bool
			for _, b := range list.blocks {
				if !b.IsEmpty() {
					live = true
					break
				}
			}
			if live {
				return invalidStatef("devmem: cannot dispose an allocator with live block allocations")
			}
		}
		if err := list.Dispose(); err != nil {
			return err
		}
		set := a.dedicatedSets[typeIndex]
		if set != nil && !set.IsEmpty() {
			return invalidStatef("devmem: cannot dispose an allocator with live dedicated allocations")
		}
	}
	return nil
}
