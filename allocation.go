package devmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/blockpool/devmem/driver"
	"github.com/blockpool/devmem/metadata"
)

// lostFrame is the sentinel atomic.LoadInt64(&a.lastUseFrame) settles on once
// an allocation has been reclaimed by a CanMakeOtherLost request. isStale
// checks for it explicitly, so a lost allocation is never offered for
// eviction again, and MarkUsed never replaces it, so a lost allocation
// never moves back to a real frame (spec.md's "publish-once and never reverses").
const lostFrame = int64(1<<63 - 1)

type allocationKind byte

const (
	allocationKindBlock allocationKind = iota
	allocationKindDedicated
)

// Allocation is a single handle returned by AllocateMemory: either a
// suballocated range within a device block, or a whole dedicated driver
// allocation. Exactly one of the block/dedicated fields is meaningful,
// selected by kind.
type Allocation struct {
	kind            allocationKind
	device          core1_0.Device
	properties      *driver.MemoryProperties
	memoryTypeIndex int
	heapIndex       int
	size            int
	alignment       uint
	suballocType    metadata.SuballocationType
	userData        any
	name            string

	canBecomeLost    bool
	mappingAllowed   bool
	persistentlyMapped bool

	lastUseFrame int64 // atomic
	mapCount     int32 // atomic

	// block-backed fields.
	block       *deviceBlock
	blockHandle metadata.BlockAllocationHandle
	blockList   *blockList

	// dedicated fields.
	memory        *driver.Memory
	dedicatedSet  *dedicatedSet
	nextDedicated *Allocation
	prevDedicated *Allocation
}

func newBlockAllocation(
	device core1_0.Device,
	properties *driver.MemoryProperties,
	block *deviceBlock,
	list *blockList,
	handle metadata.BlockAllocationHandle,
	memoryTypeIndex, heapIndex, size int,
	alignment uint,
	suballocType metadata.SuballocationType,
	canBecomeLost, mappingAllowed bool,
	currentFrame int64,
	userData any,
) *Allocation {
	return &Allocation{
		kind:            allocationKindBlock,
		device:          device,
		properties:      properties,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		size:            size,
		alignment:       alignment,
		suballocType:    suballocType,
		userData:        userData,
		canBecomeLost:   canBecomeLost,
		mappingAllowed:  mappingAllowed,
		lastUseFrame:    currentFrame,
		block:           block,
		blockHandle:     handle,
		blockList:       list,
	}
}

func newDedicatedAllocation(
	device core1_0.Device,
	properties *driver.MemoryProperties,
	memory *driver.Memory,
	set *dedicatedSet,
	memoryTypeIndex, heapIndex, size int,
	alignment uint,
	suballocType metadata.SuballocationType,
	mappingAllowed, persistentlyMapped bool,
	currentFrame int64,
	userData any,
) *Allocation {
	return &Allocation{
		kind:               allocationKindDedicated,
		device:             device,
		properties:         properties,
		memoryTypeIndex:    memoryTypeIndex,
		heapIndex:          heapIndex,
		size:               size,
		alignment:          alignment,
		suballocType:       suballocType,
		userData:           userData,
		mappingAllowed:     mappingAllowed,
		persistentlyMapped: persistentlyMapped,
		lastUseFrame:       currentFrame,
		memory:             memory,
		dedicatedSet:       set,
	}
}

func (a *Allocation) UserData() any              { return a.userData }
func (a *Allocation) SetUserData(v any)          { a.userData = v }
func (a *Allocation) Name() string               { return a.name }
func (a *Allocation) SetName(name string)        { a.name = name }
func (a *Allocation) MemoryTypeIndex() int        { return a.memoryTypeIndex }
func (a *Allocation) Alignment() uint             { return a.alignment }
func (a *Allocation) CanBecomeLost() bool         { return a.canBecomeLost }

// Size reports the allocation's size in bytes, or 0 if it has been lost.
func (a *Allocation) Size() int {
	if a.IsLost() {
		return 0
	}
	return a.size
}

// IsLost reports whether this allocation's range has been reclaimed by a
// later CanMakeOtherLost request.
func (a *Allocation) IsLost() bool {
	return atomic.LoadInt64(&a.lastUseFrame) == lostFrame
}

// MarkUsed publishes currentFrame as this allocation's last-use frame via a
// compare-and-swap loop. It returns without writing when the observed frame
// is already currentFrame or newer, and retries when a concurrent update
// left an older frame in place; it never overwrites the lost sentinel.
func (a *Allocation) MarkUsed(currentFrame int64) {
	for {
		observed := atomic.LoadInt64(&a.lastUseFrame)
		if observed == lostFrame || observed >= currentFrame {
			return
		}
		if atomic.CompareAndSwapInt64(&a.lastUseFrame, observed, currentFrame) {
			return
		}
	}
}

// isStale reports whether this allocation is eligible for eviction by a
// CanMakeOtherLost request at currentFrame, per spec.md 4.1's
// last_use_frame + frame_in_use_count < current_frame condition.
func (a *Allocation) isStale(currentFrame int64, frameInUseCount int64) bool {
	if !a.canBecomeLost {
		return false
	}
	observed := atomic.LoadInt64(&a.lastUseFrame)
	if observed == lostFrame {
		return false
	}
	return observed+frameInUseCount < currentFrame
}

// tryMakeLost attempts the single-word publish-once transition to the lost
// sentinel, failing if the allocation was touched (or already lost) since
// the caller last observed it as stale.
func (a *Allocation) tryMakeLost(observedFrame int64) bool {
	return atomic.CompareAndSwapInt64(&a.lastUseFrame, observedFrame, lostFrame)
}

// DeviceMemory returns the raw driver memory handle backing this allocation.
// For a lost allocation this is the zero value.
func (a *Allocation) DeviceMemory() core1_0.DeviceMemory {
	if a.IsLost() {
		return nil
	}
	switch a.kind {
	case allocationKindDedicated:
		return a.memory.Handle()
	case allocationKindBlock:
		return a.block.memory.Handle()
	default:
		return nil
	}
}

// Offset returns this allocation's byte offset within its DeviceMemory: 0
// for a dedicated allocation, or its committed offset within the owning
// block for a block-backed one.
func (a *Allocation) Offset() int {
	if a.kind == allocationKindDedicated {
		return 0
	}
	offset, err := a.block.metadata.AllocationOffset(a.blockHandle)
	if err != nil {
		panic(errors.Wrapf(err, "devmem: block allocation lost its metadata entry"))
	}
	return offset
}

// Map returns a pointer to the start of this allocation's range, reference
// counting through the owning block's (or this allocation's own, for a
// dedicated allocation) driver mapping.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	if !a.mappingAllowed {
		return nil, newKindError(ErrorKindInvalidArgument, errors.New("devmem: mapping was not requested for this allocation"))
	}
	if a.IsLost() {
		return nil, newKindError(ErrorKindInvalidState, errors.New("devmem: attempted to map a lost allocation"))
	}

	atomic.AddInt32(&a.mapCount, 1)

	switch a.kind {
	case allocationKindDedicated:
		return a.memory.Map(0, a.size)
	case allocationKindBlock:
		ptr, err := a.block.memory.Map(0, a.block.Size())
		if err != nil {
			atomic.AddInt32(&a.mapCount, -1)
			return nil, err
		}
		return unsafe.Add(ptr, a.Offset()), nil
	default:
		return nil, errors.New("devmem: allocation has no backing memory kind")
	}
}

// Unmap releases one reference acquired by Map.
func (a *Allocation) Unmap() error {
	atomic.AddInt32(&a.mapCount, -1)
	switch a.kind {
	case allocationKindDedicated:
		return a.memory.Unmap()
	case allocationKindBlock:
		return a.block.memory.Unmap()
	default:
		return errors.New("devmem: allocation has no backing memory kind")
	}
}

// BindBuffer binds buffer to this allocation's memory at its committed
// offset.
func (a *Allocation) BindBuffer(buffer core1_0.Buffer) error {
	switch a.kind {
	case allocationKindDedicated:
		return a.memory.BindBuffer(buffer, 0)
	case allocationKindBlock:
		return a.block.memory.BindBuffer(buffer, a.Offset())
	default:
		return errors.New("devmem: allocation has no backing memory kind")
	}
}

// BindImage binds image to this allocation's memory at its committed offset.
func (a *Allocation) BindImage(image core1_0.Image) error {
	switch a.kind {
	case allocationKindDedicated:
		return a.memory.BindImage(image, 0)
	case allocationKindBlock:
		return a.block.memory.BindImage(image, a.Offset())
	default:
		return errors.New("devmem: allocation has no backing memory kind")
	}
}

// flushOrInvalidateRange computes the non_coherent_atom_size-aligned driver
// range for a Flush/Invalidate call over [offset, offset+size) of this
// allocation, clamped to its bounds and shifted into block coordinates. It
// returns ok=false when the memory type is coherent and no driver call is
// needed. size == -1 means "to the end of the allocation".
func (a *Allocation) flushOrInvalidateRange(properties *driver.MemoryProperties, offset, size int) (rng core1_0.MappedMemoryRange, ok bool, err error) {
	if !properties.IsTypeNonCoherent(a.memoryTypeIndex) {
		return rng, false, nil
	}
	allocationSize := a.size
	if offset > allocationSize {
		return rng, false, errors.Newf("devmem: offset %d is past the end of a %d byte allocation", offset, allocationSize)
	}
	if size >= 0 && offset+size > allocationSize {
		return rng, false, errors.Newf("devmem: range end %d is past the end of a %d byte allocation", offset+size, allocationSize)
	}
	if size < 0 {
		size = allocationSize - offset
	}

	atomSize := uint(properties.NonCoherentAtomSize())
	alignedOffset := alignDown(offset, atomSize)
	alignedSize := alignUp(size+(offset-alignedOffset), atomSize)

	blockOffset := 0
	boundSize := allocationSize - alignedOffset
	if a.kind == allocationKindBlock {
		blockOffset = a.Offset()
		boundSize = a.block.Size() - (blockOffset + alignedOffset)
	}
	if alignedSize > boundSize {
		alignedSize = boundSize
	}

	return core1_0.MappedMemoryRange{
		Memory: a.DeviceMemory(),
		Offset: blockOffset + alignedOffset,
		Size:   alignedSize,
	}, true, nil
}

// Flush ensures CPU writes to [offset, offset+size) of this allocation are
// visible to the device, issuing a driver flush only if the allocation's
// memory type is host-visible but not host-coherent. size == -1 flushes to
// the end of the allocation.
func (a *Allocation) Flush(offset, size int) error {
	return a.flushOrInvalidate(offset, size, driver.CacheOperationFlush)
}

// Invalidate ensures device writes to [offset, offset+size) of this
// allocation are visible to subsequent CPU reads, issuing a driver
// invalidate only if the allocation's memory type is host-visible but not
// host-coherent. size == -1 invalidates to the end of the allocation.
func (a *Allocation) Invalidate(offset, size int) error {
	return a.flushOrInvalidate(offset, size, driver.CacheOperationInvalidate)
}

func (a *Allocation) flushOrInvalidate(offset, size int, op driver.CacheOperation) error {
	if a.IsLost() {
		return newKindError(ErrorKindInvalidState, errors.New("devmem: attempted to flush or invalidate a lost allocation"))
	}
	rng, ok, err := a.flushOrInvalidateRange(a.properties, offset, size)
	if err != nil {
		return newKindError(ErrorKindInvalidArgument, err)
	}
	if !ok {
		return nil
	}
	if err := driver.FlushOrInvalidateRanges(a.device, []core1_0.MappedMemoryRange{rng}, op); err != nil {
		return wrapDriverError(err)
	}
	return nil
}

// alignUp and alignDown assume alignment is a power of two, as every caller
// in this package guarantees (driver-reported atom sizes and alignments
// always are).
func alignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value & int(^(alignment - 1))
}

func alignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}
