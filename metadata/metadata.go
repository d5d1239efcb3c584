// Package metadata implements the placement algorithm used to sub-allocate a
// single device-memory block: an ordered list of suballocations covering the
// whole block with no gaps or overlaps, and a size-sorted index over its free
// ranges to make best/worst-fit search fast.
package metadata

import "github.com/cockroachdb/errors"

// ErrNotFound is returned when a BlockAllocationHandle does not map to a live
// suballocation in the metadata it was passed to.
var ErrNotFound = errors.New("metadata: allocation handle not found")

// RequestContext carries the inputs to TryRequest. IsStale, when non-nil and
// CanMakeOtherLost is set, is consulted for every non-free neighbour a
// candidate placement would need to evict; it must return true only for
// owners that are actually eligible to be lost right now.
type RequestContext struct {
	Size             int
	Alignment        uint
	Type             SuballocationType
	Strategy         Strategy
	CanMakeOtherLost bool
	IsStale          func(owner any) bool
}

// BlockMetadata places and tracks suballocations within one device-memory
// block of a fixed size. Implementations are not safe for concurrent use; the
// caller (blockList) is responsible for serializing access.
type BlockMetadata interface {
	// Init must be called exactly once, before any other method, with the
	// size in bytes of the block being managed.
	Init(size int)
	// Size returns the size in bytes of the managed block.
	Size() int
	// IsEmpty reports whether the block holds a single Free suballocation
	// covering [0, Size()).
	IsEmpty() bool
	// SumFreeSize returns the total number of free bytes across the block.
	SumFreeSize() int
	// FreeCount returns the number of distinct free ranges.
	FreeCount() int
	// AllocationCount returns the number of live (non-free) suballocations.
	AllocationCount() int

	// TryRequest looks for a placement satisfying ctx. It returns false (with
	// a zero AllocationRequest) if no placement is currently possible; it
	// never mutates the metadata. The returned request must be passed to
	// Commit (after any required MakeRequestedLost) before any other mutating
	// call is made against this BlockMetadata, or it may no longer be valid.
	TryRequest(ctx RequestContext) (AllocationRequest, bool, error)
	// MakeRequestedLost evicts every non-free neighbour req's placement would
	// need to overlap, via evict, which must attempt the lost-allocation state
	// transition for the given owner and report whether it succeeded. It
	// returns an error, aborting the whole sweep, on the first eviction that
	// fails (the observed owner was no longer eligible by the time this ran).
	// A no-op if req.itemsToMakeLost == 0.
	MakeRequestedLost(req AllocationRequest, evict func(owner any) bool) error
	// Commit finalizes a previously returned AllocationRequest, creating a
	// live suballocation of the given type and owner and returning its handle.
	Commit(req AllocationRequest, typ SuballocationType, owner any) BlockAllocationHandle

	// Free releases the suballocation identified by handle, coalescing with
	// adjacent free neighbours. Returns ErrNotFound if handle is not live.
	Free(handle BlockAllocationHandle) error
	// FreeAtOffset is Free by starting offset instead of handle, used by
	// callers that only track (block, offset) pairs.
	FreeAtOffset(offset int) error

	// AllocationOffset returns the offset of a live suballocation.
	AllocationOffset(handle BlockAllocationHandle) (int, error)
	// AllocationOwner returns the owner of a live suballocation.
	AllocationOwner(handle BlockAllocationHandle) (any, error)

	// VisitAllRegions calls fn once per region (free or allocated) in offset
	// order. Used for block teardown diagnostics and debug validation.
	VisitAllRegions(fn func(handle BlockAllocationHandle, offset, size int, owner any, free bool) error) error

	// Validate performs an expensive internal consistency check; it should
	// never fail when the implementation is correct.
	Validate() error
}
