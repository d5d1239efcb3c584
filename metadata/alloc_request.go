package metadata

// Strategy selects how TryRequest chooses among candidate free
// ranges when more than one would satisfy a request.
type Strategy uint32

const (
	// StrategyBestFit chooses the smallest free range that fits, minimizing
	// fragmentation at the expense of search time.
	StrategyBestFit Strategy = iota
	// StrategyFirstFit chooses the first free range encountered that fits,
	// minimizing search time at the expense of fragmentation.
	StrategyFirstFit
	// StrategyWorstFit chooses the largest free range, leaving the biggest
	// possible remainder.
	StrategyWorstFit
	// strategyMinOffset is an internal-only strategy: it walks the
	// suballocation list in offset order and accepts the first Free range that
	// fits, without consulting the size index at all. No caller in this module
	// selects it.
	strategyMinOffset
)

// Requirements describes the shape of a single allocation request, independent
// of which block or memory type will ultimately satisfy it.
type Requirements struct {
	Size             int
	Alignment        uint
	AllowedTypeMask  uint32
}

// AllocationRequestType distinguishes the origin of an AllocationRequest.
// Generic only ever produces RequestNormal; RequestMinOffset is declared but
// never produced.
type AllocationRequestType uint32

const (
	RequestNormal AllocationRequestType = iota
	RequestMinOffset
)

// AllocationRequest is produced by BlockMetadata.TryRequest and is the only
// argument Commit accepts. It is invalidated by any other mutation of the same
// BlockMetadata performed in between; callers must Commit (or discard) it
// before releasing the block list's exclusive lock.
type AllocationRequest struct {
	Type AllocationRequestType

	// node is the free suballocation chosen to host the new allocation.
	node *suballocation

	// offset is the (possibly-padded, possibly-granularity-bumped) offset the
	// new allocation will be committed at.
	offset int

	// itemsToMakeLost and sizeOfLost describe the work CanMakeOtherLost mode
	// will have to perform before offset..offset+size is actually free. A
	// request with itemsToMakeLost == 0 requires no losing sweep at all.
	itemsToMakeLost int
	sizeOfLost      int

	// evictList holds the specific non-free neighbours MakeRequestedLost must
	// evict, in no particular order. len(evictList) == itemsToMakeLost.
	evictList []*suballocation

	// committedSize is the exact size, in bytes, Commit will give the new
	// suballocation (the originally requested size, unpadded).
	committedSize int
}

// CommittedSize returns the exact size, in bytes, Commit will give the new
// suballocation (the originally requested size, unpadded).
func (r AllocationRequest) CommittedSize() int { return r.committedSize }

// CalcCost scores an AllocationRequest for comparison against other candidates
// during the block list's second, "may lose others", scan: cheaper requests
// (fewer/smaller lost neighbours) win.
func (r AllocationRequest) CalcCost() int64 {
	return int64(r.sizeOfLost) + int64(r.itemsToMakeLost)*LostAllocationCost
}

// LostAllocationCost is a fixed per-item penalty added to the cost of an
// allocation request that must evict existing lost-eligible allocations,
// biasing the search toward requests that evict fewer/smaller neighbours.
const LostAllocationCost int64 = 1_048_576
