package devmem

import (
	"context"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/blockpool/devmem/budget"
	"github.com/blockpool/devmem/internal/syncutil"
	"github.com/blockpool/devmem/metadata"
	"github.com/blockpool/devmem/stats"
)

// maxNewBlockSizeShift bounds how many times create-new-block halves its
// candidate size before giving up, per spec.md 4.2 step 6.
const maxNewBlockSizeShift = 3

// blockList owns the dynamic set of device blocks backing one memory type
// (or one user pool's reservation against that type), and implements the
// ordered allocation policy of spec.md 4.2.
type blockList struct {
	mu syncutil.OptionalMutex

	logger  *slog.Logger
	device  core1_0.Device
	callbacks *vkdriver.AllocationCallbacks
	budget  *budget.Tracker

	memoryTypeIndex        int
	heapIndex              int
	preferredBlockSize     int
	minBlockCount          int
	maxBlockCount          int
	explicitBlockSize      bool
	bufferImageGranularity int
	registerThreshold      int
	debugMargin            int
	persistentlyMapped     bool
	frameInUseCount        int

	blocks      []*deviceBlock
	nextBlockID int
}

func newBlockList(
	logger *slog.Logger,
	device core1_0.Device,
	callbacks *vkdriver.AllocationCallbacks,
	tracker *budget.Tracker,
	memoryTypeIndex, heapIndex int,
	preferredBlockSize, minBlockCount, maxBlockCount int,
	explicitBlockSize bool,
	bufferImageGranularity, registerThreshold, debugMargin int,
	persistentlyMapped bool,
	frameInUseCount int,
	useMutex bool,
) *blockList {
	return &blockList{
		mu:                     syncutil.OptionalMutex{UseMutex: useMutex},
		logger:                 logger,
		device:                 device,
		callbacks:              callbacks,
		budget:                 tracker,
		memoryTypeIndex:        memoryTypeIndex,
		heapIndex:              heapIndex,
		preferredBlockSize:     preferredBlockSize,
		minBlockCount:          minBlockCount,
		maxBlockCount:          maxBlockCount,
		explicitBlockSize:      explicitBlockSize,
		bufferImageGranularity: bufferImageGranularity,
		registerThreshold:      registerThreshold,
		debugMargin:            debugMargin,
		persistentlyMapped:     persistentlyMapped,
		frameInUseCount:        frameInUseCount,
	}
}

// FrameInUseCount returns the number of recent frames a CanBecomeLost
// allocation from this list must go untouched in before it is eligible for
// eviction by a CanMakeOtherLost request.
func (l *blockList) FrameInUseCount() int { return l.frameInUseCount }

func (l *blockList) BlockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// CreateMinBlocks eagerly creates minBlockCount blocks, used right after a
// pool is constructed.
func (l *blockList) CreateMinBlocks() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.minBlockCount; i++ {
		if _, err := l.createBlock(l.preferredBlockSize); err != nil {
			return err
		}
	}
	return nil
}

func (l *blockList) createBlock(size int) (*deviceBlock, error) {
	if err := l.budget.ReserveBlockBytes(l.heapIndex, size); err != nil {
		return nil, newKindError(ErrorKindOutOfDeviceMemory, err)
	}

	block, err := newDeviceBlock(
		l.logger, l.device, l.callbacks, l.memoryTypeIndex, size,
		l.bufferImageGranularity, l.registerThreshold, l.debugMargin,
		l.nextBlockID, l.persistentlyMapped,
	)
	if err != nil {
		l.budget.ReleaseBlockBytes(l.heapIndex, size)
		return nil, wrapDriverError(err)
	}

	l.nextBlockID++
	l.blocks = append(l.blocks, block)
	l.sortDescendingFreeSpace()
	l.budget.Touch(l.heapIndex)
	return block, nil
}

// sortDescendingFreeSpace keeps l.blocks ordered by descending free space, as
// spec.md 4.2 requires for the first-scan iteration order.
func (l *blockList) sortDescendingFreeSpace() {
	sort.SliceStable(l.blocks, func(i, j int) bool {
		return l.blocks[i].SumFreeSize() > l.blocks[j].SumFreeSize()
	})
}

// allocationPlan is what Allocate hands back on success: which block hosts
// the new suballocation and its handle within that block's metadata.
type allocationPlan struct {
	block  *deviceBlock
	handle metadata.BlockAllocationHandle
	offset int
}

// Allocate implements spec.md 4.2's ordered allocation policy: a first scan
// that cannot evict anyone, an attempt to create a new block, then (if the
// caller allows it) a second scan that may evict stale CanBecomeLost
// allocations.
func (l *blockList) Allocate(
	size int,
	alignment uint,
	suballocType metadata.SuballocationType,
	strategy metadata.Strategy,
	neverAllocate bool,
	canMakeOtherLost bool,
	isStale func(owner any) bool,
	evict func(owner any) bool,
	owner any,
) (allocationPlan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if size+l.debugMargin > l.preferredBlockSize && !l.explicitBlockSize {
		return allocationPlan{}, newKindError(ErrorKindOutOfDeviceMemory, errors.New("devmem: requested size exceeds the block list's block size"))
	}

	baseCtx := metadata.RequestContext{
		Size:      size,
		Alignment: alignment,
		Type:      suballocType,
		Strategy:  strategy,
	}

	// 1. First scan: cannot lose others, descending free-space order already
	// maintained by sortDescendingFreeSpace.
	for _, block := range l.blocks {
		ctx := baseCtx
		ctx.CanMakeOtherLost = false
		req, ok, err := block.metadata.TryRequest(ctx)
		if err != nil {
			return allocationPlan{}, err
		}
		if ok {
			return l.commit(block, req, suballocType, owner)
		}
	}

	if neverAllocate {
		return allocationPlan{}, newKindError(ErrorKindOutOfDeviceMemory, errors.New("devmem: block list exhausted under NeverAllocate"))
	}

	// 2. Create-new-block attempt, halving the candidate size down from
	// preferredBlockSize on out-of-device-memory.
	if len(l.blocks) < l.maxBlockCount {
		block, err := l.tryCreateBlockForSize(size)
		if err == nil {
			ctx := baseCtx
			ctx.CanMakeOtherLost = false
			req, ok, tryErr := block.metadata.TryRequest(ctx)
			if tryErr != nil {
				return allocationPlan{}, tryErr
			}
			if ok {
				return l.commit(block, req, suballocType, owner)
			}
		}
	}

	// 3. Second scan: may lose others. Collect every block's best candidate,
	// then try them from lowest cost to highest: a candidate can fail here
	// only if a raced MarkUsed published a newer frame between TryRequest and
	// MakeRequestedLost, so on failure we move on to the next-lowest-cost
	// candidate rather than giving up.
	if canMakeOtherLost {
		type candidate struct {
			block *deviceBlock
			req   metadata.AllocationRequest
			cost  int64
		}
		var candidates []candidate

		for _, block := range l.blocks {
			ctx := baseCtx
			ctx.CanMakeOtherLost = true
			ctx.IsStale = isStale
			req, ok, err := block.metadata.TryRequest(ctx)
			if err != nil {
				return allocationPlan{}, err
			}
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{block: block, req: req, cost: req.CalcCost()})
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].cost < candidates[j].cost
		})

		var lastErr error
		for _, c := range candidates {
			if err := c.block.metadata.MakeRequestedLost(c.req, evict); err != nil {
				lastErr = err
				continue
			}
			return l.commit(c.block, c.req, suballocType, owner)
		}
		if lastErr != nil {
			return allocationPlan{}, lastErr
		}
	}

	return allocationPlan{}, newKindError(ErrorKindOutOfDeviceMemory, errors.New("devmem: no block could satisfy the request"))
}

// tryCreateBlockForSize creates a new block starting at preferredBlockSize
// and halving down to size (or preferredBlockSize/8, whichever is larger) on
// out-of-device-memory, per spec.md 4.2 step 6.
func (l *blockList) tryCreateBlockForSize(size int) (*deviceBlock, error) {
	newSize := l.preferredBlockSize
	if l.explicitBlockSize {
		return l.createBlock(newSize)
	}

	minSize := l.preferredBlockSize / 8
	if minSize < size {
		minSize = size
	}

	var lastErr error
	for shift := 0; shift <= maxNewBlockSizeShift; shift++ {
		block, err := l.createBlock(newSize)
		if err == nil {
			return block, nil
		}
		lastErr = err

		smaller := newSize / 2
		if smaller < minSize {
			break
		}
		newSize = smaller
	}
	return nil, lastErr
}

func (l *blockList) commit(block *deviceBlock, req metadata.AllocationRequest, typ metadata.SuballocationType, owner any) (allocationPlan, error) {
	handle := block.metadata.Commit(req, typ, owner)
	offset, err := block.metadata.AllocationOffset(handle)
	if err != nil {
		return allocationPlan{}, err
	}
	l.budget.AddAllocationBytes(l.heapIndex, req.CommittedSize())
	l.sortDescendingFreeSpace()
	l.budget.Touch(l.heapIndex)
	return allocationPlan{block: block, handle: handle, offset: offset}, nil
}

// Free releases the suballocation identified by (block, handle). If the
// block becomes empty and the list has more than minBlockCount blocks and is
// not a fixed-size (explicit block size) pool, the block is destroyed and its
// memory returned to the driver.
func (l *blockList) Free(block *deviceBlock, handle metadata.BlockAllocationHandle, size int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := block.metadata.Free(handle); err != nil {
		return err
	}
	l.budget.RemoveAllocationBytes(l.heapIndex, size)

	if block.IsEmpty() && len(l.blocks) > l.minBlockCount && !l.explicitBlockSize {
		l.removeBlock(block)
		block.destroy()
		l.budget.ReleaseBlockBytes(l.heapIndex, block.Size())
	} else {
		l.sortDescendingFreeSpace()
	}
	return nil
}

func (l *blockList) removeBlock(target *deviceBlock) {
	for i, b := range l.blocks {
		if b == target {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			return
		}
	}
	panic("devmem: attempted to remove a block that did not belong to this block list")
}

// Dispose destroys every block in the list. The caller must have already
// verified the list holds no live allocations.
func (l *blockList) Dispose() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, block := range l.blocks {
		block.destroy()
		l.budget.ReleaseBlockBytes(l.heapIndex, block.Size())
	}
	l.blocks = nil
	return nil
}

// AddDetailedStatistics folds every block's usage into out.
func (l *blockList) AddDetailedStatistics(out *stats.DetailedStatistics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, block := range l.blocks {
		block.metadata.AddDetailedStatistics(out)
	}
}

// BuildStatsJSON writes one object per block, keyed by block id, each
// listing its live and free regions in offset order.
func (l *blockList) BuildStatsJSON(obj jwriter.ObjectState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, block := range l.blocks {
		blockObj := obj.Name(strconv.Itoa(block.id)).Object()
		blockObj.Name("Size").Int(block.Size())

		regions := blockObj.Name("Suballocations").Array()
		_ = block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, owner any, free bool) error {
			region := regions.Object()
			region.Name("Offset").Int(offset)
			region.Name("Size").Int(size)
			if free {
				region.Name("Type").String(metadata.SuballocationFree.String())
			} else if alloc, ok := owner.(*Allocation); ok {
				region.Name("Type").String(alloc.suballocType.String())
				if alloc.name != "" {
					region.Name("Name").String(alloc.name)
				}
			}
			region.End()
			return nil
		})
		regions.End()
		blockObj.End()
	}
}

func (l *blockList) logUnreleased(ctx context.Context) {
	for _, block := range l.blocks {
		_ = block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, owner any, free bool) error {
			if free {
				return nil
			}
			l.logger.LogAttrs(ctx, slog.LevelError, "live allocation at block list disposal",
				slog.Int("blockID", block.id), slog.Int("offset", offset), slog.Int("size", size))
			return nil
		})
	}
}
