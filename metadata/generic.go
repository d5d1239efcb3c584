package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"

	"github.com/blockpool/devmem/stats"
)

// Generic is the BlockMetadata implementation spec.md 4.1 describes: an
// ordered doubly-linked list of suballocations covering the whole block with
// no gaps or overlaps (adjacent Free records are eagerly merged), plus a
// size-sorted secondary index over Free records at or above registerThreshold
// bytes, searched with binary search for BestFit and scanned from the top for
// FirstFit/WorstFit.
type Generic struct {
	size              int
	granularity       int
	registerThreshold int
	debugMargin       int

	head *suballocation
	tail *suballocation

	// freeIndex is sorted ascending by size; it only ever holds Free nodes
	// whose size is >= registerThreshold.
	freeIndex []*suballocation
	sumFree   int
	freeCount int

	handles    *swiss.Map[BlockAllocationHandle, *suballocation]
	nextHandle uint64
}

// NewGeneric constructs an uninitialized Generic metadata tracker. granularity
// is the buffer/image page-granularity of the owning block (1 disables
// granularity conflict checking). registerThreshold is the minimum size, in
// bytes, a Free range must have to be added to the binary-searchable size
// index (MIN_FREE_SUBALLOC_SIZE_TO_REGISTER); debugMargin is the number of
// bytes of padding to reserve around every live allocation (DEBUG_MARGIN).
func NewGeneric(granularity, registerThreshold, debugMargin int) *Generic {
	if granularity < 1 {
		granularity = 1
	}
	if registerThreshold < 1 {
		registerThreshold = 1
	}
	return &Generic{
		granularity:       granularity,
		registerThreshold: registerThreshold,
		debugMargin:       debugMargin,
		handles:           swiss.NewMap[BlockAllocationHandle, *suballocation](8),
	}
}

func (m *Generic) Init(size int) {
	root := &suballocation{offset: 0, size: size, typ: SuballocationFree}
	m.size = size
	m.head = root
	m.tail = root
	m.sumFree = size
	m.freeCount = 1
	m.registerFree(root)
}

func (m *Generic) Size() int { return m.size }

func (m *Generic) IsEmpty() bool {
	return m.head == m.tail && m.head.isFree()
}

func (m *Generic) SumFreeSize() int { return m.sumFree }
func (m *Generic) FreeCount() int   { return m.freeCount }
func (m *Generic) AllocationCount() int {
	return m.handles.Count()
}

// --- size index -------------------------------------------------------

func (m *Generic) registerFree(n *suballocation) {
	if n.size < m.registerThreshold {
		return
	}
	idx := sort.Search(len(m.freeIndex), func(i int) bool { return m.freeIndex[i].size >= n.size })
	m.freeIndex = append(m.freeIndex, nil)
	copy(m.freeIndex[idx+1:], m.freeIndex[idx:])
	m.freeIndex[idx] = n
}

func (m *Generic) unregisterFree(n *suballocation) {
	for i, f := range m.freeIndex {
		if f == n {
			m.freeIndex = append(m.freeIndex[:i], m.freeIndex[i+1:]...)
			return
		}
	}
}

// --- placement search ---------------------------------------------------

// check validates and refines a candidate placement of ctx.Size bytes
// (ctx.Alignment-aligned, padded by debugMargin on both sides) inside node's
// free range (and, if ctx.CanMakeOtherLost, possibly spanning stale
// neighbours beyond node). It returns the resolved request or ok=false if
// the candidate cannot host the request at all.
func (m *Generic) check(node *suballocation, ctx RequestContext) (AllocationRequest, bool) {
	var evict []*suballocation
	sizeOfLost := 0

	if !node.isFree() {
		if !ctx.CanMakeOtherLost || ctx.IsStale == nil || !ctx.IsStale(node.owner) {
			return AllocationRequest{}, false
		}
		evict = append(evict, node)
		sizeOfLost += node.size
	}

	proposedOffset := alignUp(node.offset+m.debugMargin, ctx.Alignment)
	proposedOffset = resolveBackwardConflict(node, proposedOffset, m.granularity, ctx.Type)

	needed := (proposedOffset - node.offset) + ctx.Size + m.debugMargin

	if needed > node.size {
		if !ctx.CanMakeOtherLost {
			return AllocationRequest{}, false
		}
		// Walk forward, accumulating bytes from subsequent records. Free
		// records extend the available span for free; non-free records must
		// be stale enough to evict.
		cur := node.next
		available := node.size
		for available < needed {
			if cur == nil {
				return AllocationRequest{}, false
			}
			if !cur.isFree() {
				if ctx.IsStale == nil || !ctx.IsStale(cur.owner) {
					return AllocationRequest{}, false
				}
				evict = append(evict, cur)
				sizeOfLost += cur.size
			}
			available += cur.size
			cur = cur.next
		}
	}

	end := proposedOffset + ctx.Size
	var forwardEvict []*suballocation
	if forwardConflict(node, end, m.granularity, ctx.Type, &forwardEvict) {
		if !ctx.CanMakeOtherLost {
			return AllocationRequest{}, false
		}
		for _, n := range forwardEvict {
			if ctx.IsStale == nil || !ctx.IsStale(n.owner) {
				return AllocationRequest{}, false
			}
		}
		for _, n := range forwardEvict {
			already := false
			for _, e := range evict {
				if e == n {
					already = true
					break
				}
			}
			if !already {
				evict = append(evict, n)
				sizeOfLost += n.size
			}
		}
	}

	req := AllocationRequest{
		Type:            RequestNormal,
		node:            node,
		offset:          proposedOffset,
		itemsToMakeLost: len(evict),
		sizeOfLost:      sizeOfLost,
		evictList:       evict,
		committedSize:   ctx.Size,
	}
	return req, true
}

func (m *Generic) TryRequest(ctx RequestContext) (AllocationRequest, bool, error) {
	if ctx.Size <= 0 {
		return AllocationRequest{}, false, errors.New("metadata: requested size must be positive")
	}
	adjustedSize := ctx.Size + 2*m.debugMargin

	switch ctx.Strategy {
	case strategyMinOffset:
		for n := m.head; n != nil; n = n.next {
			if n.isFree() && n.size < adjustedSize {
				continue
			}
			if req, ok := m.check(n, ctx); ok {
				return req, true, nil
			}
		}
		return AllocationRequest{}, false, nil

	case StrategyBestFit:
		idx := sort.Search(len(m.freeIndex), func(i int) bool { return m.freeIndex[i].size >= adjustedSize })
		for ; idx < len(m.freeIndex); idx++ {
			if req, ok := m.check(m.freeIndex[idx], ctx); ok {
				return req, true, nil
			}
		}

	default: // StrategyFirstFit, StrategyWorstFit: scan size index top-down
		for i := len(m.freeIndex) - 1; i >= 0; i-- {
			if req, ok := m.check(m.freeIndex[i], ctx); ok {
				return req, true, nil
			}
		}
	}

	// Only a CanMakeOtherLost search falls back to a full list walk: it may
	// need to anchor on a stale non-free suballocation the size index never
	// holds at all, and the walk also reaches Free nodes the registration
	// threshold kept out of the index. Without CanMakeOtherLost those small
	// unregistered Free nodes are not considered.
	if ctx.CanMakeOtherLost {
		for n := m.head; n != nil; n = n.next {
			if req, ok := m.check(n, ctx); ok {
				return req, true, nil
			}
		}
	}
	return AllocationRequest{}, false, nil
}

func (m *Generic) MakeRequestedLost(req AllocationRequest, evict func(owner any) bool) error {
	for _, n := range req.evictList {
		if n.isFree() {
			continue
		}
		if !evict(n.owner) {
			return errors.New("metadata: a suballocation targeted by the losing sweep was no longer eligible")
		}
		if err := m.freeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// findFreeCovering relocates, by offset, the (possibly just-coalesced) Free
// node that now covers the requested offset. Used by Commit after a losing
// sweep has merged the span into a single Free run.
func (m *Generic) findFreeCovering(offset int) *suballocation {
	for n := m.head; n != nil; n = n.next {
		if n.isFree() && n.offset <= offset && offset < n.offset+n.size {
			return n
		}
	}
	return nil
}

func (m *Generic) Commit(req AllocationRequest, typ SuballocationType, owner any) BlockAllocationHandle {
	node := req.node
	if len(req.evictList) > 0 {
		node = m.findFreeCovering(req.offset)
		if node == nil {
			panic("metadata: losing sweep did not produce a free region covering the committed offset")
		}
	}

	m.unregisterFree(node)
	m.sumFree -= node.size
	m.freeCount--

	totalSize := node.size
	paddingBegin := req.offset - node.offset
	committedSize := req.committedSize
	paddingEnd := totalSize - paddingBegin - committedSize

	if paddingBegin > 0 {
		before := &suballocation{offset: node.offset, size: paddingBegin, typ: SuballocationFree}
		m.linkBefore(node, before)
		m.sumFree += paddingBegin
		m.freeCount++
		m.registerFree(before)
	}

	node.offset = req.offset
	node.size = committedSize
	node.typ = typ
	node.owner = owner

	if paddingEnd > 0 {
		after := &suballocation{offset: node.offset + node.size, size: paddingEnd, typ: SuballocationFree}
		m.linkAfter(node, after)
		m.sumFree += paddingEnd
		m.freeCount++
		m.registerFree(after)
	}

	m.nextHandle++
	handle := BlockAllocationHandle(m.nextHandle)
	node.handle = handle
	m.handles.Put(handle, node)
	return handle
}

func (m *Generic) linkBefore(node, fresh *suballocation) {
	fresh.prev = node.prev
	fresh.next = node
	if node.prev != nil {
		node.prev.next = fresh
	} else {
		m.head = fresh
	}
	node.prev = fresh
}

func (m *Generic) linkAfter(node, fresh *suballocation) {
	fresh.next = node.next
	fresh.prev = node
	if node.next != nil {
		node.next.prev = fresh
	} else {
		m.tail = fresh
	}
	node.next = fresh
}

func (m *Generic) unlink(node *suballocation) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		m.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		m.tail = node.prev
	}
}

// freeNode marks node Free and coalesces it with adjacent Free neighbours.
func (m *Generic) freeNode(node *suballocation) error {
	if node.isFree() {
		return errors.New("metadata: attempted to free an already-free region")
	}

	m.handles.Delete(node.handle)
	node.typ = SuballocationFree
	node.owner = nil
	node.handle = NoAllocation

	m.sumFree += node.size
	m.freeCount++

	if next := node.next; next != nil && next.isFree() {
		m.unregisterFree(next)
		node.size += next.size
		m.unlink(next)
		m.freeCount--
	}
	if prev := node.prev; prev != nil && prev.isFree() {
		m.unregisterFree(prev)
		prev.size += node.size
		m.unlink(node)
		m.freeCount--
		node = prev
	}

	m.registerFree(node)
	return nil
}

func (m *Generic) Free(handle BlockAllocationHandle) error {
	node, ok := m.handles.Get(handle)
	if !ok {
		return ErrNotFound
	}
	return m.freeNode(node)
}

func (m *Generic) FreeAtOffset(offset int) error {
	for n := m.head; n != nil; n = n.next {
		if n.offset == offset {
			if n.isFree() {
				return ErrNotFound
			}
			return m.freeNode(n)
		}
	}
	return ErrNotFound
}

func (m *Generic) AllocationOffset(handle BlockAllocationHandle) (int, error) {
	n, ok := m.handles.Get(handle)
	if !ok {
		return 0, ErrNotFound
	}
	return n.offset, nil
}

func (m *Generic) AllocationOwner(handle BlockAllocationHandle) (any, error) {
	n, ok := m.handles.Get(handle)
	if !ok {
		return nil, ErrNotFound
	}
	return n.owner, nil
}

func (m *Generic) VisitAllRegions(fn func(handle BlockAllocationHandle, offset, size int, owner any, free bool) error) error {
	for n := m.head; n != nil; n = n.next {
		if err := fn(n.handle, n.offset, n.size, n.owner, n.isFree()); err != nil {
			return err
		}
	}
	return nil
}

// AddDetailedStatistics walks every region once, in offset order, folding
// free ranges and live suballocations into out.
func (m *Generic) AddDetailedStatistics(out *stats.DetailedStatistics) {
	out.BlockCount++
	out.BlockBytes += m.size
	for n := m.head; n != nil; n = n.next {
		if n.isFree() {
			out.AddUnusedRange(n.size)
		} else {
			out.AddAllocation(n.size)
		}
	}
}

func (m *Generic) Validate() error {
	offset := 0
	sumFree := 0
	freeCount := 0
	var prevFree bool
	for n := m.head; n != nil; n = n.next {
		if n.offset != offset {
			return errors.Newf("metadata: gap or overlap at offset %d, expected %d", n.offset, offset)
		}
		if n.isFree() {
			if prevFree {
				return errors.New("metadata: two adjacent Free suballocations were not coalesced")
			}
			sumFree += n.size
			freeCount++
		} else {
			if n.owner == nil {
				return errors.New("metadata: live suballocation has no owner")
			}
			if _, ok := m.handles.Get(n.handle); !ok {
				return errors.New("metadata: live suballocation is not present in the handle index")
			}
		}
		prevFree = n.isFree()
		offset += n.size
	}
	if offset != m.size {
		return errors.Newf("metadata: suballocation list covers %d bytes, expected %d", offset, m.size)
	}
	if sumFree != m.sumFree {
		return errors.Newf("metadata: sumFree is %d, expected %d", m.sumFree, sumFree)
	}
	if freeCount != m.freeCount {
		return errors.Newf("metadata: freeCount is %d, expected %d", m.freeCount, freeCount)
	}
	if m.AllocationCount() != countAllocations(m.head) {
		return errors.New("metadata: handle index size does not match live allocation count")
	}

	indexed := 0
	for n := m.head; n != nil; n = n.next {
		if n.isFree() && n.size >= m.registerThreshold {
			indexed++
		}
	}
	if indexed != len(m.freeIndex) {
		return errors.New("metadata: free index size does not match the number of registerable Free regions")
	}
	for i := 1; i < len(m.freeIndex); i++ {
		if m.freeIndex[i].size < m.freeIndex[i-1].size {
			return errors.New("metadata: free index is not sorted ascending by size")
		}
	}
	return nil
}

func countAllocations(head *suballocation) int {
	n := 0
	for cur := head; cur != nil; cur = cur.next {
		if !cur.isFree() {
			n++
		}
	}
	return n
}
