// Package budget tracks, per memory heap, the raw bytes the allocator holds
// in device blocks, the bytes it has handed out to callers, and the driver's
// reported usage/budget for that heap.
package budget

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// OpsBeforeRepoll is the number of Tracker.Touch calls (made on block
// creation, on each commit and on dedicated allocation and free) a heap must
// see before Touch triggers another driver re-poll, mirroring
// spec.md's OPS_BEFORE_REPOLL.
const OpsBeforeRepoll = 30

// ErrHeapLimitExceeded is returned by ReserveBlockBytes when admitting the
// requested size would push a heap past its configured byte ceiling.
var ErrHeapLimitExceeded = errors.New("budget: heap size limit exceeded")

// Source polls the driver for a heap's raw usage and budget. It is the only
// external collaborator this package needs; the allocator's driver package
// implements it over the memory-budget extension when present. A nil Source
// means the capability is absent: budgets stay fixed at 80% of heap size and
// usage always tracks live block bytes.
type Source interface {
	HeapUsageAndBudget(heap int) (usage, driverBudget int, hasBudgetExtension bool)
}

type heapState struct {
	blockBytes      int64
	allocationBytes int64
	blockCount      int32
	allocationCount int32

	opsSinceFetch     int32
	blockBytesAtFetch int64
	usage             int64
	driverBudget      int64
}

// Tracker is the budget accounting for every heap of one physical device. It
// is safe for concurrent use: per-heap counters are plain atomics; the
// periodic driver re-poll is guarded by an RWMutex, held for writing only
// while Refresh runs.
type Tracker struct {
	mu        sync.RWMutex
	source    Source
	heapSizes []int64
	limits    []int64 // 0 means unlimited
	heaps     []heapState
}

// New constructs a Tracker for a device whose heaps have the given sizes.
// limits may be nil (no heap is limited) or sized exactly len(heapSizes),
// with a 0 entry meaning that heap has no ceiling. Every heap's budget
// starts at the static 80%-of-size fallback, valid even before source is
// ever polled.
func New(source Source, heapSizes []int, limits []int) (*Tracker, error) {
	if limits != nil && len(limits) != len(heapSizes) {
		return nil, errors.New("budget: heap size limit slice must match the heap count")
	}
	t := &Tracker{
		source:    source,
		heapSizes: make([]int64, len(heapSizes)),
		limits:    make([]int64, len(heapSizes)),
		heaps:     make([]heapState, len(heapSizes)),
	}
	for i, size := range heapSizes {
		t.heapSizes[i] = int64(size)
		t.heaps[i].driverBudget = int64(size) * 8 / 10
		if limits != nil {
			t.limits[i] = int64(limits[i])
		}
	}
	return t, nil
}

// ReserveBlockBytes admits a new device block of size bytes against heap's
// limit, if any, via a compare-and-swap loop on block_bytes. It returns
// ErrHeapLimitExceeded (leaving the counters unchanged) if the heap has a
// limit and admitting size would exceed it.
func (t *Tracker) ReserveBlockBytes(heap int, size int) error {
	h := &t.heaps[heap]
	limit := t.limits[heap]
	if limit == 0 {
		atomic.AddInt64(&h.blockBytes, int64(size))
		atomic.AddInt32(&h.blockCount, 1)
		return nil
	}

	for {
		current := atomic.LoadInt64(&h.blockBytes)
		target := current + int64(size)
		if target > limit {
			return ErrHeapLimitExceeded
		}
		if atomic.CompareAndSwapInt64(&h.blockBytes, current, target) {
			break
		}
	}
	atomic.AddInt32(&h.blockCount, 1)
	return nil
}

// ReleaseBlockBytes undoes a prior successful ReserveBlockBytes.
func (t *Tracker) ReleaseBlockBytes(heap int, size int) {
	h := &t.heaps[heap]
	if atomic.AddInt64(&h.blockBytes, -int64(size)) < 0 {
		panic("budget: block bytes went negative")
	}
	if atomic.AddInt32(&h.blockCount, -1) < 0 {
		panic("budget: block count went negative")
	}
}

// AddAllocationBytes records size bytes as handed out to a caller within heap.
func (t *Tracker) AddAllocationBytes(heap int, size int) {
	h := &t.heaps[heap]
	atomic.AddInt64(&h.allocationBytes, int64(size))
	atomic.AddInt32(&h.allocationCount, 1)
}

// RemoveAllocationBytes undoes a prior AddAllocationBytes.
func (t *Tracker) RemoveAllocationBytes(heap int, size int) {
	h := &t.heaps[heap]
	if atomic.AddInt64(&h.allocationBytes, -int64(size)) < 0 {
		panic("budget: allocation bytes went negative")
	}
	if atomic.AddInt32(&h.allocationCount, -1) < 0 {
		panic("budget: allocation count went negative")
	}
}

// Touch increments heap's successful-operation counter and re-polls the
// driver once it crosses OpsBeforeRepoll, when the allocator was created
// with the budget extension capability. A no-op otherwise.
func (t *Tracker) Touch(heap int) {
	if t.source == nil {
		return
	}
	h := &t.heaps[heap]
	if atomic.AddInt32(&h.opsSinceFetch, 1) < OpsBeforeRepoll {
		return
	}
	t.Refresh(heap)
}

// Refresh unconditionally re-polls the driver for heap's usage and budget,
// sanitizing the result per spec.md 4.5. It is idempotent and cheap to call
// directly (e.g. right before a dedicated allocation's WithinBudget check).
func (t *Tracker) Refresh(heap int) {
	if t.source == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &t.heaps[heap]
	heapSize := t.heapSizes[heap]
	usage, driverBudget, hasExtension := t.source.HeapUsageAndBudget(heap)

	blockBytes := atomic.LoadInt64(&h.blockBytes)

	var sanitizedUsage, sanitizedBudget int64
	if hasExtension {
		sanitizedUsage = int64(usage)
		sanitizedBudget = int64(driverBudget)

		if sanitizedBudget == 0 {
			sanitizedBudget = heapSize * 8 / 10
		} else if sanitizedBudget > heapSize {
			sanitizedBudget = heapSize
		}
		if sanitizedUsage == 0 && blockBytes > 0 {
			sanitizedUsage = blockBytes
		}
	} else {
		sanitizedBudget = heapSize * 8 / 10
		sanitizedUsage = blockBytes
	}

	atomic.StoreInt64(&h.usage, sanitizedUsage)
	atomic.StoreInt64(&h.driverBudget, sanitizedBudget)
	atomic.StoreInt64(&h.blockBytesAtFetch, blockBytes)
	atomic.StoreInt32(&h.opsSinceFetch, 0)
}

// Stats is a point-in-time snapshot of one heap's accounting.
type Stats struct {
	BlockBytes      int
	AllocationBytes int
	BlockCount      int
	AllocationCount int
	Usage           int
	Budget          int
}

// Stats takes the read side of the refresh lock and returns a consistent
// snapshot of heap's counters.
func (t *Tracker) Stats(heap int) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := &t.heaps[heap]
	usage := atomic.LoadInt64(&h.usage)
	if t.source == nil {
		usage = atomic.LoadInt64(&h.blockBytes)
	}
	return Stats{
		BlockBytes:      int(atomic.LoadInt64(&h.blockBytes)),
		AllocationBytes: int(atomic.LoadInt64(&h.allocationBytes)),
		BlockCount:      int(atomic.LoadInt32(&h.blockCount)),
		AllocationCount: int(atomic.LoadInt32(&h.allocationCount)),
		Usage:           int(usage),
		Budget:          int(atomic.LoadInt64(&h.driverBudget)),
	}
}

// WithinBudget reports whether adding size bytes of usage to heap would stay
// at or under its currently known budget. Callers needing an up-to-date
// answer should Refresh first; WithinBudget itself never polls the driver.
func (t *Tracker) WithinBudget(heap int, size int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := &t.heaps[heap]
	usage := atomic.LoadInt64(&h.usage)
	if usage == 0 {
		usage = atomic.LoadInt64(&h.blockBytes)
	}
	return usage+int64(size) <= atomic.LoadInt64(&h.driverBudget)
}
