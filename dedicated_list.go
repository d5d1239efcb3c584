package devmem

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/blockpool/devmem/internal/syncutil"
	"github.com/blockpool/devmem/stats"
)

// dedicatedSet is the insertion-ordered doubly-linked list of dedicated
// (whole-block) allocations for one memory type, guarded by one
// reader-writer lock per spec.md §5: reads for stats, writes for
// insert/remove.
type dedicatedSet struct {
	mutex syncutil.OptionalRWMutex

	count int
	head  *Allocation
	tail  *Allocation
}

func (s *dedicatedSet) Init(useMutex bool) {
	s.mutex = syncutil.OptionalRWMutex{UseMutex: useMutex}
}

func (s *dedicatedSet) IsEmpty() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.count == 0
}

func (s *dedicatedSet) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.count
}

// TotalSize sums every live dedicated allocation's size.
func (s *dedicatedSet) TotalSize() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	total := 0
	for a := s.head; a != nil; a = a.nextDedicated {
		total += a.size
	}
	return total
}

func (s *dedicatedSet) Register(alloc *Allocation) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count == 0 {
		s.head = alloc
		s.tail = alloc
	} else {
		alloc.prevDedicated = s.tail
		s.tail.nextDedicated = alloc
		s.tail = alloc
	}
	s.count++
}

func (s *dedicatedSet) Unregister(alloc *Allocation) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if alloc.prevDedicated != nil {
		alloc.prevDedicated.nextDedicated = alloc.nextDedicated
	} else {
		s.head = alloc.nextDedicated
	}
	if alloc.nextDedicated != nil {
		alloc.nextDedicated.prevDedicated = alloc.prevDedicated
	} else {
		s.tail = alloc.prevDedicated
	}
	alloc.nextDedicated = nil
	alloc.prevDedicated = nil
	s.count--
}

// Visit calls fn once per dedicated allocation currently registered, in
// insertion order.
func (s *dedicatedSet) Visit(fn func(*Allocation)) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for a := s.head; a != nil; a = a.nextDedicated {
		fn(a)
	}
}

// AddDetailedStatistics folds every registered dedicated allocation into out,
// counting each as its own one-allocation block.
func (s *dedicatedSet) AddDetailedStatistics(out *stats.DetailedStatistics) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for a := s.head; a != nil; a = a.nextDedicated {
		out.BlockCount++
		out.BlockBytes += a.size
		out.AddAllocation(a.size)
	}
}

// BuildStatsJSON writes one object per dedicated allocation, in registration
// order.
func (s *dedicatedSet) BuildStatsJSON(arr jwriter.ArrayState) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for a := s.head; a != nil; a = a.nextDedicated {
		obj := arr.Object()
		obj.Name("Type").String(a.suballocType.String())
		obj.Name("Size").Int(a.size)
		if a.name != "" {
			obj.Name("Name").String(a.name)
		}
		obj.End()
	}
}

// Validate cross-checks the declared count against an actual list walk.
func (s *dedicatedSet) Validate() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	actual := 0
	for a := s.head; a != nil; a = a.nextDedicated {
		actual++
	}
	if actual != s.count {
		return errors.Newf("devmem: dedicated set declares %d allocations but holds %d", s.count, actual)
	}
	return nil
}
