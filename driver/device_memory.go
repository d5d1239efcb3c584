// Package driver is the thin collaborator boundary spec.md §6 describes: it
// wraps the handful of device-memory driver calls the allocator needs
// (allocate/free, bind, map/unmap, flush/invalidate, query memory
// properties and budget) behind a small interface, so the allocation engine
// itself never imports the driver bindings directly.
package driver

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
)

// Memory wraps one driver memory allocation (one core1_0.DeviceMemory) with
// reference-counted mapping. Unlike the teacher's SynchronizedMemory, there
// is no delayed-unmap heuristic: the first Map call invokes the driver, the
// last Unmap releases it, immediately.
type Memory struct {
	mu        sync.Mutex
	callbacks *vkdriver.AllocationCallbacks
	memory    core1_0.DeviceMemory
	size      int

	mapCount  int
	mappedPtr unsafe.Pointer
}

// Allocate performs a single driver memory allocation of size bytes against
// typeIndex, optionally extended with a next-chain (dedicated-allocation or
// external-memory structures attached by the caller).
func Allocate(device core1_0.Device, callbacks *vkdriver.AllocationCallbacks, typeIndex, size int, next common.Options) (*Memory, error) {
	info := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: typeIndex,
		AllocationSize:  size,
		NextOptions:     common.NextOptions{Next: next},
	}

	mem, _, err := device.AllocateMemory(callbacks, info)
	if err != nil {
		return nil, err
	}

	return &Memory{
		callbacks: callbacks,
		memory:    mem,
		size:      size,
	}, nil
}

// Handle returns the raw driver memory handle, used for dedicated
// allocations (whose Allocation.DeviceMemory is the driver handle directly).
func (m *Memory) Handle() core1_0.DeviceMemory { return m.memory }

// Free releases the driver allocation. The caller must have already
// unmapped it (map_count == 0); Free panics otherwise, matching spec.md
// §5's "persistently mapped blocks must be unmapped before their memory is
// freed".
func (m *Memory) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapCount != 0 {
		panic("driver: freed a memory object while it was still mapped")
	}
	m.memory.Free(m.callbacks)
}

// Map increments the reference count and returns a pointer valid for
// [offset, offset+size). The driver is only actually asked to map on the
// transition from 0 to 1 references; every subsequent Map reuses that
// pointer (the driver guarantees a single DeviceMemory object is mapped at
// most once at a time) and recomputes the offset into it.
func (m *Memory) Map(offset, size int) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mapCount == 0 {
		ptr, _, err := m.memory.Map(0, m.size, 0)
		if err != nil {
			return nil, err
		}
		m.mappedPtr = ptr
	}
	m.mapCount++
	return unsafe.Add(m.mappedPtr, offset), nil
}

// Unmap decrements the reference count, releasing the driver mapping when
// it reaches zero. Unmapping more times than mapped is a programmer error.
func (m *Memory) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mapCount == 0 {
		return errors.New("driver: unmapped memory that was not mapped")
	}
	m.mapCount--
	if m.mapCount == 0 {
		m.memory.Unmap()
		m.mappedPtr = nil
	}
	return nil
}

// MapCount reports the current number of live references to this mapping.
func (m *Memory) MapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapCount
}

// BindBuffer binds buffer to this memory object at offset.
func (m *Memory) BindBuffer(buffer core1_0.Buffer, offset int) error {
	_, err := buffer.BindBufferMemory(m.memory, offset)
	return err
}

// BindImage binds image to this memory object at offset.
func (m *Memory) BindImage(image core1_0.Image, offset int) error {
	_, err := image.BindImageMemory(m.memory, offset)
	return err
}

// CacheOperation distinguishes Flush from Invalidate; both translate to the
// same driver call shape over a batch of ranges.
type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

// FlushOrInvalidateRanges issues a single driver call over ranges, a no-op
// when ranges is empty (spec.md 4.7: Flush/Invalidate only reach the driver
// for non-coherent memory types, so callers filter before calling this).
func FlushOrInvalidateRanges(device core1_0.Device, ranges []core1_0.MappedMemoryRange, op CacheOperation) error {
	if len(ranges) == 0 {
		return nil
	}
	switch op {
	case CacheOperationFlush:
		_, err := device.FlushMappedMemoryRanges(ranges)
		return err
	case CacheOperationInvalidate:
		_, err := device.InvalidateMappedMemoryRanges(ranges)
		return err
	default:
		return errors.Newf("driver: invalid cache operation %d", op)
	}
}

// MemoryProperties is the slice of a PhysicalDevice's reported memory layout
// the allocator actually consults: per-type property flags and heap index,
// and per-heap size.
type MemoryProperties struct {
	physicalDevice   core1_0.PhysicalDevice
	properties       *core1_0.PhysicalDeviceMemoryProperties
	deviceProperties *core1_0.PhysicalDeviceProperties
}

// NewMemoryProperties snapshots physicalDevice's memory layout once, at
// allocator construction.
func NewMemoryProperties(physicalDevice core1_0.PhysicalDevice) (*MemoryProperties, error) {
	props, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	return &MemoryProperties{
		physicalDevice:   physicalDevice,
		properties:       physicalDevice.MemoryProperties(),
		deviceProperties: props,
	}, nil
}

func (p *MemoryProperties) TypeCount() int { return len(p.properties.MemoryTypes) }
func (p *MemoryProperties) HeapCount() int { return len(p.properties.MemoryHeaps) }

func (p *MemoryProperties) TypeFlags(typeIndex int) core1_0.MemoryPropertyFlags {
	return p.properties.MemoryTypes[typeIndex].PropertyFlags
}

func (p *MemoryProperties) TypeHeapIndex(typeIndex int) int {
	return p.properties.MemoryTypes[typeIndex].HeapIndex
}

func (p *MemoryProperties) HeapSize(heapIndex int) int {
	return p.properties.MemoryHeaps[heapIndex].Size
}

// IsTypeNonCoherent reports whether typeIndex is host-visible but not
// host-coherent, the condition under which Flush/Invalidate must actually
// reach the driver.
func (p *MemoryProperties) IsTypeNonCoherent(typeIndex int) bool {
	flags := p.TypeFlags(typeIndex)
	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// TypeMinimumAlignment returns the alignment required to keep mapped ranges
// on non_coherent_atom_size boundaries for host-visible, non-coherent types,
// or 1 for every other type.
func (p *MemoryProperties) TypeMinimumAlignment(typeIndex int) uint {
	if !p.IsTypeNonCoherent(typeIndex) {
		return 1
	}
	alignment := uint(p.deviceProperties.Limits.NonCoherentAtomSize)
	if alignment < 1 {
		return 1
	}
	return alignment
}

// NonCoherentAtomSize is the granularity Flush/Invalidate range alignment
// must respect.
func (p *MemoryProperties) NonCoherentAtomSize() int {
	return p.deviceProperties.Limits.NonCoherentAtomSize
}

// BufferImageGranularity is the device's buffer/image page-granularity.
func (p *MemoryProperties) BufferImageGranularity() int {
	g := p.deviceProperties.Limits.BufferImageGranularity
	if g < 1 {
		return 1
	}
	return g
}

// MaxMemoryAllocationCount is the driver's ceiling on the number of live
// core1_0.DeviceMemory objects at once, consulted when deciding whether to
// keep preferring dedicated allocations as that ceiling is approached.
func (p *MemoryProperties) MaxMemoryAllocationCount() int {
	return p.deviceProperties.Limits.MaxMemoryAllocationCount
}

// IsIntegratedGPU reports whether the physical device is an integrated GPU,
// consulted by the type selector's GpuOnly/CpuToGpu host-visible carve-out.
func (p *MemoryProperties) IsIntegratedGPU() bool {
	return p.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}
