package devmem

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/blockpool/devmem/budget"
	"github.com/blockpool/devmem/driver"
	"github.com/blockpool/devmem/internal/syncutil"
)

// CreateFlags controls allocator-wide behavior.
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized disables the allocator's pool-list
	// lock, the per-type block-list and dedicated-set locks, and the
	// block-list lock of every pool it creates, trading safety for speed when
	// the caller already guarantees single-threaded (or externally
	// serialized) access. A pool's dedicated-set lock, the budget tracker's
	// refresh lock and each driver memory object's mapping lock are still
	// taken.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateAMDDeviceCoherentMemory opts into treating memory types
	// carrying amd_device_coherent_memory's DeviceCoherent/DeviceUncached
	// flag as ordinary candidates, rather than excluding them from
	// consideration entirely.
	AllocatorCreateAMDDeviceCoherentMemory
	// AllocatorCreateBufferDeviceAddress opts into attaching
	// MemoryAllocateFlagsInfo{Flags: MemoryAllocateDeviceAddress} to eligible
	// dedicated allocations (buffer-backed only; per spec.md 4.3 step 2 an
	// image can never carry a shader device address). Requires the device to
	// have advertised khr_buffer_device_address or promoted core 1.2.
	AllocatorCreateBufferDeviceAddress
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateAMDDeviceCoherentMemory.Register("AllocatorCreateAMDDeviceCoherentMemory")
	AllocatorCreateBufferDeviceAddress.Register("AllocatorCreateBufferDeviceAddress")
}

// defaultLargeHeapBlockSize is used as PreferredLargeHeapBlockSize when
// CreateOptions leaves it zero: 256MiB.
const defaultLargeHeapBlockSize = 256 * 1024 * 1024

// smallHeapMaxSize is the heap-size cutoff below which the preferred block
// size is derived as a fraction of the heap instead of the flat large-heap
// default, per spec.md §6.
const smallHeapMaxSize = 1024 * 1024 * 1024

// CreateOptions configures a new Allocator.
type CreateOptions struct {
	// Flags controls allocator-wide behavior; see CreateFlags.
	Flags CreateFlags
	// PreferredLargeHeapBlockSize overrides the 256MiB default block size
	// used for heaps larger than smallHeapMaxSize.
	PreferredLargeHeapBlockSize int
	// VulkanCallbacks, if non-nil, is passed to every driver AllocateMemory
	// and FreeMemory call this allocator makes.
	VulkanCallbacks *vkdriver.AllocationCallbacks
	// HeapSizeLimits, if non-nil, must have one entry per memory heap on
	// physicalDevice: a byte ceiling for that heap, or 0 for no ceiling.
	HeapSizeLimits []int
}

// New constructs an Allocator over device, snapshotting physicalDevice's
// memory layout and probing instance/device/physicalDevice for the
// extension capabilities spec.md §6 names (dedicated allocation, external
// memory, buffer device address, the memory budget extension, and AMD
// device-coherent memory).
func New(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0
	optInAMDCoherent := options.Flags&AllocatorCreateAMDDeviceCoherentMemory != 0

	properties, err := driver.NewMemoryProperties(physicalDevice)
	if err != nil {
		return nil, wrapDriverError(err)
	}
	extensions := driver.NewExtensionData(device, physicalDevice, instance, optInAMDCoherent)

	heapCount := properties.HeapCount()
	if options.HeapSizeLimits != nil && len(options.HeapSizeLimits) != heapCount {
		return nil, invalidArgumentf("devmem: HeapSizeLimits has %d entries but the device has %d heaps", len(options.HeapSizeLimits), heapCount)
	}

	heapSizes := make([]int, heapCount)
	for i := 0; i < heapCount; i++ {
		heapSizes[i] = properties.HeapSize(i)
	}

	// budget.New wants a nil interface, not a non-nil interface wrapping a nil
	// *BudgetSource, when the memory budget extension is unavailable.
	var budgetSource budget.Source
	if source := driver.NewBudgetSource(extensions); source != nil {
		budgetSource = source
	}
	tracker, err := budget.New(budgetSource, heapSizes, options.HeapSizeLimits)
	if err != nil {
		return nil, errors.Wrap(err, "devmem: failed to construct budget tracker")
	}

	preferredLargeHeapBlockSize := options.PreferredLargeHeapBlockSize
	if preferredLargeHeapBlockSize == 0 {
		preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}

	a := &Allocator{
		useMutex:                    useMutex,
		logger:                      logger,
		instance:                    instance,
		physicalDevice:              physicalDevice,
		device:                      device,
		callbacks:                   options.VulkanCallbacks,
		properties:                  properties,
		extensions:                  extensions,
		budget:                      tracker,
		poolsMutex:                  syncutil.OptionalRWMutex{UseMutex: useMutex},
		createFlags:                 options.Flags,
		preferredLargeHeapBlockSize: preferredLargeHeapBlockSize,
		currentFrame:                0,
	}
	a.globalMemoryTypeBits = a.calculateGlobalMemoryTypeBits()
	a.typeSelector = newTypeSelector(properties, a.globalMemoryTypeBits)

	typeCount := properties.TypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if a.globalMemoryTypeBits&(1<<uint(typeIndex)) == 0 {
			continue
		}
		heapIndex := properties.TypeHeapIndex(typeIndex)
		preferredBlockSize := a.calculatePreferredBlockSize(typeIndex)

		a.memoryBlockLists[typeIndex] = newBlockList(
			logger, device, options.VulkanCallbacks, tracker,
			typeIndex, heapIndex,
			preferredBlockSize, 0, math.MaxInt,
			false,
			properties.BufferImageGranularity(),
			defaultRegisterThreshold, defaultDebugMargin,
			false,
			0,
			useMutex,
		)
		set := &dedicatedSet{}
		set.Init(useMutex)
		a.dedicatedSets[typeIndex] = set
	}

	return a, nil
}

// calculateGlobalMemoryTypeBits builds the bitmask of memory types this
// allocator will ever consider: every type on the device, except those
// carrying the AMD device-coherent/uncached property when the allocator was
// not opted into AllocatorCreateAMDDeviceCoherentMemory.
func (a *Allocator) calculateGlobalMemoryTypeBits() uint32 {
	var bits uint32
	for typeIndex := 0; typeIndex < a.properties.TypeCount(); typeIndex++ {
		flags := a.properties.TypeFlags(typeIndex)
		if !a.extensions.HasDeviceCoherentMemory() && flags&deviceCoherentAMDFlags != 0 {
			continue
		}
		bits |= 1 << uint(typeIndex)
	}
	return bits
}

// calculatePreferredBlockSize applies spec.md §6's small-heap heuristic:
// heaps at or under smallHeapMaxSize use a block size of heapSize/8, aligned
// up to 32 bytes; larger heaps use preferredLargeHeapBlockSize.
func (a *Allocator) calculatePreferredBlockSize(typeIndex int) int {
	heapIndex := a.properties.TypeHeapIndex(typeIndex)
	heapSize := a.properties.HeapSize(heapIndex)

	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}
	return alignUp(rawSize, 32)
}
