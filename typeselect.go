package devmem

import (
	"math"
	"math/bits"

	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/blockpool/devmem/driver"
)

// MemoryUsage is the caller-facing usage preset consulted by the type
// selector's flag derivation table (spec.md 4.4). It is independent of any
// particular buffer or image usage flags; AllocationCreateInfo carries both.
type MemoryUsage int

const (
	MemoryUsageUnknown MemoryUsage = iota
	MemoryUsageGpuOnly
	MemoryUsageCpuOnly
	MemoryUsageCpuToGpu
	MemoryUsageGpuToCpu
	MemoryUsageCpuCopy
	MemoryUsageGpuLazilyAllocated
)

// typeSelector picks the best memory type index for a request, given the
// device's reported property flags and the allocator's global type mask
// (which already excludes AMD device-coherent types unless opted into).
type typeSelector struct {
	properties           *driver.MemoryProperties
	globalMemoryTypeBits uint32
}

func newTypeSelector(properties *driver.MemoryProperties, globalMemoryTypeBits uint32) *typeSelector {
	return &typeSelector{properties: properties, globalMemoryTypeBits: globalMemoryTypeBits}
}

// derivedFlags applies the usage preset table of spec.md 4.4 on top of the
// caller's own required/preferred/not-preferred flags.
func (s *typeSelector) derivedFlags(usage MemoryUsage, requested AllocationCreateInfo) (required, preferred, notPreferred core1_0.MemoryPropertyFlags) {
	required = requested.RequiredFlags
	preferred = requested.PreferredFlags
	notPreferred = requested.NotPreferredFlags
	isIntegrated := s.properties.IsIntegratedGPU()
	wantsHostVisible := required&core1_0.MemoryPropertyHostVisible != 0 || preferred&core1_0.MemoryPropertyHostVisible != 0

	switch usage {
	case MemoryUsageGpuOnly:
		if !(isIntegrated && wantsHostVisible) {
			preferred |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageCpuOnly:
		required |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCpuToGpu:
		required |= core1_0.MemoryPropertyHostVisible
		if !(isIntegrated && wantsHostVisible) {
			preferred |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageGpuToCpu:
		required |= core1_0.MemoryPropertyHostVisible
		preferred |= core1_0.MemoryPropertyHostCached
	case MemoryUsageCpuCopy:
		notPreferred |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageGpuLazilyAllocated:
		required |= core1_0.MemoryPropertyLazilyAllocated
	}

	if required&deviceCoherentAMDFlags == 0 && preferred&deviceCoherentAMDFlags == 0 {
		notPreferred |= deviceCoherentAMDFlags
	}

	return required, preferred, notPreferred
}

// deviceCoherentAMDFlags is AMD's device-coherent/uncached memory property
// bit, excluded from consideration by default per spec.md 4.4's "If neither
// required nor preferred mentions AMD coherence/uncache, add
// DeviceCoherentAMD to NotPreferred." The core1_0 property flag set does not
// define this bit (it belongs to amd_device_coherent_memory); it is the
// extension's reserved bit 0x40.
const deviceCoherentAMDFlags core1_0.MemoryPropertyFlags = 1 << 6

// Select returns the lowest-cost memory type index satisfying memoryTypeBits
// and requested's required flags, or false if none qualifies
// (ErrorKindFeatureNotPresent at the caller).
func (s *typeSelector) Select(memoryTypeBits uint32, usage MemoryUsage, requested AllocationCreateInfo) (int, bool) {
	candidateBits := memoryTypeBits & s.globalMemoryTypeBits
	if requested.MemoryTypeBits != 0 {
		candidateBits &= requested.MemoryTypeBits
	}

	required, preferred, notPreferred := s.derivedFlags(usage, requested)

	best := -1
	minCost := math.MaxInt
	for typeIndex := 0; typeIndex < s.properties.TypeCount(); typeIndex++ {
		bit := uint32(1) << uint(typeIndex)
		if candidateBits&bit == 0 {
			continue
		}

		flags := s.properties.TypeFlags(typeIndex)
		if required&flags != required {
			continue
		}

		missingPreferred := preferred &^ flags
		presentNotPreferred := notPreferred & flags
		cost := bits.OnesCount32(uint32(missingPreferred)) + bits.OnesCount32(uint32(presentNotPreferred))

		if cost == 0 {
			return typeIndex, true
		}
		if cost < minCost {
			minCost = cost
			best = typeIndex
		}
	}

	if best < 0 {
		return 0, false
	}
	return best, true
}
