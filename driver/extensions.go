package driver

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/amd_device_coherent_memory"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	khr_get_physical_device_properties2_shim "github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2/shim"
)

// ExtensionData records which of the capabilities spec.md §6 names are
// actually available on a device: dedicated-allocation (when set, a dedicated
// allocation made for a buffer or image carries a MemoryDedicatedAllocateInfo),
// external-memory (recorded only; nothing in this module reads it),
// buffer-device-address (attached to dedicated allocate-infos when the
// allocator opted in and the resource is eligible), and the memory budget
// extension (polled by budget.Tracker). UseAMDDeviceCoherentMemory is true
// only when the allocator opted in and the device actually advertises the
// extension; it changes which memory types the allocator's
// calculateGlobalMemoryTypeBits excludes.
type ExtensionData struct {
	DedicatedAllocations         bool
	ExternalMemory               bool
	BufferDeviceAddress          khr_buffer_device_address_shim.Shim
	GetPhysicalDeviceProperties2 khr_get_physical_device_properties2_shim.Shim
	UseMemoryBudget              bool
	UseAMDDeviceCoherentMemory   bool
}

// NewExtensionData probes device/physicalDevice/instance for the capability
// set above, preferring a promoted core version over the individual
// extension where the device advertises both (matching the driver's own
// promotion rules).
func NewExtensionData(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, instance core1_0.Instance, optInAMDDeviceCoherentMemory bool) *ExtensionData {
	data := &ExtensionData{
		UseAMDDeviceCoherentMemory: optInAMDDeviceCoherentMemory && device.IsDeviceExtensionActive(amd_device_coherent_memory.ExtensionName),
	}

	if core1_1.PromoteDevice(device) != nil {
		data.DedicatedAllocations = true
		data.ExternalMemory = true
	} else {
		if device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
			data.DedicatedAllocations = true
		}
		if device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
			data.ExternalMemory = true
		}
	}

	if device12 := core1_2.PromoteDevice(device); device12 != nil {
		data.BufferDeviceAddress = device12
	} else if device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		data.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	if physicalDevice11 := core1_1.PromoteInstanceScopedPhysicalDevice(physicalDevice); physicalDevice11 != nil {
		data.GetPhysicalDeviceProperties2 = physicalDevice11
	} else if instance.IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName) {
		extension := khr_get_physical_device_properties2.CreateExtensionFromInstance(instance)
		data.GetPhysicalDeviceProperties2 = khr_get_physical_device_properties2_shim.NewShim(extension, physicalDevice)
	}

	if data.GetPhysicalDeviceProperties2 != nil && device.IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		data.UseMemoryBudget = true
	}

	return data
}

// HasDeviceCoherentMemory reports whether amd_device_coherent_memory support
// was detected and opted into, independent of whether any memory type on
// this device actually carries the flag.
func (e *ExtensionData) HasDeviceCoherentMemory() bool {
	return e.UseAMDDeviceCoherentMemory
}
