package driver

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
)

// BudgetSource implements budget.Source over the memory-budget extension,
// re-polling PhysicalDeviceMemoryBudgetProperties through whatever
// GetPhysicalDeviceProperties2 path NewExtensionData found (a promoted
// core 1.1 instance-scoped physical device, or the raw extension behind its
// shim). The physical device itself is already bound inside that shim, so
// BudgetSource only needs to hold onto it.
type BudgetSource struct {
	extensions *ExtensionData
}

// NewBudgetSource returns nil when extensions.UseMemoryBudget is false: the
// allocator should skip installing a Source entirely and let budget.Tracker
// fall back to its static 80%-of-heap-size estimate.
func NewBudgetSource(extensions *ExtensionData) *BudgetSource {
	if !extensions.UseMemoryBudget {
		return nil
	}
	return &BudgetSource{extensions: extensions}
}

// HeapUsageAndBudget implements budget.Source.
func (s *BudgetSource) HeapUsageAndBudget(heap int) (usage, driverBudget int, hasBudgetExtension bool) {
	budgetProps := ext_memory_budget.PhysicalDeviceMemoryBudgetProperties{}
	memProps2 := core1_1.PhysicalDeviceMemoryProperties2{
		NextOutData: common.NextOutData{Next: &budgetProps},
	}

	if err := s.extensions.GetPhysicalDeviceProperties2.MemoryProperties2(&memProps2); err != nil {
		return 0, 0, false
	}
	if heap < 0 || heap >= len(budgetProps.HeapUsage) {
		return 0, 0, false
	}
	return budgetProps.HeapUsage[heap], budgetProps.HeapBudget[heap], true
}
