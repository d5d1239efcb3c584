package devmem

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// AllocationCreateInfo configures a single call to Allocator.AllocateMemory
// or Allocator.AllocateMemoryForBuffer/AllocateMemoryForImage, per spec.md
// 4.4's memory type selection and 4.6's flag validation.
type AllocationCreateInfo struct {
	// Flags is the AllocationCreateFlags controlling dedication, mapping,
	// budget participation, lost-allocation eligibility, and search
	// strategy.
	Flags AllocationCreateFlags
	// Usage selects the flag-derivation preset of spec.md 4.4. Leave it
	// MemoryUsageUnknown to rely entirely on RequiredFlags/PreferredFlags.
	Usage MemoryUsage

	// RequiredFlags are property flags a candidate memory type must carry.
	// A type missing any of them is never selected.
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are property flags a candidate memory type should
	// carry; missing ones add to Select's cost but do not disqualify the
	// type.
	PreferredFlags core1_0.MemoryPropertyFlags
	// NotPreferredFlags are property flags a candidate memory type should
	// avoid; carrying them adds to Select's cost but does not disqualify
	// the type.
	NotPreferredFlags core1_0.MemoryPropertyFlags

	// MemoryTypeBits, if non-zero, further restricts the candidate memory
	// types beyond whatever the resource's own requirements already
	// narrowed it to.
	MemoryTypeBits uint32
	// Pool routes the allocation through a user pool's block list instead
	// of the allocator's default per-type block lists. DedicatedMemory is
	// invalid together with Pool.
	Pool *Pool

	// UserData is opaque to the allocator; Allocation.UserData returns it
	// unchanged.
	UserData interface{}
	// Name, if set, becomes the new Allocation's initial name.
	Name string
}
