package metadata

import "math"

// BlockAllocationHandle identifies a single live suballocation within a BlockMetadata.
// It has no meaning outside the BlockMetadata that issued it.
type BlockAllocationHandle uint64

// NoAllocation is the BlockAllocationHandle value returned in place of a real handle
// when no allocation exists (an empty list, a lost allocation, etc).
const NoAllocation BlockAllocationHandle = math.MaxUint64

// SuballocationType tags a suballocation for the purposes of buffer/image
// page-granularity conflict detection. The zero value is SuballocationFree.
type SuballocationType uint32

const (
	// SuballocationFree marks a range as free space. A Free suballocation never
	// conflicts with anything and never has an owner.
	SuballocationFree SuballocationType = iota
	// SuballocationUnknown is used for allocations whose resource type is not known
	// to the caller. It conflicts with every non-free suballocation, including itself.
	SuballocationUnknown
	// SuballocationBuffer marks a range backing a linear buffer resource.
	SuballocationBuffer
	// SuballocationImageLinear marks a range backing a linearly tiled image.
	SuballocationImageLinear
	// SuballocationImageOptimal marks a range backing an optimally tiled image.
	SuballocationImageOptimal
	// SuballocationImageUnknown marks a range backing an image whose tiling is not known.
	SuballocationImageUnknown
)

var suballocationTypeNames = map[SuballocationType]string{
	SuballocationFree:         "Free",
	SuballocationUnknown:      "Unknown",
	SuballocationBuffer:       "Buffer",
	SuballocationImageLinear:  "ImageLinear",
	SuballocationImageOptimal: "ImageOptimal",
	SuballocationImageUnknown: "ImageUnknown",
}

func (t SuballocationType) String() string {
	if name, ok := suballocationTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

func (t SuballocationType) isImage() bool {
	return t == SuballocationImageLinear || t == SuballocationImageOptimal || t == SuballocationImageUnknown
}

// Conflicts reports whether two suballocation types must not share a single
// buffer/image-granularity page, per the symmetric table in the data model:
// Free never conflicts; Unknown conflicts with everything non-free; any Image*
// type conflicts with Buffer and with any differing Image* type, but not with
// an identical Image* type.
func Conflicts(a, b SuballocationType) bool {
	if a == SuballocationFree || b == SuballocationFree {
		return false
	}
	if a == SuballocationUnknown || b == SuballocationUnknown {
		return true
	}
	if a == b {
		return false
	}
	if a.isImage() && b.isImage() {
		return true
	}
	// exactly one of a, b is a Buffer and the other is a (different) Image* type
	return (a == SuballocationBuffer && b.isImage()) || (b == SuballocationBuffer && a.isImage())
}

// suballocation is one contiguous range within a block: either free, or owned
// by a live handle. offset/size are always in bytes from the start of the block.
type suballocation struct {
	offset int
	size   int
	typ    SuballocationType
	handle BlockAllocationHandle
	owner  any // caller-supplied user data, nil for Free ranges

	prev *suballocation
	next *suballocation
}

func (s *suballocation) isFree() bool { return s.typ == SuballocationFree }
