package devmem

// DefragmentationInfo configures a defragmentation pass. It exists so a
// future implementation has a stable shape to land on; none of its fields
// are consulted yet.
type DefragmentationInfo struct {
	Pool            *Pool
	MaxBytesPerPass int
	MaxMovesPerPass int
}

// DefragmentationStats reports what a completed defragmentation pass moved.
// Always zero-valued today.
type DefragmentationStats struct {
	BytesMoved       int
	AllocationsMoved int
	BytesFreed       int
	BlocksFreed      int
}

// DefragmentationContext is the stubbed handle for an in-progress
// defragmentation run. Corruption checks and GPU defragmentation type-mask
// computation were unresolved in the system this allocator is modeled on;
// re-implementers should keep declaring this Unsupported surface rather
// than invent behavior for either.
type DefragmentationContext struct{}

// BeginDefragmentation starts a defragmentation run over info.Pool (or, if
// nil, every pool and the default per-type block lists). Not implemented.
func (a *Allocator) BeginDefragmentation(info DefragmentationInfo) (*DefragmentationContext, error) {
	return nil, unsupportedf("devmem: defragmentation is not implemented")
}

// BeginPass computes the next batch of proposed allocation moves. Not
// implemented.
func (c *DefragmentationContext) BeginPass() error {
	return unsupportedf("devmem: defragmentation is not implemented")
}

// EndPass commits or rolls back the moves from the most recent BeginPass,
// reporting whether another pass is needed. Not implemented.
func (c *DefragmentationContext) EndPass() (bool, error) {
	return false, unsupportedf("devmem: defragmentation is not implemented")
}

// End finishes the defragmentation run and reports cumulative statistics.
// Not implemented.
func (c *DefragmentationContext) End() (DefragmentationStats, error) {
	return DefragmentationStats{}, unsupportedf("devmem: defragmentation is not implemented")
}
