package devmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Pool is a thin wrapper around its own blockList (spec.md's "Pool as a
// thin wrapper around BlockList"): a separately-sized, separately-limited
// reservation of blocks for one memory type, with its own dedicated set so
// an oversized allocation routed to a pool still tracks against it.
type Pool struct {
	logger *slog.Logger

	id   int
	name string

	blockList    *blockList
	dedicated    *dedicatedSet
	memoryTypeIndex int

	prev *Pool
	next *Pool
}

func newPool(logger *slog.Logger, id int, memoryTypeIndex int, list *blockList) *Pool {
	p := &Pool{
		logger:          logger,
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		blockList:       list,
		dedicated:       &dedicatedSet{},
	}
	p.dedicated.Init(true)
	return p
}

func (p *Pool) ID() int                 { return p.id }
func (p *Pool) Name() string            { return p.name }
func (p *Pool) SetName(name string)     { p.name = name }
func (p *Pool) MemoryTypeIndex() int    { return p.memoryTypeIndex }
func (p *Pool) BlockCount() int         { return p.blockList.BlockCount() }

// IsEmpty reports whether none of this pool's blocks holds a live
// allocation and it has no dedicated allocations, the precondition for
// Destroy per spec.md 4.6. Empty blocks the pool still owns do not count.
func (p *Pool) IsEmpty() bool {
	p.blockList.mu.Lock()
	for _, b := range p.blockList.blocks {
		if !b.IsEmpty() {
			p.blockList.mu.Unlock()
			return false
		}
	}
	p.blockList.mu.Unlock()
	return p.dedicated.IsEmpty()
}

// destroy tears down the pool's block list. The caller (Allocator) is
// responsible for checking IsEmpty first and unlinking the pool from the
// allocator's pool list; this only releases resources.
func (p *Pool) destroy() error {
	if !p.IsEmpty() {
		return newKindError(ErrorKindInvalidState, errors.Newf("devmem: pool %d still has live blocks or dedicated allocations", p.id))
	}
	return p.blockList.Dispose()
}
