package devmem

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/blockpool/devmem/driver"
	"github.com/blockpool/devmem/metadata"
)

// deviceBlock owns one driver memory allocation sub-divided by a
// metadata.Generic. It is only ever touched under its owning blockList's
// mutex; it has no lock of its own.
type deviceBlock struct {
	id              int
	memoryTypeIndex int
	logger          *slog.Logger

	memory   *driver.Memory
	metadata *metadata.Generic

	mappedForPersistent bool
}

// newDeviceBlock allocates a fresh driver memory object of size bytes and
// wraps it with a metadata.Generic ready to sub-allocate.
func newDeviceBlock(
	logger *slog.Logger,
	device core1_0.Device,
	callbacks *vkdriver.AllocationCallbacks,
	memoryTypeIndex int,
	size int,
	granularity int,
	registerThreshold int,
	debugMargin int,
	id int,
	persistentlyMapped bool,
) (*deviceBlock, error) {
	mem, err := driver.Allocate(device, callbacks, memoryTypeIndex, size, nil)
	if err != nil {
		return nil, err
	}

	if persistentlyMapped {
		if _, err := mem.Map(0, size); err != nil {
			mem.Free()
			return nil, err
		}
	}

	md := metadata.NewGeneric(granularity, registerThreshold, debugMargin)
	md.Init(size)

	return &deviceBlock{
		id:                  id,
		memoryTypeIndex:     memoryTypeIndex,
		logger:              logger,
		memory:              mem,
		metadata:            md,
		mappedForPersistent: persistentlyMapped,
	}, nil
}

func (b *deviceBlock) Size() int { return b.metadata.Size() }

func (b *deviceBlock) IsEmpty() bool { return b.metadata.IsEmpty() }

func (b *deviceBlock) SumFreeSize() int { return b.metadata.SumFreeSize() }

// destroy frees the backing driver allocation. The block must be empty; the
// caller (blockList) is responsible for checking this first so it can
// distinguish "block had live allocations" from a driver failure.
func (b *deviceBlock) destroy() {
	if !b.metadata.IsEmpty() {
		b.logUnreleasedAllocations()
		panic("devmem: destroyed a device block that still had live allocations")
	}
	if b.mappedForPersistent {
		if err := b.memory.Unmap(); err != nil {
			b.logger.Error("error unmapping persistently mapped block on destroy", "error", err)
		}
	}
	b.memory.Free()
}

func (b *deviceBlock) logUnreleasedAllocations() {
	_ = b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, owner any, free bool) error {
		if free {
			return nil
		}
		b.logger.LogAttrs(context.Background(), slog.LevelError, "unreleased allocation at block destruction",
			slog.Int("blockID", b.id),
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Any("owner", owner),
		)
		return nil
	})
}

// validate cross-checks this block's metadata invariants, and that every
// committed region's owner is a live allocation and vice versa.
func (b *deviceBlock) validate() error {
	if b.metadata.Size() < 1 {
		return errors.New("devmem: device block has an invalid size")
	}
	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, owner any, free bool) error {
		_, isAllocation := owner.(*Allocation)
		if free && isAllocation {
			return errors.Newf("devmem: region at offset %d is marked free but has an allocation owner", offset)
		}
		if !free && !isAllocation {
			return errors.Newf("devmem: region at offset %d is committed but has no allocation owner", offset)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.metadata.Validate()
}
