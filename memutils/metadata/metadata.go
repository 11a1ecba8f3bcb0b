package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/memutils"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
//
// BlockMetadata implementations are not safe for concurrent use.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the
	// size in bytes of the block of memory it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation
	AllocationCount() int
	// SumFreeSize returns the number of bytes of the block that are neither allocated nor lost to
	// alignment padding of a live allocation
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in ascending offset order. Alignment padding in front of an allocation is reported
	// as a free region.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live allocation within the block. The
	// implementation must return an error if the handle does not map to a live allocation.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the allocation was committed. The
	// implementation must return an error if the handle does not map to a live allocation.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts the mapped bytes of the memory that this block manages. It returns nil
	// if the anti-corruption markers written after every live suballocation are intact. Markers are
	// only written when built with the `debug_mem_utils` build tag; it is the responsibility of the
	// consumer to write them with memutils.WriteMagicValue after allocation.
	CheckCorruption(blockData []byte) error

	// CreateAllocationRequest retrieves an AllocationRequest indicating where the implementation
	// would place an allocation of allocSize bytes aligned to allocAlignment. The bool return is
	// false, with a nil error, when the block does not have room for the request. The request can be
	// passed to Alloc to commit it, as long as no other allocation or free happens in between.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must return an error if the request is
	// stale.
	Alloc(request AllocationRequest, userData any) error
	// Free releases a live suballocation. Implementations that cannot release individual
	// allocations, or that can only release them in a fixed order, return an error otherwise.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
	// generation is bumped by every Alloc, Free, and Clear so stale requests can be detected
	generation uint64
	nextHandle BlockAllocationHandle
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
	m.generation = 0
	m.nextHandle = 1
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) bumpGeneration() {
	m.generation++
}

func (m *BlockMetadataBase) claimHandle() BlockAllocationHandle {
	handle := m.nextHandle
	m.nextHandle++
	return handle
}

// WriteBlockJson writes the common header fields of a block json object
func (m *BlockMetadataBase) WriteBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

func blockJsonData(md BlockMetadata, base *BlockMetadataBase, json jwriter.ObjectState) {
	var unusedRangeCount, usedBytes, allocCount int

	_ = md.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				unusedRangeCount++
			} else {
				usedBytes += size
				allocCount++
			}

			return nil
		})

	base.WriteBlockJson(json, base.Size()-usedBytes, allocCount, unusedRangeCount)
}
