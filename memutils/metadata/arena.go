package metadata

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpustage/memutils"
)

// ArenaBlockMetadata is a BlockMetadata implementation that represents a bump allocator. Allocations
// are placed at the current cursor, aligned up, and the cursor only ever advances. Individual
// allocations cannot be freed; the whole block is released with Clear.
type ArenaBlockMetadata struct {
	BlockMetadataBase

	cursor         int
	suballocations []Suballocation
}

var _ BlockMetadata = &ArenaBlockMetadata{}

// NewArenaBlockMetadata creates a new ArenaBlockMetadata. Init must be called before it is used.
func NewArenaBlockMetadata() *ArenaBlockMetadata {
	return &ArenaBlockMetadata{}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *ArenaBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.cursor = 0
	m.suballocations = m.suballocations[:0]
}

// Cursor returns the first offset that has never been handed out
func (m *ArenaBlockMetadata) Cursor() int {
	return m.cursor
}

// SumFreeSize returns the number of bytes past the cursor
func (m *ArenaBlockMetadata) SumFreeSize() int {
	return m.Size() - m.cursor
}

// AllocationCount returns the number of live suballocations
func (m *ArenaBlockMetadata) AllocationCount() int {
	return len(m.suballocations)
}

// IsEmpty will return true if this block has no live suballocations
func (m *ArenaBlockMetadata) IsEmpty() bool {
	return len(m.suballocations) == 0
}

// Validate performs internal consistency checks on the metadata
func (m *ArenaBlockMetadata) Validate() error {
	var offset int
	for index, suballoc := range m.suballocations {
		if suballoc.Size <= 0 {
			return errors.Errorf("suballoc at index %d has invalid size %d", index, suballoc.Size)
		}
		if suballoc.Offset-suballoc.LeadingPadding != offset {
			return errors.Errorf("suballoc at index %d starts its padding at offset %d, but the previous allocation ended at %d", index, suballoc.Offset-suballoc.LeadingPadding, offset)
		}

		offset = suballoc.End()
	}

	if offset != m.cursor {
		return errors.Errorf("the final allocation ends at offset %d, but the cursor is at %d", offset, m.cursor)
	}

	if m.cursor > m.Size() {
		return errors.Errorf("the cursor is at offset %d, past the end of the block at %d", m.cursor, m.Size())
	}

	return nil
}

func (m *ArenaBlockMetadata) findSuballocation(allocHandle BlockAllocationHandle) (int, error) {
	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].Handle >= allocHandle
	})
	if index >= len(m.suballocations) || m.suballocations[index].Handle != allocHandle {
		return -1, errors.Errorf("handle %d does not map to a live allocation", allocHandle)
	}

	return index, nil
}

// AllocationOffset returns the offset in bytes of a live allocation within the block
func (m *ArenaBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.findSuballocation(allocHandle)
	if err != nil {
		return -1, err
	}

	return m.suballocations[index].Offset, nil
}

// AllocationUserData returns the userData value provided when the allocation was committed
func (m *ArenaBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.findSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return m.suballocations[index].UserData, nil
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block.
func (m *ArenaBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for _, suballoc := range m.suballocations {
		if suballoc.LeadingPadding > 0 {
			err := handleBlock(NoAllocation, suballoc.Offset-suballoc.LeadingPadding, suballoc.LeadingPadding, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(suballoc.Handle, suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}
	}

	if m.cursor < m.Size() {
		return handleBlock(NoAllocation, m.cursor, m.Size()-m.cursor, nil, true)
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the provided object
func (m *ArenaBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for _, suballoc := range m.suballocations {
		stats.AddAllocation(suballoc.Size, suballoc.LeadingPadding+suballoc.Padding)
	}

	stats.AddUnusedRange(m.Size() - m.cursor)
}

// AddStatistics sums this block's allocation statistics into the provided object
func (m *ArenaBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += len(m.suballocations)

	for _, suballoc := range m.suballocations {
		stats.AllocationBytes += suballoc.Size
		stats.PaddingBytes += suballoc.LeadingPadding + suballoc.Padding
	}
}

// Clear instantly frees all allocations and rewinds the cursor
func (m *ArenaBlockMetadata) Clear() {
	m.bumpGeneration()
	m.cursor = 0
	m.suballocations = m.suballocations[:0]
}

// BlockJsonData populates a json object with information about this block
func (m *ArenaBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	blockJsonData(m, &m.BlockMetadataBase, json)
	json.Name("Cursor").Int(m.cursor)
}

// CheckCorruption always succeeds: arenas do not place debug margins between allocations
func (m *ArenaBlockMetadata) CheckCorruption(blockData []byte) error {
	return nil
}

// CreateAllocationRequest aligns the cursor up to allocAlignment and reports whether allocSize bytes
// fit between the aligned cursor and the end of the block
func (m *ArenaBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}
	memutils.DebugValidate(m)

	alignedOffset := memutils.AlignUp(m.cursor, allocAlignment)
	leadingPadding := alignedOffset - m.cursor

	if allocSize > m.Size()-m.cursor-leadingPadding {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: m.nextHandle,
		Offset:                alignedOffset,
		Size:                  allocSize,
		LeadingPadding:        leadingPadding,
		Type:                  AllocationRequestArena,
		AlgorithmData:         m.generation,
	}, nil
}

// Alloc commits an AllocationRequest created by this metadata since the last Alloc or Clear
func (m *ArenaBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestArena {
		return errors.Errorf("arena metadata cannot commit a %s request", request.Type)
	}
	if request.AlgorithmData != m.generation || request.BlockAllocationHandle != m.nextHandle {
		return errors.New("the allocation request is stale: the arena has changed since it was created")
	}

	m.claimHandle()
	m.bumpGeneration()
	m.suballocations = append(m.suballocations, Suballocation{
		Handle:         request.BlockAllocationHandle,
		Offset:         request.Offset,
		Size:           request.Size,
		Padding:        request.Padding,
		LeadingPadding: request.LeadingPadding,
		UserData:       userData,
	})
	m.cursor = request.Offset + request.Size + request.Padding

	memutils.DebugValidate(m)
	return nil
}

// Free always fails: arena allocations share the lifetime of the block
func (m *ArenaBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	if _, err := m.findSuballocation(allocHandle); err != nil {
		return err
	}

	return errors.New("arena allocations cannot be freed individually, the block must be cleared")
}
