package metadata

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpustage/memutils"
)

// RingBlockMetadata is a BlockMetadata implementation that represents a circular buffer with a
// head (next write offset) and a tail (start of the oldest live allocation).
//
// Allocations are placed at the head when they fit between the head and the end of the block, and
// otherwise wrap to offset 0 when they fit in front of the tail. An allocation never spans the end
// of the block and never overlaps a live allocation. Allocations must be freed in the order they were
// made; freeing anything other than the oldest live allocation is an error. When the last live
// allocation is freed, head and tail both rewind to 0.
//
// Every allocation is followed by memutils.DebugMargin bytes and rounded up to the requested
// alignment, so offsets handed out are always multiples of the alignment when a single alignment is
// used for every request.
type RingBlockMetadata struct {
	BlockMetadataBase

	head int
	tail int
	// live allocations, oldest first
	live        []Suballocation
	sumUsedSize int
}

var _ BlockMetadata = &RingBlockMetadata{}

// NewRingBlockMetadata creates a new RingBlockMetadata. Init must be called before it is used.
func NewRingBlockMetadata() *RingBlockMetadata {
	return &RingBlockMetadata{}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *RingBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.head = 0
	m.tail = 0
	m.live = m.live[:0]
	m.sumUsedSize = 0
}

// Head returns the offset at which the next forward allocation would be placed
func (m *RingBlockMetadata) Head() int { return m.head }

// Tail returns the offset of the oldest live allocation, or the head if the ring is empty
func (m *RingBlockMetadata) Tail() int { return m.tail }

// wrapped reports whether the live region is split across the end of the block
func (m *RingBlockMetadata) wrapped() bool {
	return len(m.live) > 0 && m.head <= m.tail
}

// SumFreeSize returns the number of bytes not claimed by a live allocation or its padding
func (m *RingBlockMetadata) SumFreeSize() int {
	return m.Size() - m.sumUsedSize
}

// AllocationCount returns the number of live suballocations
func (m *RingBlockMetadata) AllocationCount() int {
	return len(m.live)
}

// IsEmpty will return true if this block has no live suballocations
func (m *RingBlockMetadata) IsEmpty() bool {
	return len(m.live) == 0
}

// Validate performs internal consistency checks on the metadata
func (m *RingBlockMetadata) Validate() error {
	if len(m.live) == 0 {
		if m.head != 0 || m.tail != 0 {
			return errors.Errorf("the ring is empty but head is %d and tail is %d", m.head, m.tail)
		}
		if m.sumUsedSize != 0 {
			return errors.Errorf("the ring is empty but reports %d used bytes", m.sumUsedSize)
		}
		return nil
	}

	if m.live[0].Offset != m.tail {
		return errors.Errorf("the oldest allocation is at offset %d, but the tail is at %d", m.live[0].Offset, m.tail)
	}

	var usedSize int
	var seenWrap bool
	offset := m.tail
	for index, suballoc := range m.live {
		if suballoc.Size <= 0 {
			return errors.Errorf("suballoc at index %d has invalid size %d", index, suballoc.Size)
		}

		if suballoc.Offset != offset {
			if suballoc.Offset != 0 || !suballoc.Wrapped || seenWrap || index == 0 {
				return errors.Errorf("suballoc at index %d has offset %d- this does not follow the previous suballocation, expected offset %d", index, suballoc.Offset, offset)
			}
			seenWrap = true
		}

		if suballoc.End() > m.Size() {
			return errors.Errorf("suballoc at index %d ends at offset %d, past the end of the block at %d", index, suballoc.End(), m.Size())
		}

		if seenWrap && suballoc.End() > m.tail {
			return errors.Errorf("wrapped suballoc at index %d ends at offset %d, overlapping the tail at %d", index, suballoc.End(), m.tail)
		}

		usedSize += suballoc.Size + suballoc.Padding
		offset = suballoc.End()
	}

	if offset != m.head {
		return errors.Errorf("the newest allocation ends at offset %d, but the head is at %d", offset, m.head)
	}

	if usedSize != m.sumUsedSize {
		return errors.Errorf("counted %d used bytes, but the metadata reports %d", usedSize, m.sumUsedSize)
	}

	return nil
}

func (m *RingBlockMetadata) findSuballocation(allocHandle BlockAllocationHandle) (int, error) {
	index := sort.Search(len(m.live), func(i int) bool {
		return m.live[i].Handle >= allocHandle
	})
	if index >= len(m.live) || m.live[index].Handle != allocHandle {
		return -1, errors.Errorf("handle %d does not map to a live allocation", allocHandle)
	}

	return index, nil
}

// AllocationOffset returns the offset in bytes of a live allocation within the block
func (m *RingBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.findSuballocation(allocHandle)
	if err != nil {
		return -1, err
	}

	return m.live[index].Offset, nil
}

// AllocationUserData returns the userData value provided when the allocation was committed
func (m *RingBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.findSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return m.live[index].UserData, nil
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in ascending offset order
func (m *RingBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	ordered := make([]Suballocation, len(m.live))
	copy(ordered, m.live)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Offset < ordered[j].Offset
	})

	lastOffset := 0
	for _, suballoc := range ordered {
		if suballoc.Offset > lastOffset {
			err := handleBlock(NoAllocation, lastOffset, suballoc.Offset-lastOffset, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(suballoc.Handle, suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}

		lastOffset = suballoc.Offset + suballoc.Size
		if suballoc.Padding > 0 {
			err = handleBlock(NoAllocation, lastOffset, suballoc.Padding, nil, true)
			if err != nil {
				return err
			}
			lastOffset += suballoc.Padding
		}
	}

	if lastOffset < m.Size() {
		return handleBlock(NoAllocation, lastOffset, m.Size()-lastOffset, nil, true)
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the provided object
func (m *RingBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	for _, suballoc := range m.live {
		stats.AddAllocation(suballoc.Size, suballoc.Padding)
	}

	if len(m.live) == 0 {
		stats.AddUnusedRange(m.Size())
	} else if m.wrapped() {
		stats.AddUnusedRange(m.tail - m.head)
	} else {
		stats.AddUnusedRange(m.tail)
		stats.AddUnusedRange(m.Size() - m.head)
	}
}

// AddStatistics sums this block's allocation statistics into the provided object
func (m *RingBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += len(m.live)

	for _, suballoc := range m.live {
		stats.AllocationBytes += suballoc.Size
		stats.PaddingBytes += suballoc.Padding
	}
}

// Clear instantly frees all allocations and rewinds head and tail
func (m *RingBlockMetadata) Clear() {
	m.bumpGeneration()
	m.head = 0
	m.tail = 0
	m.live = m.live[:0]
	m.sumUsedSize = 0
}

// BlockJsonData populates a json object with information about this block
func (m *RingBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	blockJsonData(m, &m.BlockMetadataBase, json)
	json.Name("Head").Int(m.head)
	json.Name("Tail").Int(m.tail)
}

// CheckCorruption verifies the debug margin written after every live allocation
func (m *RingBlockMetadata) CheckCorruption(blockData []byte) error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	for _, suballoc := range m.live {
		if !memutils.ValidateMagicValue(blockData, suballoc.Offset+suballoc.Size) {
			return errors.Errorf("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION AT OFFSET %d", suballoc.Offset)
		}
	}

	return nil
}

// CreateAllocationRequest finds room for allocSize bytes (plus debug margin, rounded up to
// allocAlignment) at the head, or wrapped to offset 0 in front of the tail
func (m *RingBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}
	memutils.DebugValidate(m)

	// Checked before aligning so that sizes near math.MaxInt cannot wrap negative
	if allocSize > m.Size()-memutils.DebugMargin {
		return false, AllocationRequest{}, nil
	}

	totalSize := memutils.AlignUp(allocSize+memutils.DebugMargin, allocAlignment)
	if totalSize > m.Size() {
		return false, AllocationRequest{}, nil
	}

	request := AllocationRequest{
		BlockAllocationHandle: m.nextHandle,
		Size:                  allocSize,
		Padding:               totalSize - allocSize,
		Type:                  AllocationRequestRingForward,
		AlgorithmData:         m.generation,
	}

	switch {
	case len(m.live) == 0:
		request.Offset = 0
	case m.wrapped():
		// Live bytes are [tail, end) and [0, head): only the gap in between is free
		if m.head+totalSize > m.tail {
			return false, AllocationRequest{}, nil
		}
		request.Offset = m.head
	case m.head+totalSize <= m.Size():
		request.Offset = m.head
	case totalSize <= m.tail:
		request.Offset = 0
		request.Type = AllocationRequestRingWrapped
	default:
		return false, AllocationRequest{}, nil
	}

	return true, request, nil
}

// Alloc commits an AllocationRequest created by this metadata since the last Alloc, Free, or Clear
func (m *RingBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestRingForward && request.Type != AllocationRequestRingWrapped {
		return errors.Errorf("ring metadata cannot commit a %s request", request.Type)
	}
	if request.AlgorithmData != m.generation || request.BlockAllocationHandle != m.nextHandle {
		return errors.New("the allocation request is stale: the ring has changed since it was created")
	}

	m.claimHandle()
	m.bumpGeneration()

	suballoc := Suballocation{
		Handle:   request.BlockAllocationHandle,
		Offset:   request.Offset,
		Size:     request.Size,
		Padding:  request.Padding,
		Wrapped:  request.Type == AllocationRequestRingWrapped,
		UserData: userData,
	}
	if len(m.live) == 0 {
		m.tail = suballoc.Offset
	}
	m.live = append(m.live, suballoc)
	m.head = suballoc.End()
	m.sumUsedSize += suballoc.Size + suballoc.Padding

	memutils.DebugValidate(m)
	return nil
}

// Free releases the oldest live allocation, which must be the one identified by allocHandle, and
// advances the tail past it
func (m *RingBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	if len(m.live) == 0 {
		return errors.Errorf("handle %d does not map to a live allocation: the ring is empty", allocHandle)
	}

	oldest := m.live[0]
	if oldest.Handle != allocHandle {
		if _, err := m.findSuballocation(allocHandle); err != nil {
			return err
		}
		return errors.Errorf("ring allocations must be freed in the order they were made: handle %d was freed before handle %d", allocHandle, oldest.Handle)
	}

	if oldest.Offset != m.tail {
		return errors.Errorf("the retiring allocation starts at offset %d, but the tail is at %d", oldest.Offset, m.tail)
	}

	m.bumpGeneration()
	m.live[0] = Suballocation{}
	m.live = m.live[1:]
	m.sumUsedSize -= oldest.Size + oldest.Padding

	if len(m.live) == 0 {
		m.head = 0
		m.tail = 0
		m.live = m.live[:0:0]
	} else {
		// The next allocation either follows this one or wrapped to offset 0
		m.tail = m.live[0].Offset
	}

	memutils.DebugValidate(m)
	return nil
}
