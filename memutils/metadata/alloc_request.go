package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestArena indicates that the allocation request was sourced from ArenaBlockMetadata
	AllocationRequestArena AllocationRequestType = iota
	// AllocationRequestRingForward indicates that the allocation request was sourced from
	// RingBlockMetadata and will be placed at the current head
	AllocationRequestRingForward
	// AllocationRequestRingWrapped indicates that the allocation request was sourced from
	// RingBlockMetadata and will be placed at offset 0, abandoning the space between the head and the
	// end of the block until the allocations before it retire
	AllocationRequestRingWrapped
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestArena:       "Arena",
	AllocationRequestRingForward: "RingForward",
	AllocationRequestRingWrapped: "RingWrapped",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place new memory. The consumer can apply the placement to the actual memory
// system and then commit it to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will have once committed
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset within the block
	Offset int
	// Size is the number of bytes requested
	Size int
	// Padding is the number of bytes consumed past Offset+Size by alignment and debug margins
	Padding int
	// LeadingPadding is the number of bytes skipped in front of Offset to satisfy alignment
	LeadingPadding int
	// Type identifies the sort of allocation this request represents
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
