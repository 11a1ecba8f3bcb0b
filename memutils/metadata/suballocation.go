package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify an individual live allocation within a
// BlockMetadata. Handles are never reused by the same metadata between calls to Init.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes one live allocation within a block
type Suballocation struct {
	Handle BlockAllocationHandle
	// Offset is the aligned offset of the allocation within the block
	Offset int
	// Size is the number of bytes requested by the consumer
	Size int
	// Padding is the number of bytes after Offset+Size that belong to this allocation: alignment
	// round-up plus any debug margin
	Padding int
	// LeadingPadding is the number of bytes skipped in front of Offset to satisfy alignment
	LeadingPadding int
	// Wrapped is true for ring allocations that were placed at offset 0 because the space between
	// the head and the end of the block was too small
	Wrapped  bool
	UserData any
}

// End returns the first offset past this allocation, including its padding
func (s Suballocation) End() int {
	return s.Offset + s.Size + s.Padding
}
