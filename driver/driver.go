// Package driver declares the slice of a descriptor-heap, placed-resource graphics API that gmem
// consumes. Implementations wrap a real platform API; driver/fake provides a software device for
// tests and tools.
//
// Implementations report failures as plain errors. gmem marks every one of them as fatal.
package driver

//go:generate mockgen -source driver.go -destination ./mocks/driver.go -package mocks

// Device creates every other driver object
type Device interface {
	CreateCommandQueue(listType CommandListType) (CommandQueue, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateCommandAllocator(listType CommandListType) (CommandAllocator, error)
	// CreateCommandList returns a list in the recording state
	CreateCommandList(listType CommandListType, allocator CommandAllocator) (CommandList, error)

	CreateHeap(desc HeapDesc) (Heap, error)
	CreatePlacedResource(heap Heap, offset uint64, desc ResourceDesc, initialState ResourceState) (Resource, error)
	CreateCommittedResource(heapType HeapType, desc ResourceDesc, initialState ResourceState) (Resource, error)
	ResourceAllocationInfo(desc ResourceDesc) ResourceAllocationInfo
	CopyableFootprints(desc ResourceDesc, firstSubresource, numSubresources uint32, baseOffset uint64) CopyableFootprints

	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	DescriptorHandleIncrementSize(heapType DescriptorHeapType) uint32
	CreateShaderResourceView(resource Resource, desc *ShaderResourceViewDesc, dest CPUDescriptorHandle)
	CreateRenderTargetView(resource Resource, desc *RenderTargetViewDesc, dest CPUDescriptorHandle)

	// RemovedReason returns nil while the device is healthy, and the reason it was lost otherwise
	RemovedReason() error
}

type CommandQueue interface {
	ExecuteCommandLists(lists ...CommandList)
	// Signal sets fence to value once all previously submitted work on this queue has completed
	Signal(fence Fence, value uint64) error
	// Wait stalls this queue on the GPU until fence reaches value
	Wait(fence Fence, value uint64) error
	SetName(name string)
	Release()
}

type Fence interface {
	CompletedValue() uint64
	// SetEventOnCompletion signals event once the fence reaches value. If it already has, event is
	// signalled before the call returns.
	SetEventOnCompletion(value uint64, event Event) error
	Release()
}

// Event is an OS wait object that a Fence signals
type Event interface {
	Signal() error
}

type Heap interface {
	Desc() HeapDesc
	SetName(name string)
	Release()
}

type Resource interface {
	Desc() ResourceDesc
	// Map returns the CPU-visible bytes of a subresource. It fails for resources that live in
	// memory the CPU cannot see.
	Map(subresource uint32) ([]byte, error)
	Unmap(subresource uint32)
	GPUVirtualAddress() GPUVirtualAddress
	SetName(name string)
	Release()
}

type DescriptorHeap interface {
	Desc() DescriptorHeapDesc
	CPUDescriptorHandleForHeapStart() CPUDescriptorHandle
	// GPUDescriptorHandleForHeapStart is only meaningful for shader-visible heaps
	GPUDescriptorHandleForHeapStart() GPUDescriptorHandle
	Release()
}

type CommandAllocator interface {
	Reset() error
	Release()
}

type CommandList interface {
	Reset(allocator CommandAllocator) error
	Close() error
	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset uint64, numBytes uint64)
	CopyTextureRegion(dst TextureCopyLocation, dstX, dstY, dstZ uint32, src TextureCopyLocation)
	ResourceBarrier(resource Resource, before, after ResourceState)
	Release()
}
