package gmem

import (
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/memutils"
)

// DescriptorHeap hands out descriptor slots from a driver descriptor heap by bumping an index.
// Slots are never returned to the heap; DescriptorManager recycles them.
type DescriptorHeap struct {
	native        driver.DescriptorHeap
	heapType      driver.DescriptorHeapType
	capacity      uint32
	allocated     uint32
	stride        uint32
	shaderVisible bool
	cpuStart      driver.CPUDescriptorHandle
	gpuStart      driver.GPUDescriptorHandle
}

// NewDescriptorHeap creates a heap of capacity descriptors. Resource view and sampler heaps are
// shader-visible; render target and depth stencil heaps are not.
func NewDescriptorHeap(device driver.Device, heapType driver.DescriptorHeapType, capacity uint32) (*DescriptorHeap, error) {
	if capacity == 0 {
		return nil, memutils.Precondition("a %s descriptor heap must hold at least one descriptor", heapType)
	}

	flags := driver.DescriptorHeapFlagNone
	shaderVisible := heapType == driver.DescriptorHeapTypeCBVSRVUAV || heapType == driver.DescriptorHeapTypeSampler
	if shaderVisible {
		flags = driver.DescriptorHeapFlagShaderVisible
	}

	native, err := device.CreateDescriptorHeap(driver.DescriptorHeapDesc{
		Type:           heapType,
		NumDescriptors: capacity,
		Flags:          flags,
	})
	if err != nil {
		return nil, memutils.DeviceError(err, device.RemovedReason(), "failed to create %s descriptor heap with %d descriptors", heapType, capacity)
	}

	heap := &DescriptorHeap{
		native:        native,
		heapType:      heapType,
		capacity:      capacity,
		stride:        device.DescriptorHandleIncrementSize(heapType),
		shaderVisible: shaderVisible,
		cpuStart:      native.CPUDescriptorHandleForHeapStart(),
	}
	if shaderVisible {
		heap.gpuStart = native.GPUDescriptorHandleForHeapStart()
	}

	return heap, nil
}

// AllocateHandle claims the next unused slot
func (h *DescriptorHeap) AllocateHandle() (uint32, driver.CPUDescriptorHandle, error) {
	if h.allocated >= h.capacity {
		return 0, driver.CPUDescriptorHandle{}, memutils.Exhausted("%s descriptor heap is full: all %d descriptors are allocated", h.heapType, h.capacity)
	}

	index := h.allocated
	h.allocated++
	return index, h.cpuStart.Offset(index, h.stride), nil
}

func (h *DescriptorHeap) CPUHandle(index uint32) (driver.CPUDescriptorHandle, error) {
	if index >= h.allocated {
		return driver.CPUDescriptorHandle{}, memutils.InvalidHandle("descriptor %d has not been allocated from the %s heap, which has handed out %d", index, h.heapType, h.allocated)
	}

	return h.cpuStart.Offset(index, h.stride), nil
}

func (h *DescriptorHeap) GPUHandle(index uint32) (driver.GPUDescriptorHandle, error) {
	if !h.shaderVisible {
		return driver.GPUDescriptorHandle{}, memutils.Precondition("%s descriptor heaps are not shader-visible and have no GPU handles", h.heapType)
	}
	if index >= h.allocated {
		return driver.GPUDescriptorHandle{}, memutils.InvalidHandle("descriptor %d has not been allocated from the %s heap, which has handed out %d", index, h.heapType, h.allocated)
	}

	return h.gpuStart.Offset(index, h.stride), nil
}

func (h *DescriptorHeap) Type() driver.DescriptorHeapType { return h.heapType }

// Capacity returns the number of descriptors the heap holds
func (h *DescriptorHeap) Capacity() uint32 { return h.capacity }

// Allocated returns the number of slots handed out so far
func (h *DescriptorHeap) Allocated() uint32 { return h.allocated }

// Stride returns the distance in bytes between consecutive descriptors
func (h *DescriptorHeap) Stride() uint32 { return h.stride }

func (h *DescriptorHeap) ShaderVisible() bool { return h.shaderVisible }

func (h *DescriptorHeap) Native() driver.DescriptorHeap { return h.native }

func (h *DescriptorHeap) Release() {
	if h.native != nil {
		h.native.Release()
		h.native = nil
	}
}
