package fake

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpustage/driver"
)

type Heap struct {
	device   *Device
	desc     driver.HeapDesc
	address  driver.GPUVirtualAddress
	name     string
	released bool
}

var _ driver.Heap = &Heap{}

func (h *Heap) Desc() driver.HeapDesc { return h.desc }

// Name returns the name most recently passed to SetName
func (h *Heap) Name() string {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()

	return h.name
}

func (h *Heap) SetName(name string) {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()

	h.name = name
}

func (h *Heap) Release() {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()

	h.device.releaseLocked(&h.released, "heap")
}

// Resource is a buffer or texture whose contents live in an ordinary byte slice. Textures are laid
// out as if every subresource had been copied to a buffer with Device.CopyableFootprints.
type Resource struct {
	device   *Device
	desc     driver.ResourceDesc
	heapType driver.HeapType
	address  driver.GPUVirtualAddress
	data     []byte
	name     string
	mapCount int
	released bool
}

var _ driver.Resource = &Resource{}

func (r *Resource) Desc() driver.ResourceDesc { return r.desc }

func (r *Resource) GPUVirtualAddress() driver.GPUVirtualAddress { return r.address }

// Contents returns a copy of the resource's bytes, whether or not the CPU could map them
func (r *Resource) Contents() []byte {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	return append([]byte(nil), r.data...)
}

// MapCount returns the number of Map calls that have not been matched by Unmap
func (r *Resource) MapCount() int {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	return r.mapCount
}

// Released returns true once Release has been called
func (r *Resource) Released() bool {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	return r.released
}

// Name returns the name most recently passed to SetName
func (r *Resource) Name() string {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	return r.name
}

func (r *Resource) Map(subresource uint32) ([]byte, error) {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	if r.device.removed != nil {
		return nil, errors.WithStack(ErrDeviceRemoved)
	}
	if r.released {
		return nil, errors.New("E_INVALIDARG: resource has been released")
	}
	if !r.heapType.CPUVisible() {
		return nil, errors.Newf("E_INVALIDARG: resources in %s heaps cannot be mapped", r.heapType)
	}
	if subresource != 0 {
		return nil, errors.Newf("E_INVALIDARG: only subresource 0 can be mapped, not %d", subresource)
	}

	r.mapCount++
	return r.data, nil
}

func (r *Resource) Unmap(subresource uint32) {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	if r.mapCount == 0 {
		panic(errors.Newf("resource %q unmapped more times than it was mapped", r.name))
	}
	r.mapCount--
}

func (r *Resource) SetName(name string) {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	r.name = name
}

func (r *Resource) Release() {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()

	r.device.releaseLocked(&r.released, "resource")
}

type DescriptorHeap struct {
	device   *Device
	desc     driver.DescriptorHeapDesc
	cpuStart driver.CPUDescriptorHandle
	gpuStart driver.GPUDescriptorHandle
	released bool
}

var _ driver.DescriptorHeap = &DescriptorHeap{}

func (h *DescriptorHeap) Desc() driver.DescriptorHeapDesc { return h.desc }

func (h *DescriptorHeap) CPUDescriptorHandleForHeapStart() driver.CPUDescriptorHandle {
	return h.cpuStart
}

func (h *DescriptorHeap) GPUDescriptorHandleForHeapStart() driver.GPUDescriptorHandle {
	return h.gpuStart
}

func (h *DescriptorHeap) Release() {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()

	h.device.releaseLocked(&h.released, "descriptor heap")
}
