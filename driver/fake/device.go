// Package fake is a software driver.Device. Resources are byte slices, copies are real byte copies,
// and each command queue is a FIFO of submitted work that executes on a simulated GPU timeline.
//
// By default queued work executes as soon as nothing blocks it. With WithManualExecution, work only
// executes when Flush or FlushQueue is called, which lets tests observe the order in which queues
// make progress.
package fake

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/memutils"
)

var ErrDeviceRemoved = errors.New("DXGI_ERROR_DEVICE_REMOVED")

var descriptorIncrements = map[driver.DescriptorHeapType]uint32{
	driver.DescriptorHeapTypeCBVSRVUAV: 32,
	driver.DescriptorHeapTypeSampler:   32,
	driver.DescriptorHeapTypeRTV:       32,
	driver.DescriptorHeapTypeDSV:       8,
}

type Option func(d *Device)

// WithManualExecution stops queues from executing work until Flush or FlushQueue is called
func WithManualExecution() Option {
	return func(d *Device) {
		d.manual = true
	}
}

// ViewKind identifies which sort of view was written to a descriptor
type ViewKind uint32

const (
	ViewShaderResource ViewKind = iota + 1
	ViewRenderTarget
)

// View is the record of a view written to a descriptor
type View struct {
	Kind     ViewKind
	Resource driver.Resource
	Format   driver.Format
}

type Device struct {
	mu      sync.Mutex
	manual  bool
	removed error

	nextAddress      uint64
	nextCPUHandle    uintptr
	nextGPUHandle    uint64
	liveObjects      int
	queues           []*CommandQueue
	views            *swiss.Map[uintptr, View]
	failNextCreation error
}

var _ driver.Device = &Device{}

func NewDevice(options ...Option) *Device {
	d := &Device{
		nextAddress:   driver.DefaultResourcePlacementAlignment,
		nextCPUHandle: 0x1000,
		nextGPUHandle: 0x1000,
		views:         swiss.NewMap[uintptr, View](64),
	}

	for _, option := range options {
		option(d)
	}

	return d
}

// Remove simulates device loss. Every later call that can fail will fail, and RemovedReason
// returns reason.
func (d *Device) Remove(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removed = reason
}

// FailNextCreation makes the next Create* call fail with err without removing the device
func (d *Device) FailNextCreation(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failNextCreation = err
}

func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.removed
}

// LiveObjects returns the number of objects created by this device that have not been released
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.liveObjects
}

// View returns the view most recently written to the descriptor at handle
func (d *Device) View(handle driver.CPUDescriptorHandle) (View, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.views.Get(handle.Ptr)
}

// Flush executes queued work on every queue until no queue can make progress
func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runLocked(nil)
}

// FlushQueue executes queued work on a single queue until it is empty or blocked on a fence wait
func (d *Device) FlushQueue(queue driver.CommandQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runLocked(queue.(*CommandQueue))
}

// runLocked advances queues until none of them can make progress. If only is non-nil, no other
// queue is advanced.
func (d *Device) runLocked(only *CommandQueue) {
	for {
		progress := false
		for _, queue := range d.queues {
			if only != nil && queue != only {
				continue
			}
			if queue.stepLocked() {
				progress = true
			}
		}

		if !progress {
			return
		}
	}
}

func (d *Device) autoRunLocked() {
	if !d.manual {
		d.runLocked(nil)
	}
}

// checkCreateLocked returns the error a Create* call should fail with, if any
func (d *Device) checkCreateLocked() error {
	if d.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}

	if d.failNextCreation != nil {
		err := d.failNextCreation
		d.failNextCreation = nil
		return err
	}

	return nil
}

func (d *Device) allocateAddressLocked(size uint64) driver.GPUVirtualAddress {
	address := d.nextAddress
	d.nextAddress = uint64(memutils.AlignUp(int(address+size), driver.DefaultResourcePlacementAlignment))
	if d.nextAddress == address {
		d.nextAddress += driver.DefaultResourcePlacementAlignment
	}
	return driver.GPUVirtualAddress(address)
}

func (d *Device) releaseLocked(released *bool, kind string) {
	if *released {
		panic(errors.Newf("%s released twice", kind))
	}

	*released = true
	d.liveObjects--
}

func (d *Device) CreateCommandQueue(listType driver.CommandListType) (driver.CommandQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	queue := &CommandQueue{device: d, listType: listType}
	d.queues = append(d.queues, queue)
	d.liveObjects++
	return queue, nil
}

func (d *Device) CreateFence(initialValue uint64) (driver.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	d.liveObjects++
	return &Fence{device: d, value: initialValue}, nil
}

func (d *Device) CreateCommandAllocator(listType driver.CommandListType) (driver.CommandAllocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	d.liveObjects++
	return &CommandAllocator{device: d, listType: listType}, nil
}

func (d *Device) CreateCommandList(listType driver.CommandListType, allocator driver.CommandAllocator) (driver.CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	alloc := allocator.(*CommandAllocator)
	if alloc.listType != listType {
		return nil, errors.Newf("a %s command list cannot record into a %s allocator", listType, alloc.listType)
	}

	d.liveObjects++
	return &CommandList{device: d, listType: listType, allocator: alloc, recording: true}, nil
}

func (d *Device) CreateHeap(desc driver.HeapDesc) (driver.Heap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	if desc.SizeInBytes == 0 {
		return nil, errors.New("E_INVALIDARG: heap size must be greater than 0")
	}

	d.liveObjects++
	return &Heap{
		device:  d,
		desc:    desc,
		address: d.allocateAddressLocked(desc.SizeInBytes),
	}, nil
}

func (d *Device) ResourceAllocationInfo(desc driver.ResourceDesc) driver.ResourceAllocationInfo {
	alignment := desc.Alignment
	if alignment == 0 {
		alignment = driver.DefaultResourcePlacementAlignment
	}

	size := desc.Width
	if desc.Dimension != driver.ResourceDimensionBuffer {
		size = d.CopyableFootprints(desc, 0, desc.SubresourceCount(), 0).TotalBytes
	}

	return driver.ResourceAllocationInfo{
		SizeInBytes: uint64(memutils.AlignUp(int(size), uint(alignment))),
		Alignment:   alignment,
	}
}

func (d *Device) CopyableFootprints(desc driver.ResourceDesc, firstSubresource, numSubresources uint32, baseOffset uint64) driver.CopyableFootprints {
	var result driver.CopyableFootprints

	if desc.Dimension == driver.ResourceDimensionBuffer {
		result.Layouts = []driver.PlacedSubresourceFootprint{{
			Offset: baseOffset,
			Footprint: driver.SubresourceFootprint{
				Format:   driver.FormatUnknown,
				Width:    uint32(desc.Width),
				Height:   1,
				Depth:    1,
				RowPitch: uint32(memutils.AlignUp(int(desc.Width), driver.TextureDataPitchAlignment)),
			},
		}}
		result.NumRows = []uint32{1}
		result.RowSizes = []uint64{desc.Width}
		result.TotalBytes = desc.Width
		return result
	}

	if numSubresources == 0 {
		return result
	}

	mips := uint32(desc.MipLevels)
	if mips == 0 {
		mips = 1
	}
	bytesPerTexel := desc.Format.BytesPerTexel()

	offset := baseOffset
	var end uint64
	for subresource := firstSubresource; subresource < firstSubresource+numSubresources; subresource++ {
		mip := subresource % mips
		width := max(uint32(desc.Width>>mip), 1)
		height := max(desc.Height>>mip, 1)
		depth := uint32(1)
		if desc.Dimension == driver.ResourceDimensionTexture3D {
			depth = max(uint32(desc.DepthOrArraySize)>>mip, 1)
		}

		rowSize := uint64(width) * uint64(bytesPerTexel)
		rowPitch := uint64(memutils.AlignUp(int(rowSize), driver.TextureDataPitchAlignment))

		offset = uint64(memutils.AlignUp(int(offset), driver.TextureDataPlacementAlignment))
		result.Layouts = append(result.Layouts, driver.PlacedSubresourceFootprint{
			Offset: offset,
			Footprint: driver.SubresourceFootprint{
				Format:   desc.Format,
				Width:    width,
				Height:   height,
				Depth:    depth,
				RowPitch: uint32(rowPitch),
			},
		})
		result.NumRows = append(result.NumRows, height)
		result.RowSizes = append(result.RowSizes, rowSize)

		rows := uint64(height) * uint64(depth)
		// The last row of a subresource only needs its own bytes, not a full pitch
		end = offset + (rows-1)*rowPitch + rowSize
		offset += rows * rowPitch
	}

	result.TotalBytes = end - baseOffset
	return result
}

func (d *Device) newResourceLocked(desc driver.ResourceDesc, heapType driver.HeapType, address driver.GPUVirtualAddress) *Resource {
	size := desc.Width
	if desc.Dimension != driver.ResourceDimensionBuffer {
		size = d.CopyableFootprints(desc, 0, desc.SubresourceCount(), 0).TotalBytes
	}

	d.liveObjects++
	return &Resource{
		device:   d,
		desc:     desc,
		heapType: heapType,
		address:  address,
		data:     make([]byte, size),
	}
}

func (d *Device) CreatePlacedResource(heap driver.Heap, offset uint64, desc driver.ResourceDesc, initialState driver.ResourceState) (driver.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	h := heap.(*Heap)
	if h.released {
		return nil, errors.New("E_INVALIDARG: heap has been released")
	}

	info := d.ResourceAllocationInfo(desc)
	if offset%info.Alignment != 0 {
		return nil, errors.Newf("E_INVALIDARG: offset %d is not aligned to %d", offset, info.Alignment)
	}
	if offset+info.SizeInBytes > h.desc.SizeInBytes {
		return nil, errors.Newf("E_INVALIDARG: resource at offset %d with size %d does not fit in a heap of %d bytes", offset, info.SizeInBytes, h.desc.SizeInBytes)
	}

	return d.newResourceLocked(desc, h.desc.Type, h.address+driver.GPUVirtualAddress(offset)), nil
}

func (d *Device) CreateCommittedResource(heapType driver.HeapType, desc driver.ResourceDesc, initialState driver.ResourceState) (driver.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	info := d.ResourceAllocationInfo(desc)
	return d.newResourceLocked(desc, heapType, d.allocateAddressLocked(info.SizeInBytes)), nil
}

func (d *Device) CreateDescriptorHeap(desc driver.DescriptorHeapDesc) (driver.DescriptorHeap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkCreateLocked(); err != nil {
		return nil, err
	}

	if desc.NumDescriptors == 0 {
		return nil, errors.New("E_INVALIDARG: descriptor heap must hold at least one descriptor")
	}

	span := uint64(desc.NumDescriptors) * uint64(descriptorIncrements[desc.Type])
	heap := &DescriptorHeap{
		device:   d,
		desc:     desc,
		cpuStart: driver.CPUDescriptorHandle{Ptr: d.nextCPUHandle},
	}
	d.nextCPUHandle += uintptr(span) + 0x1000

	if desc.Flags&driver.DescriptorHeapFlagShaderVisible != 0 {
		heap.gpuStart = driver.GPUDescriptorHandle{Ptr: d.nextGPUHandle}
		d.nextGPUHandle += span + 0x1000
	}

	d.liveObjects++
	return heap, nil
}

func (d *Device) DescriptorHandleIncrementSize(heapType driver.DescriptorHeapType) uint32 {
	return descriptorIncrements[heapType]
}

func (d *Device) CreateShaderResourceView(resource driver.Resource, desc *driver.ShaderResourceViewDesc, dest driver.CPUDescriptorHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	format := resource.Desc().Format
	if desc != nil {
		format = desc.Format
	}
	d.views.Put(dest.Ptr, View{Kind: ViewShaderResource, Resource: resource, Format: format})
}

func (d *Device) CreateRenderTargetView(resource driver.Resource, desc *driver.RenderTargetViewDesc, dest driver.CPUDescriptorHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	format := resource.Desc().Format
	if desc != nil {
		format = desc.Format
	}
	d.views.Put(dest.Ptr, View{Kind: ViewRenderTarget, Resource: resource, Format: format})
}
