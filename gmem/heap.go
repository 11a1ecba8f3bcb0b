package gmem

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/memutils"
	"github.com/vkngwrapper/gpustage/memutils/metadata"
	"golang.org/x/exp/slog"
)

// HeapCreateInfo describes a heap to create with Allocator.CreateHeap
type HeapCreateInfo struct {
	// Size is the capacity of the heap in bytes
	Size int
	// Type determines whether the heap is GPU-local or CPU-visible
	Type driver.HeapType
	// Alignment is the heap's base alignment. Defaults to driver.DefaultResourcePlacementAlignment.
	Alignment int
	// Name is used as the heap's debug name. A numbered name is generated if it is empty.
	Name string
}

// Heap places resources at monotonically increasing offsets inside one block of device memory.
// Resources cannot be freed individually; Destroy releases every resource and then the heap.
type Heap struct {
	allocator *Allocator
	native    driver.Heap
	heapType  driver.HeapType
	size      int
	name      string

	metadata  *metadata.ArenaBlockMetadata
	resources []*Resource
}

func newHeap(allocator *Allocator, native driver.Heap, heapType driver.HeapType, size int, name string) *Heap {
	md := metadata.NewArenaBlockMetadata()
	md.Init(size)

	return &Heap{
		allocator: allocator,
		native:    native,
		heapType:  heapType,
		size:      size,
		name:      name,
		metadata:  md,
	}
}

func (h *Heap) Name() string { return h.name }

func (h *Heap) Type() driver.HeapType { return h.heapType }

// Size returns the heap's capacity in bytes
func (h *Heap) Size() int { return h.size }

// Offset returns the first byte that has not been handed to a resource
func (h *Heap) Offset() int { return h.metadata.Cursor() }

// FreeBytes returns the number of bytes past the current offset
func (h *Heap) FreeBytes() int { return h.metadata.SumFreeSize() }

// Native returns the driver heap, or nil once the heap has been destroyed
func (h *Heap) Native() driver.Heap { return h.native }

// CreateResource places a resource at the heap's current offset, aligned as the device requires.
// If mapped is true, the resource is mapped for CPU writes until it is destroyed, which requires a
// CPU-visible heap.
func (h *Heap) CreateResource(desc driver.ResourceDesc, initialState driver.ResourceState, mapped bool) (*Resource, error) {
	h.allocator.logger.Debug("Heap::CreateResource",
		slog.String("Heap", h.name),
		slog.Int("Width", int(desc.Width)),
		slog.Bool("Mapped", mapped),
	)

	if h.native == nil {
		return nil, memutils.InvalidHandle("heap %q has been destroyed", h.name)
	}
	if mapped && !h.heapType.CPUVisible() {
		return nil, memutils.Precondition("resources in %s heap %q cannot be mapped", h.heapType, h.name)
	}

	info := h.allocator.device.ResourceAllocationInfo(desc)
	success, request, err := h.metadata.CreateAllocationRequest(int(info.SizeInBytes), uint(info.Alignment))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid placement in heap %q", h.name), memutils.PreconditionViolatedError)
	}
	if !success {
		return nil, memutils.Exhausted("heap %q cannot place %s aligned to %d: %s of %s remain past offset %d",
			h.name,
			units.BytesSize(float64(info.SizeInBytes)),
			info.Alignment,
			units.BytesSize(float64(h.metadata.SumFreeSize())),
			units.BytesSize(float64(h.size)),
			h.metadata.Cursor(),
		)
	}

	resource, err := h.allocator.createResource(desc, info, mapped, "Placed Resource", func() (driver.Resource, error) {
		return h.allocator.device.CreatePlacedResource(h.native, uint64(request.Offset), desc, initialState)
	})
	if err != nil {
		return nil, err
	}

	err = h.metadata.Alloc(request, resource)
	if err != nil {
		_ = resource.Destroy()
		return nil, errors.Wrapf(err, "failed to commit placement in heap %q", h.name)
	}

	resource.heap = h
	resource.heapOffset = request.Offset
	h.resources = append(h.resources, resource)

	memutils.DebugValidate(h)
	return resource, nil
}

// Validate checks that every placed resource lies inside the heap without overlapping another
func (h *Heap) Validate() error {
	if h.metadata.AllocationCount() != len(h.resources) {
		return errors.Newf("heap %q tracks %d resources, but its metadata has %d placements", h.name, len(h.resources), h.metadata.AllocationCount())
	}

	return h.metadata.Validate()
}

// Statistics sums this heap's usage
func (h *Heap) Statistics(stats *memutils.Statistics) {
	h.metadata.AddStatistics(stats)
}

func (h *Heap) writeDetailedMap(json *jwriter.ObjectState) {
	json.Name("Type").String(h.heapType.String())
	h.metadata.BlockJsonData(*json)

	arrayState := json.Name("Resources").Array()
	defer arrayState.End()

	_ = h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		resource := userData.(*Resource)
		obj.Name("Type").String("RESOURCE")
		obj.Name("Name").String(resource.name)
		obj.Name("Alive").Bool(resource.guard.native != nil)
		return nil
	})
}

// PrintDetailedMap writes a json object describing every placement in the heap
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	h.writeDetailedMap(&obj)
}

// Destroy destroys every resource still placed in the heap, then releases the heap
func (h *Heap) Destroy() error {
	if h.native == nil {
		return memutils.InvalidHandle("heap %q has already been destroyed", h.name)
	}

	h.allocator.logger.Debug("Heap::Destroy", slog.String("Name", h.name), slog.Int("Resources", len(h.resources)))

	var err error
	for _, resource := range h.resources {
		if resource.guard.native == nil {
			continue
		}

		err = errors.CombineErrors(err, resource.Destroy())
	}
	if err != nil {
		h.allocator.logger.LogAttrs(context.Background(), slog.LevelError, "error while destroying placed resources",
			slog.String("heap", h.name),
			slog.Any("error", err),
		)
	}

	h.resources = nil
	h.metadata.Clear()
	h.native.Release()
	h.native = nil
	h.allocator.forgetHeap(h)

	return err
}
