package gmem

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/gmem/internal/arena"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

const (
	defaultAllocatorName           = "gpustage"
	defaultInitialResourceCapacity = 256
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Name prefixes the debug names given to every driver object created through this allocator.
	// Defaults to "gpustage".
	Name string
	// InitialResourceCapacity sizes the resource registry up front. It grows as needed.
	InitialResourceCapacity int
}

// Allocator creates heaps and committed resources against a driver.Device and owns the registry
// that resolves ResourceID values. It is not safe for concurrent use: every object created from it
// is expected to be used from the render loop's thread.
type Allocator struct {
	logger *slog.Logger
	device driver.Device
	name   string

	nameCounter int
	resources   *arena.Arena[*Resource]
	heaps       []*Heap
}

// New creates a new Allocator
//
// logger - Receives debug traces and leak reports. A nil logger discards output.
//
// device - The device that heaps and resources will be created on
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device driver.Device, options CreateOptions) *Allocator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	name := options.Name
	if name == "" {
		name = defaultAllocatorName
	}

	capacity := options.InitialResourceCapacity
	if capacity <= 0 {
		capacity = defaultInitialResourceCapacity
	}

	return &Allocator{
		logger:    logger,
		device:    device,
		name:      name,
		resources: arena.New[*Resource](capacity),
	}
}

// Device returns the device this allocator creates objects on
func (a *Allocator) Device() driver.Device {
	return a.device
}

// Logger returns the logger this allocator and everything created from it write to
func (a *Allocator) Logger() *slog.Logger {
	return a.logger
}

// objectName returns a unique debug name for a driver object. Names count up per allocator.
func (a *Allocator) objectName(kind string, requested string) string {
	a.nameCounter++
	if requested != "" {
		return fmt.Sprintf("%s %s", a.name, requested)
	}
	return fmt.Sprintf("%s %s %d", a.name, kind, a.nameCounter)
}

func (a *Allocator) deviceError(err error, format string, args ...any) error {
	return memutils.DeviceError(err, a.device.RemovedReason(), format, args...)
}

// CreateCommittedResource creates a resource in its own implicit heap of the requested type. If
// mapped is true, the resource's bytes are mapped for CPU writes until it is destroyed.
func (a *Allocator) CreateCommittedResource(heapType driver.HeapType, desc driver.ResourceDesc, initialState driver.ResourceState, mapped bool) (*Resource, error) {
	a.logger.Debug("Allocator::CreateCommittedResource",
		slog.String("HeapType", heapType.String()),
		slog.String("Size", units.BytesSize(float64(desc.Width))),
		slog.Bool("Mapped", mapped),
	)

	if mapped && !heapType.CPUVisible() {
		return nil, memutils.Precondition("a resource in a %s heap cannot be mapped", heapType)
	}

	info := a.device.ResourceAllocationInfo(desc)
	return a.createResource(desc, info, mapped, "Committed Resource", func() (driver.Resource, error) {
		return a.device.CreateCommittedResource(heapType, desc, initialState)
	})
}

// createResource runs create and wraps the result in a registered Resource. If mapping fails, the
// native resource is released before returning.
func (a *Allocator) createResource(desc driver.ResourceDesc, info driver.ResourceAllocationInfo, mapped bool, kind string, create func() (driver.Resource, error)) (resource *Resource, err error) {
	native, err := create()
	if err != nil {
		return nil, a.deviceError(err, "failed to create %s", kind)
	}

	guard := mappingGuard{native: native}
	defer func() {
		if err != nil {
			guard.release()
		}
	}()

	if mapped {
		err = guard.mapData()
		if err != nil {
			return nil, a.deviceError(err, "failed to map %s", kind)
		}
	}

	size := int(desc.Width)
	if desc.Dimension != driver.ResourceDimensionBuffer {
		size = int(info.SizeInBytes)
	}

	name := a.objectName(kind, "")
	native.SetName(name)

	resource = &Resource{
		allocator: a,
		guard:     guard,
		desc:      desc,
		size:      size,
		name:      name,
	}
	resource.id = ResourceID{handle: a.resources.Insert(resource)}

	return resource, nil
}

// Resource resolves a ResourceID to the live Resource it identifies
func (a *Allocator) Resource(id ResourceID) (*Resource, error) {
	resource, ok := a.resources.Get(id.handle)
	if !ok {
		return nil, memutils.InvalidHandle("resource %s does not refer to a live resource", id)
	}

	return resource, nil
}

// ResourceCount returns the number of live resources created through this allocator
func (a *Allocator) ResourceCount() int {
	return a.resources.Len()
}

// CreateHeap creates a heap that places resources at monotonically increasing offsets
func (a *Allocator) CreateHeap(createInfo HeapCreateInfo) (*Heap, error) {
	a.logger.Debug("Allocator::CreateHeap",
		slog.String("HeapType", createInfo.Type.String()),
		slog.String("Size", units.BytesSize(float64(createInfo.Size))),
		slog.String("Name", createInfo.Name),
	)

	if createInfo.Size <= 0 {
		return nil, memutils.Precondition("heap size must be greater than 0, was %d", createInfo.Size)
	}

	alignment := createInfo.Alignment
	if alignment == 0 {
		alignment = driver.DefaultResourcePlacementAlignment
	}
	err := memutils.CheckPow2(alignment, "HeapCreateInfo.Alignment")
	if err != nil {
		return nil, errors.Mark(err, memutils.PreconditionViolatedError)
	}

	native, err := a.device.CreateHeap(driver.HeapDesc{
		SizeInBytes: uint64(createInfo.Size),
		Type:        createInfo.Type,
		Alignment:   uint64(alignment),
	})
	if err != nil {
		return nil, a.deviceError(err, "failed to create %s heap of %s", createInfo.Type, units.BytesSize(float64(createInfo.Size)))
	}

	name := a.objectName("Heap", createInfo.Name)
	native.SetName(name)

	heap := newHeap(a, native, createInfo.Type, createInfo.Size, name)
	a.heaps = append(a.heaps, heap)
	return heap, nil
}

// CreateUploadHeap creates a CPU-visible heap for staging data
func (a *Allocator) CreateUploadHeap(size int, name string) (*Heap, error) {
	return a.CreateHeap(HeapCreateInfo{Size: size, Type: driver.HeapTypeUpload, Name: name})
}

// CreateDefaultHeap creates a GPU-local heap
func (a *Allocator) CreateDefaultHeap(size int, name string) (*Heap, error) {
	return a.CreateHeap(HeapCreateInfo{Size: size, Type: driver.HeapTypeDefault, Name: name})
}

func (a *Allocator) forgetHeap(heap *Heap) {
	for index, h := range a.heaps {
		if h == heap {
			a.heaps = append(a.heaps[:index], a.heaps[index+1:]...)
			return
		}
	}
}

// CalculateStatistics sums the usage of every live heap, plus one block per committed resource
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	for _, heap := range a.heaps {
		heap.metadata.AddDetailedStatistics(stats)
	}

	a.resources.Each(func(handle arena.Handle, resource *Resource) bool {
		if resource.heap == nil {
			stats.BlockCount++
			stats.BlockBytes += resource.size
			stats.AddAllocation(resource.size, 0)
		}
		return true
	})
}

// BuildStatsString returns a json document summarizing this allocator's usage. If detailedMap is
// true, every heap's placed resources are listed.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	totalObj := obj.Name("Total").Object()
	stats.Statistics.WriteJson(&totalObj)
	totalObj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	totalObj.End()

	obj.Name("Heaps").Int(len(a.heaps))
	obj.Name("Resources").Int(a.resources.Len())

	if detailedMap {
		heapsObj := obj.Name("DetailedMap").Object()
		for _, heap := range a.heaps {
			heapObj := heapsObj.Name(heap.name).Object()
			heap.writeDetailedMap(&heapObj)
			heapObj.End()
		}
		heapsObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}

// Destroy reports every resource that is still alive and fails if there are any. Heaps and
// resources must be destroyed by their owners before the allocator is discarded.
func (a *Allocator) Destroy() error {
	if a.resources.Len() == 0 && len(a.heaps) == 0 {
		return nil
	}

	a.resources.Each(func(handle arena.Handle, resource *Resource) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] resource was not destroyed",
			slog.String("name", resource.name),
			slog.Int("size", resource.size),
		)
		return true
	})
	for _, heap := range a.heaps {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] heap was not destroyed",
			slog.String("name", heap.name),
			slog.Int("size", heap.size),
		)
	}

	return errors.Newf("%d resources and %d heaps were not destroyed before the allocator", a.resources.Len(), len(a.heaps))
}
