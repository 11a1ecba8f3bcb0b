package gmem

import (
	"fmt"
	"unsafe"

	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/gmem/internal/arena"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

// ResourceID identifies a Resource within the Allocator that created it. An ID outlives its
// resource: once the resource is destroyed, resolving the ID fails with memutils.InvalidHandleError.
type ResourceID struct {
	handle arena.Handle
}

func (id ResourceID) String() string {
	return fmt.Sprintf("%d:%d", id.handle.Index, id.handle.Generation)
}

// Valid returns false for the zero ResourceID
func (id ResourceID) Valid() bool {
	return id.handle.Valid()
}

// mappingGuard owns a native resource and its optional persistent CPU mapping. release always
// unmaps before it releases the native resource.
type mappingGuard struct {
	native driver.Resource
	data   []byte
}

func (g *mappingGuard) mapData() error {
	data, err := g.native.Map(0)
	if err != nil {
		return err
	}

	g.data = data
	return nil
}

func (g *mappingGuard) release() {
	if g.native == nil {
		return
	}

	defer func() {
		g.native.Release()
		g.native = nil
	}()

	if g.data != nil {
		g.native.Unmap(0)
		g.data = nil
	}
}

// ByteCopier is implemented by Resource and SubResource
type ByteCopier interface {
	CopyFrom(data []byte) error
}

// Resource is a buffer or texture, either placed in a Heap or committed in its own implicit heap.
// A Resource created with mapped set keeps its CPU mapping until Destroy.
type Resource struct {
	allocator *Allocator
	id        ResourceID
	guard     mappingGuard
	desc      driver.ResourceDesc
	size      int
	name      string

	heap       *Heap
	heapOffset int
}

// ID returns the handle that SubResource values use to find this resource
func (r *Resource) ID() ResourceID { return r.id }

// Size returns the resource's size in bytes. For buffers this is the requested width, for textures
// it is the size the device reported for the whole resource.
func (r *Resource) Size() int { return r.size }

func (r *Resource) Desc() driver.ResourceDesc { return r.desc }

// Native returns the driver resource, or nil once the resource has been destroyed
func (r *Resource) Native() driver.Resource { return r.guard.native }

// Mapped returns true if the resource has a CPU mapping
func (r *Resource) Mapped() bool { return r.guard.data != nil }

// Heap returns the heap this resource is placed in and its offset, or nil for committed resources
func (r *Resource) Heap() (*Heap, int) { return r.heap, r.heapOffset }

func (r *Resource) Name() string { return r.name }

// SetName renames the resource and its native object
func (r *Resource) SetName(name string) {
	r.name = name
	if r.guard.native != nil {
		r.guard.native.SetName(name)
	}
}

func (r *Resource) checkAlive() error {
	if r.guard.native == nil {
		return memutils.InvalidHandle("resource %q has been destroyed", r.name)
	}
	return nil
}

// GPUAddress returns the GPU virtual address of the first byte of the resource
func (r *Resource) GPUAddress() (driver.GPUVirtualAddress, error) {
	if err := r.checkAlive(); err != nil {
		return 0, err
	}

	return r.guard.native.GPUVirtualAddress(), nil
}

func (r *Resource) copyTo(offset int, data []byte) error {
	if err := r.checkAlive(); err != nil {
		return err
	}
	if r.guard.data == nil {
		return memutils.Precondition("resource %q is not mapped", r.name)
	}
	if offset < 0 || offset+len(data) > r.size {
		return memutils.Precondition("cannot copy %d bytes to offset %d of resource %q, which is %d bytes", len(data), offset, r.name, r.size)
	}

	copy(r.guard.data[offset:offset+len(data)], data)
	return nil
}

// CopyFrom writes data to the start of the mapped resource
func (r *Resource) CopyFrom(data []byte) error {
	return r.copyTo(0, data)
}

// CopySlice writes the raw bytes of src to dst
func CopySlice[T any](dst ByteCopier, src []T) error {
	if len(src) == 0 {
		return dst.CopyFrom(nil)
	}

	var zero T
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(src))), len(src)*int(unsafe.Sizeof(zero)))
	return dst.CopyFrom(data)
}

// CreateSubResource returns a view of size bytes of this resource, starting at offset
func (r *Resource) CreateSubResource(size, offset int) (SubResource, error) {
	if err := r.checkAlive(); err != nil {
		return SubResource{}, err
	}
	if size < 0 || offset < 0 || offset+size > r.size {
		return SubResource{}, memutils.Precondition("a sub-resource of %d bytes at offset %d does not fit in resource %q, which is %d bytes", size, offset, r.name, r.size)
	}

	return SubResource{
		ID:       r.id,
		Offset:   offset,
		Size:     size,
		registry: r.allocator,
	}, nil
}

// Destroy unmaps the resource if it is mapped, then releases it. A placed resource's heap space is
// not reclaimed until the heap is destroyed.
func (r *Resource) Destroy() error {
	if err := r.checkAlive(); err != nil {
		return err
	}

	r.allocator.logger.Debug("Resource::Destroy", slog.String("Name", r.name))
	r.allocator.resources.Remove(r.id.handle)
	r.guard.release()
	return nil
}

// SubResource is a byte range of a Resource. It does not keep the resource alive: once the resource
// is destroyed, every operation fails with memutils.InvalidHandleError.
type SubResource struct {
	ID     ResourceID
	Offset int
	Size   int

	registry *Allocator
}

// Resource resolves the resource this range belongs to
func (s SubResource) Resource() (*Resource, error) {
	if s.registry == nil {
		return nil, memutils.InvalidHandle("sub-resource was not created by a resource")
	}

	return s.registry.Resource(s.ID)
}

// CopyFrom writes data to the start of the range
func (s SubResource) CopyFrom(data []byte) error {
	return s.CopyToOffsetFrom(0, data)
}

// CopyToOffsetFrom writes data at offset bytes into the range
func (s SubResource) CopyToOffsetFrom(offset int, data []byte) error {
	resource, err := s.Resource()
	if err != nil {
		return err
	}

	if offset < 0 || offset+len(data) > s.Size {
		return memutils.Precondition("cannot copy %d bytes to offset %d of a %d byte sub-resource", len(data), offset, s.Size)
	}

	return resource.copyTo(s.Offset+offset, data)
}

// CopyToResource records a GPU copy of this whole range to the start of dst
func (s SubResource) CopyToResource(list driver.CommandList, dst *Resource) error {
	src, err := s.Resource()
	if err != nil {
		return err
	}
	if err := dst.checkAlive(); err != nil {
		return err
	}
	if dst.size < s.Size {
		return memutils.Precondition("cannot copy %d bytes into resource %q, which is %d bytes", s.Size, dst.name, dst.size)
	}

	list.CopyBufferRegion(dst.guard.native, 0, src.guard.native, uint64(s.Offset), uint64(s.Size))
	return nil
}

// CopyToSubResource records a GPU copy of this whole range to the start of dst
func (s SubResource) CopyToSubResource(list driver.CommandList, dst SubResource) error {
	src, err := s.Resource()
	if err != nil {
		return err
	}
	dstResource, err := dst.Resource()
	if err != nil {
		return err
	}
	if dst.Size < s.Size {
		return memutils.Precondition("cannot copy %d bytes into a %d byte sub-resource", s.Size, dst.Size)
	}

	list.CopyBufferRegion(dstResource.guard.native, uint64(dst.Offset), src.guard.native, uint64(s.Offset), uint64(s.Size))
	return nil
}
