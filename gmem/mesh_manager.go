package gmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/gmem/internal/arena"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

const defaultMeshHeapSize = 20_000_000

// MeshManagerCreateInfo configures a MeshManager. Zero fields use the defaults.
type MeshManagerCreateInfo struct {
	// HeapSize is the size of the default heap geometry is placed in. Defaults to 20 MB.
	HeapSize int
	// Name is used for the mesh heap. Defaults to "Mesh Manager Heap".
	Name string
}

// MeshHandle identifies a mesh within its MeshManager
type MeshHandle struct {
	handle arena.Handle
}

func (h MeshHandle) String() string {
	return fmt.Sprintf("mesh %d:%d", h.handle.Index, h.handle.Generation)
}

// Mesh is a vertex buffer and a 32-bit index buffer, with the views used to bind them
type Mesh struct {
	Name         string
	VertexBuffer *Resource
	IndexBuffer  *Resource
	NumVertices  int

	VertexBufferView driver.VertexBufferView
	IndexBufferView  driver.IndexBufferView
}

// MeshManager places geometry in a default heap
type MeshManager struct {
	logger *slog.Logger
	heap   *Heap
	meshes *arena.Arena[*Mesh]
	byName *swiss.Map[string, MeshHandle]
}

func NewMeshManager(allocator *Allocator, createInfo MeshManagerCreateInfo) (*MeshManager, error) {
	size := createInfo.HeapSize
	if size == 0 {
		size = defaultMeshHeapSize
	}
	name := createInfo.Name
	if name == "" {
		name = "Mesh Manager Heap"
	}

	heap, err := allocator.CreateDefaultHeap(size, name)
	if err != nil {
		return nil, err
	}

	return &MeshManager{
		logger: allocator.logger,
		heap:   heap,
		meshes: arena.New[*Mesh](16),
		byName: swiss.NewMap[string, MeshHandle](16),
	}, nil
}

// Heap returns the heap Upload places geometry in
func (m *MeshManager) Heap() *Heap { return m.heap }

// MeshCount returns the number of live meshes
func (m *MeshManager) MeshCount() int { return m.meshes.Len() }

// Add registers existing vertex and index buffers as a mesh. The manager takes ownership of both.
func (m *MeshManager) Add(name string, vertexBuffer, indexBuffer *Resource, vertexStride uint32, numVertices int) (MeshHandle, error) {
	if name != "" {
		if _, exists := m.byName.Get(name); exists {
			return MeshHandle{}, memutils.Precondition("a mesh named %q already exists", name)
		}
	}

	vertexAddress, err := vertexBuffer.GPUAddress()
	if err != nil {
		return MeshHandle{}, errors.Wrapf(err, "invalid vertex buffer for mesh %q", name)
	}
	indexAddress, err := indexBuffer.GPUAddress()
	if err != nil {
		return MeshHandle{}, errors.Wrapf(err, "invalid index buffer for mesh %q", name)
	}

	mesh := &Mesh{
		Name:         name,
		VertexBuffer: vertexBuffer,
		IndexBuffer:  indexBuffer,
		NumVertices:  numVertices,
		VertexBufferView: driver.VertexBufferView{
			BufferLocation: vertexAddress,
			SizeInBytes:    uint32(vertexBuffer.Size()),
			StrideInBytes:  vertexStride,
		},
		IndexBufferView: driver.IndexBufferView{
			BufferLocation: indexAddress,
			SizeInBytes:    uint32(indexBuffer.Size()),
			Format:         driver.FormatR32Uint,
		},
	}

	handle := MeshHandle{handle: m.meshes.Insert(mesh)}
	if name != "" {
		m.byName.Put(name, handle)
	}

	return handle, nil
}

// Upload places a vertex buffer and an index buffer in the heap and copies vertices and indices
// into them through uploader, in a single submission
func (m *MeshManager) Upload(uploader *UploadRingBuffer, dependentQueue *CommandQueue, name string, vertices []byte, indices []uint32, vertexStride uint32) (MeshHandle, error) {
	if len(vertices) == 0 || len(indices) == 0 {
		return MeshHandle{}, memutils.Precondition("mesh %q must have vertices and indices", name)
	}
	if vertexStride == 0 || len(vertices)%int(vertexStride) != 0 {
		return MeshHandle{}, memutils.Precondition("mesh %q has %d bytes of vertices, which is not a multiple of its stride %d", name, len(vertices), vertexStride)
	}
	if name != "" {
		if _, exists := m.byName.Get(name); exists {
			return MeshHandle{}, memutils.Precondition("a mesh named %q already exists", name)
		}
	}

	vertexSize := len(vertices)
	indexSize := len(indices) * 4
	indexOffset := memutils.AlignUp(vertexSize, 4)

	m.logger.Debug("MeshManager::Upload",
		slog.String("Name", name),
		slog.Int("VertexBytes", vertexSize),
		slog.Int("Indices", len(indices)),
	)

	vertexBuffer, err := m.heap.CreateResource(driver.BufferDesc(uint64(vertexSize)), driver.ResourceStateCommon, false)
	if err != nil {
		return MeshHandle{}, errors.Wrapf(err, "failed to place vertex buffer for mesh %q", name)
	}
	indexBuffer, err := m.heap.CreateResource(driver.BufferDesc(uint64(indexSize)), driver.ResourceStateCommon, false)
	if err != nil {
		_ = vertexBuffer.Destroy()
		return MeshHandle{}, errors.Wrapf(err, "failed to place index buffer for mesh %q", name)
	}
	if name != "" {
		vertexBuffer.SetName(name + " Vertices")
		indexBuffer.SetName(name + " Indices")
	}

	err = m.upload(uploader, dependentQueue, vertexBuffer, indexBuffer, indexOffset, vertices, indices)
	if err != nil {
		_ = vertexBuffer.Destroy()
		_ = indexBuffer.Destroy()
		return MeshHandle{}, errors.Wrapf(err, "failed to upload mesh %q", name)
	}

	return m.Add(name, vertexBuffer, indexBuffer, vertexStride, vertexSize/int(vertexStride))
}

func (m *MeshManager) upload(uploader *UploadRingBuffer, dependentQueue *CommandQueue, vertexBuffer, indexBuffer *Resource, indexOffset int, vertices []byte, indices []uint32) error {
	upload, err := uploader.Allocate(indexOffset + indexBuffer.Size())
	if err != nil {
		return err
	}

	staging, err := upload.SubResource.Resource()
	if err != nil {
		return err
	}
	vertexRange, err := staging.CreateSubResource(vertexBuffer.Size(), upload.SubResource.Offset)
	if err != nil {
		return err
	}
	indexRange, err := staging.CreateSubResource(indexBuffer.Size(), upload.SubResource.Offset+indexOffset)
	if err != nil {
		return err
	}

	err = vertexRange.CopyFrom(vertices)
	if err != nil {
		return err
	}
	err = CopySlice(indexRange, indices)
	if err != nil {
		return err
	}

	err = vertexRange.CopyToResource(upload.CommandList, vertexBuffer)
	if err != nil {
		return err
	}
	err = indexRange.CopyToResource(upload.CommandList, indexBuffer)
	if err != nil {
		return err
	}

	_, err = upload.Submit(dependentQueue)
	return err
}

// Buffers resolves a handle
func (m *MeshManager) Buffers(handle MeshHandle) (*Mesh, error) {
	mesh, ok := m.meshes.Get(handle.handle)
	if !ok {
		return nil, memutils.InvalidHandle("%s does not refer to a live mesh", handle)
	}

	return mesh, nil
}

// MeshByName returns the handle of the mesh added with name
func (m *MeshManager) MeshByName(name string) (MeshHandle, bool) {
	return m.byName.Get(name)
}

func destroyMesh(mesh *Mesh) error {
	return errors.CombineErrors(mesh.VertexBuffer.Destroy(), mesh.IndexBuffer.Destroy())
}

// Remove destroys the mesh's buffers. Their heap space is not reclaimed until Destroy.
func (m *MeshManager) Remove(handle MeshHandle) error {
	mesh, ok := m.meshes.Remove(handle.handle)
	if !ok {
		return memutils.InvalidHandle("%s does not refer to a live mesh", handle)
	}
	if mesh.Name != "" {
		m.byName.Delete(mesh.Name)
	}

	return destroyMesh(mesh)
}

// Destroy destroys every mesh and the mesh heap
func (m *MeshManager) Destroy() error {
	var err error
	m.meshes.Each(func(handle arena.Handle, mesh *Mesh) bool {
		if mesh.VertexBuffer.Native() != nil {
			err = errors.CombineErrors(err, mesh.VertexBuffer.Destroy())
		}
		if mesh.IndexBuffer.Native() != nil {
			err = errors.CombineErrors(err, mesh.IndexBuffer.Destroy())
		}
		return true
	})

	m.meshes = arena.New[*Mesh](0)
	m.byName = swiss.NewMap[string, MeshHandle](16)

	if m.heap != nil {
		err = errors.CombineErrors(err, m.heap.Destroy())
		m.heap = nil
	}
	return err
}
