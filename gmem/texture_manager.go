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

const (
	// Room for a hundred 4K RGBA8 textures
	defaultTextureHeapSize = 2160 * 3840 * 4 * 100
	maxTextureSubresources = 10
)

// TextureManagerCreateInfo configures a TextureManager. Zero fields use the defaults.
type TextureManagerCreateInfo struct {
	// HeapSize is the size of the default heap textures are placed in. Defaults to enough room for
	// a hundred 3840x2160 RGBA8 textures.
	HeapSize int
	// Name is used for the texture heap. Defaults to "Texture Manager Heap".
	Name string
}

// TextureCreateInfo describes a texture to create and upload with TextureManager.CreateTexture
type TextureCreateInfo struct {
	// Name must be unique within the TextureManager if it is not empty
	Name      string
	Dimension driver.ResourceDimension
	Format    driver.Format
	Width     uint64
	// Height is ignored for 1D textures
	Height uint32
	// DepthOrArraySize is the depth of a 3D texture or the array size of a 1D or 2D texture.
	// Defaults to 1.
	DepthOrArraySize uint16
	// MipLevels defaults to 1
	MipLevels uint16
	Flags     driver.ResourceFlags
}

// TextureHandle identifies a texture within its TextureManager
type TextureHandle struct {
	handle arena.Handle
}

func (h TextureHandle) String() string {
	return fmt.Sprintf("texture %d:%d", h.handle.Index, h.handle.Generation)
}

// Texture is a texture placed in a TextureManager's heap, with its lazily created views
type Texture struct {
	Name     string
	Desc     driver.ResourceDesc
	Resource *Resource

	srv    DescriptorHandle
	hasSRV bool
	rtv    DescriptorHandle
	hasRTV bool
}

// TextureManager places textures in a default heap and uploads their contents through an
// UploadRingBuffer. Textures live until ReleaseTexture or Destroy; heap space is not reclaimed
// before Destroy.
type TextureManager struct {
	logger      *slog.Logger
	allocator   *Allocator
	descriptors *DescriptorManager

	heap     *Heap
	textures *arena.Arena[*Texture]
	byName   *swiss.Map[string, TextureHandle]
}

// NewTextureManager creates the texture heap. Views are allocated from descriptors.
func NewTextureManager(allocator *Allocator, descriptors *DescriptorManager, createInfo TextureManagerCreateInfo) (*TextureManager, error) {
	size := createInfo.HeapSize
	if size == 0 {
		size = defaultTextureHeapSize
	}
	name := createInfo.Name
	if name == "" {
		name = "Texture Manager Heap"
	}

	heap, err := allocator.CreateDefaultHeap(size, name)
	if err != nil {
		return nil, err
	}

	return &TextureManager{
		logger:      allocator.logger,
		allocator:   allocator,
		descriptors: descriptors,
		heap:        heap,
		textures:    arena.New[*Texture](16),
		byName:      swiss.NewMap[string, TextureHandle](16),
	}, nil
}

// Heap returns the heap textures are placed in
func (m *TextureManager) Heap() *Heap { return m.heap }

// TextureCount returns the number of live textures
func (m *TextureManager) TextureCount() int { return m.textures.Len() }

func textureDesc(createInfo TextureCreateInfo) (driver.ResourceDesc, error) {
	desc := driver.ResourceDesc{
		Dimension:        createInfo.Dimension,
		Width:            createInfo.Width,
		Height:           createInfo.Height,
		DepthOrArraySize: createInfo.DepthOrArraySize,
		MipLevels:        createInfo.MipLevels,
		Format:           createInfo.Format,
		Flags:            createInfo.Flags,
	}

	switch desc.Dimension {
	case driver.ResourceDimensionTexture1D:
		desc.Height = 1
	case driver.ResourceDimensionTexture2D, driver.ResourceDimensionTexture3D:
	default:
		return desc, memutils.Precondition("%d is not a texture dimension", desc.Dimension)
	}

	if desc.DepthOrArraySize == 0 {
		desc.DepthOrArraySize = 1
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if desc.Width == 0 || desc.Height == 0 {
		return desc, memutils.Precondition("texture %q must not be empty, was %dx%d", createInfo.Name, desc.Width, desc.Height)
	}
	if desc.Format.BytesPerTexel() == 0 {
		return desc, memutils.Precondition("texture %q has format %s, which cannot be uploaded", createInfo.Name, desc.Format)
	}

	if desc.SubresourceCount() > maxTextureSubresources {
		return desc, memutils.Precondition("texture %q has %d subresources, at most %d are supported", createInfo.Name, desc.SubresourceCount(), maxTextureSubresources)
	}

	return desc, nil
}

// CreateTexture places a texture in the heap and uploads data into it. data holds every
// subresource's rows back to back with no padding, ordered by array slice then mip level. The
// upload executes on uploader's copy queue; if dependentQueue is not nil, it waits for the copy on
// the GPU before running later work.
func (m *TextureManager) CreateTexture(uploader *UploadRingBuffer, dependentQueue *CommandQueue, createInfo TextureCreateInfo, data []byte) (TextureHandle, error) {
	desc, err := textureDesc(createInfo)
	if err != nil {
		return TextureHandle{}, err
	}

	if createInfo.Name != "" {
		if _, exists := m.byName.Get(createInfo.Name); exists {
			return TextureHandle{}, memutils.Precondition("a texture named %q already exists", createInfo.Name)
		}
	}

	subresourceCount := desc.SubresourceCount()
	footprints := m.allocator.device.CopyableFootprints(desc, 0, subresourceCount, 0)

	expected := 0
	for index := range footprints.Layouts {
		expected += int(footprints.RowSizes[index]) * int(footprints.NumRows[index]) * int(footprints.Layouts[index].Footprint.Depth)
	}
	if len(data) != expected {
		return TextureHandle{}, memutils.Precondition("texture %q needs %d bytes of data, got %d", createInfo.Name, expected, len(data))
	}

	m.logger.Debug("TextureManager::CreateTexture",
		slog.String("Name", createInfo.Name),
		slog.String("Format", desc.Format.String()),
		slog.Int("Width", int(desc.Width)),
		slog.Int("Height", int(desc.Height)),
		slog.Int("Subresources", int(subresourceCount)),
	)

	resource, err := m.heap.CreateResource(desc, driver.ResourceStateCommon, false)
	if err != nil {
		return TextureHandle{}, errors.Wrapf(err, "failed to place texture %q", createInfo.Name)
	}
	if createInfo.Name != "" {
		resource.SetName(createInfo.Name)
	}

	err = m.upload(uploader, dependentQueue, resource, footprints, data)
	if err != nil {
		_ = resource.Destroy()
		return TextureHandle{}, errors.Wrapf(err, "failed to upload texture %q", createInfo.Name)
	}

	texture := &Texture{
		Name:     createInfo.Name,
		Desc:     desc,
		Resource: resource,
	}
	handle := TextureHandle{handle: m.textures.Insert(texture)}
	if createInfo.Name != "" {
		m.byName.Put(createInfo.Name, handle)
	}

	return handle, nil
}

func (m *TextureManager) upload(uploader *UploadRingBuffer, dependentQueue *CommandQueue, resource *Resource, footprints driver.CopyableFootprints, data []byte) error {
	upload, err := uploader.Allocate(int(footprints.TotalBytes))
	if err != nil {
		return err
	}

	staging, err := upload.SubResource.Resource()
	if err != nil {
		return err
	}

	dataOffset := 0
	for index, layout := range footprints.Layouts {
		rowSize := int(footprints.RowSizes[index])
		rows := int(footprints.NumRows[index]) * int(layout.Footprint.Depth)
		stagingOffset := int(layout.Offset)

		for row := 0; row < rows; row++ {
			err = upload.SubResource.CopyToOffsetFrom(stagingOffset, data[dataOffset:dataOffset+rowSize])
			if err != nil {
				return err
			}

			dataOffset += rowSize
			stagingOffset += int(layout.Footprint.RowPitch)
		}
	}

	for index, layout := range footprints.Layouts {
		layout.Offset += uint64(upload.SubResource.Offset)

		upload.CommandList.CopyTextureRegion(driver.TextureCopyLocation{
			Resource:         resource.Native(),
			Type:             driver.TextureCopyTypeSubresourceIndex,
			SubresourceIndex: uint32(index),
		}, 0, 0, 0, driver.TextureCopyLocation{
			Resource:        staging.Native(),
			Type:            driver.TextureCopyTypePlacedFootprint,
			PlacedFootprint: layout,
		})
	}

	_, err = upload.Submit(dependentQueue)
	return err
}

// Texture resolves a handle
func (m *TextureManager) Texture(handle TextureHandle) (*Texture, error) {
	texture, ok := m.textures.Get(handle.handle)
	if !ok {
		return nil, memutils.InvalidHandle("%s does not refer to a live texture", handle)
	}

	return texture, nil
}

// TextureByName returns the handle of the texture created with name
func (m *TextureManager) TextureByName(name string) (TextureHandle, bool) {
	return m.byName.Get(name)
}

// ShaderResourceView returns the texture's shader resource view, creating it on first use
func (m *TextureManager) ShaderResourceView(handle TextureHandle) (DescriptorHandle, error) {
	texture, err := m.Texture(handle)
	if err != nil {
		return DescriptorHandle{}, err
	}
	if texture.hasSRV {
		return texture.srv, nil
	}

	descriptor, err := m.descriptors.Allocate(DescriptorKindResource)
	if err != nil {
		return DescriptorHandle{}, err
	}
	cpuHandle, err := m.descriptors.CPUHandle(descriptor)
	if err != nil {
		_ = m.descriptors.Free(descriptor)
		return DescriptorHandle{}, err
	}

	m.allocator.device.CreateShaderResourceView(texture.Resource.Native(), &driver.ShaderResourceViewDesc{
		Format:    texture.Desc.Format,
		Dimension: texture.Desc.Dimension,
		MipLevels: uint32(texture.Desc.MipLevels),
	}, cpuHandle)

	texture.srv = descriptor
	texture.hasSRV = true
	return descriptor, nil
}

// RenderTargetView returns the texture's render target view, creating it on first use. The texture
// must have been created with driver.ResourceFlagAllowRenderTarget.
func (m *TextureManager) RenderTargetView(handle TextureHandle) (DescriptorHandle, error) {
	texture, err := m.Texture(handle)
	if err != nil {
		return DescriptorHandle{}, err
	}
	if texture.hasRTV {
		return texture.rtv, nil
	}
	if texture.Desc.Flags&driver.ResourceFlagAllowRenderTarget == 0 {
		return DescriptorHandle{}, memutils.Precondition("texture %q was not created as a render target", texture.Name)
	}

	descriptor, err := m.descriptors.Allocate(DescriptorKindRenderTargetView)
	if err != nil {
		return DescriptorHandle{}, err
	}
	cpuHandle, err := m.descriptors.CPUHandle(descriptor)
	if err != nil {
		_ = m.descriptors.Free(descriptor)
		return DescriptorHandle{}, err
	}

	m.allocator.device.CreateRenderTargetView(texture.Resource.Native(), &driver.RenderTargetViewDesc{
		Format:    texture.Desc.Format,
		Dimension: texture.Desc.Dimension,
	}, cpuHandle)

	texture.rtv = descriptor
	texture.hasRTV = true
	return descriptor, nil
}

func (m *TextureManager) releaseTexture(texture *Texture) error {
	var err error
	if texture.hasSRV {
		err = errors.CombineErrors(err, m.descriptors.Free(texture.srv))
		texture.hasSRV = false
	}
	if texture.hasRTV {
		err = errors.CombineErrors(err, m.descriptors.Free(texture.rtv))
		texture.hasRTV = false
	}

	return errors.CombineErrors(err, texture.Resource.Destroy())
}

// ReleaseTexture frees the texture's views and destroys its resource. The handle stops resolving.
func (m *TextureManager) ReleaseTexture(handle TextureHandle) error {
	texture, ok := m.textures.Remove(handle.handle)
	if !ok {
		return memutils.InvalidHandle("%s does not refer to a live texture", handle)
	}
	if texture.Name != "" {
		m.byName.Delete(texture.Name)
	}

	m.logger.Debug("TextureManager::ReleaseTexture", slog.String("Name", texture.Name))
	return m.releaseTexture(texture)
}

// Destroy releases every texture and the texture heap
func (m *TextureManager) Destroy() error {
	var err error
	m.textures.Each(func(handle arena.Handle, texture *Texture) bool {
		err = errors.CombineErrors(err, m.releaseTexture(texture))
		return true
	})

	m.textures = arena.New[*Texture](0)
	m.byName = swiss.NewMap[string, TextureHandle](16)

	return errors.CombineErrors(err, m.heap.Destroy())
}
