package gmem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"github.com/vkngwrapper/gpustage/memutils"
)

type textureFixture struct {
	device      *fake.Device
	allocator   *Allocator
	descriptors *DescriptorManager
	ring        *UploadRingBuffer
	direct      *CommandQueue
	textures    *TextureManager
}

func newTextureFixture(t *testing.T) *textureFixture {
	device, allocator := readyAllocator(t)

	descriptors, err := NewDescriptorManager(testLogger(), device, DescriptorManagerCreateInfo{ResourceViewCount: 64, RenderTargetViewCount: 8, DepthStencilViewCount: 8})
	require.NoError(t, err)
	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 256 * 1024, SubmissionCount: 4})
	require.NoError(t, err)
	direct, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)
	textures, err := NewTextureManager(allocator, descriptors, TextureManagerCreateInfo{HeapSize: 4 * 1024 * 1024})
	require.NoError(t, err)

	return &textureFixture{
		device:      device,
		allocator:   allocator,
		descriptors: descriptors,
		ring:        ring,
		direct:      direct,
		textures:    textures,
	}
}

func (f *textureFixture) destroy(t *testing.T) {
	require.NoError(t, f.textures.Destroy())
	require.NoError(t, f.ring.Destroy())
	f.direct.Close()
	f.descriptors.Destroy()
	require.NoError(t, f.allocator.Destroy())
	require.Equal(t, 0, f.device.LiveObjects())
}

// textureContents lays out tightly packed texel rows the way the device stores the texture
func textureContents(device *fake.Device, desc driver.ResourceDesc, data []byte) []byte {
	footprints := device.CopyableFootprints(desc, 0, desc.SubresourceCount(), 0)
	contents := make([]byte, footprints.TotalBytes)

	dataOffset := 0
	for index, layout := range footprints.Layouts {
		rowSize := int(footprints.RowSizes[index])
		rows := int(footprints.NumRows[index]) * int(layout.Footprint.Depth)
		for row := 0; row < rows; row++ {
			start := int(layout.Offset) + row*int(layout.Footprint.RowPitch)
			copy(contents[start:start+rowSize], data[dataOffset:dataOffset+rowSize])
			dataOffset += rowSize
		}
	}

	return contents
}

func TestTextureManagerCreateTexture(t *testing.T) {
	f := newTextureFixture(t)

	createInfo := TextureCreateInfo{
		Name:      "albedo",
		Dimension: driver.ResourceDimensionTexture2D,
		Format:    driver.FormatR8G8B8A8Unorm,
		Width:     100,
		Height:    10,
		MipLevels: 2,
	}
	// 100x10 and 50x5 RGBA8
	data := fillPattern(100*10*4+50*5*4, 5)

	_, err := f.textures.CreateTexture(f.ring, f.direct, createInfo, data[:len(data)-1])
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)
	require.Equal(t, 0, f.textures.TextureCount())

	handle, err := f.textures.CreateTexture(f.ring, f.direct, createInfo, data)
	require.NoError(t, err)
	require.NoError(t, f.direct.WaitForIdle())
	require.NoError(t, f.device.RemovedReason())

	byName, ok := f.textures.TextureByName("albedo")
	require.True(t, ok)
	require.Equal(t, handle, byName)

	texture, err := f.textures.Texture(handle)
	require.NoError(t, err)
	require.Equal(t, "albedo", texture.Resource.Name())
	require.Equal(t, uint16(1), texture.Desc.DepthOrArraySize)
	heap, offset := texture.Resource.Heap()
	require.Same(t, f.textures.Heap(), heap)
	require.Zero(t, offset%driver.DefaultResourcePlacementAlignment)

	native := texture.Resource.Native().(*fake.Resource)
	require.Equal(t, textureContents(f.device, texture.Desc, data), native.Contents())

	_, err = f.textures.CreateTexture(f.ring, f.direct, createInfo, data)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	srv, err := f.textures.ShaderResourceView(handle)
	require.NoError(t, err)
	again, err := f.textures.ShaderResourceView(handle)
	require.NoError(t, err)
	require.Equal(t, srv, again)

	cpuHandle, err := f.descriptors.CPUHandle(srv)
	require.NoError(t, err)
	view, ok := f.device.View(cpuHandle)
	require.True(t, ok)
	require.Equal(t, fake.ViewShaderResource, view.Kind)
	require.Equal(t, driver.FormatR8G8B8A8Unorm, view.Format)
	require.Same(t, native, view.Resource)

	_, err = f.textures.RenderTargetView(handle)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	require.NoError(t, f.textures.ReleaseTexture(handle))
	_, err = f.textures.Texture(handle)
	require.ErrorIs(t, err, memutils.InvalidHandleError)
	require.ErrorIs(t, f.textures.ReleaseTexture(handle), memutils.InvalidHandleError)
	_, ok = f.textures.TextureByName("albedo")
	require.False(t, ok)
	require.True(t, native.Released())

	stats, err := f.descriptors.Statistics(DescriptorKindResource)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Live)
	require.Equal(t, 1, stats.HighWater)

	f.destroy(t)
}

func TestTextureManagerRenderTargets(t *testing.T) {
	f := newTextureFixture(t)

	createInfo := TextureCreateInfo{
		Name:      "shadow",
		Dimension: driver.ResourceDimensionTexture2D,
		Format:    driver.FormatR32Float,
		Width:     16,
		Height:    16,
		Flags:     driver.ResourceFlagAllowRenderTarget,
	}
	handle, err := f.textures.CreateTexture(f.ring, nil, createInfo, make([]byte, 16*16*4))
	require.NoError(t, err)

	rtv, err := f.textures.RenderTargetView(handle)
	require.NoError(t, err)
	require.Equal(t, DescriptorKindRenderTargetView, rtv.Kind)
	again, err := f.textures.RenderTargetView(handle)
	require.NoError(t, err)
	require.Equal(t, rtv, again)

	cpuHandle, err := f.descriptors.CPUHandle(rtv)
	require.NoError(t, err)
	view, ok := f.device.View(cpuHandle)
	require.True(t, ok)
	require.Equal(t, fake.ViewRenderTarget, view.Kind)
	require.Equal(t, driver.FormatR32Float, view.Format)

	_, err = f.textures.ShaderResourceView(handle)
	require.NoError(t, err)

	// Destroy frees the views of textures that were never released
	f.destroy(t)
	_, err = f.descriptors.CPUHandle(rtv)
	require.ErrorIs(t, err, memutils.InvalidHandleError)
}

func TestTextureManagerLayouts(t *testing.T) {
	f := newTextureFixture(t)

	volume := TextureCreateInfo{
		Dimension:        driver.ResourceDimensionTexture3D,
		Format:           driver.FormatR8Unorm,
		Width:            4,
		Height:           4,
		DepthOrArraySize: 2,
	}
	volumeData := fillPattern(4*4*2, 9)
	handle, err := f.textures.CreateTexture(f.ring, nil, volume, volumeData)
	require.NoError(t, err)
	texture, err := f.textures.Texture(handle)
	require.NoError(t, err)
	require.Equal(t, textureContents(f.device, texture.Desc, volumeData), texture.Resource.Native().(*fake.Resource).Contents())

	line := TextureCreateInfo{
		Dimension:        driver.ResourceDimensionTexture1D,
		Format:           driver.FormatR16G16B16A16Float,
		Width:            32,
		Height:           500,
		DepthOrArraySize: 3,
	}
	lineData := fillPattern(32*8*3, 1)
	handle, err = f.textures.CreateTexture(f.ring, nil, line, lineData)
	require.NoError(t, err)
	texture, err = f.textures.Texture(handle)
	require.NoError(t, err)
	require.Equal(t, uint32(1), texture.Desc.Height)
	require.Equal(t, textureContents(f.device, texture.Desc, lineData), texture.Resource.Native().(*fake.Resource).Contents())

	require.Equal(t, 2, f.textures.TextureCount())
	f.destroy(t)
}

func TestTextureManagerValidation(t *testing.T) {
	f := newTextureFixture(t)

	invalid := []TextureCreateInfo{
		{Dimension: driver.ResourceDimensionBuffer, Format: driver.FormatR8Unorm, Width: 16, Height: 1},
		{Dimension: driver.ResourceDimensionTexture2D, Format: driver.FormatUnknown, Width: 16, Height: 16},
		{Dimension: driver.ResourceDimensionTexture2D, Format: driver.FormatR8Unorm, Width: 0, Height: 16},
		{Dimension: driver.ResourceDimensionTexture2D, Format: driver.FormatR8Unorm, Width: 2048, Height: 2048, MipLevels: 11},
		{Dimension: driver.ResourceDimensionTexture2D, Format: driver.FormatR8Unorm, Width: 16, Height: 16, DepthOrArraySize: 6, MipLevels: 2},
	}
	for _, createInfo := range invalid {
		_, err := f.textures.CreateTexture(f.ring, nil, createInfo, nil)
		require.ErrorIs(t, err, memutils.PreconditionViolatedError)
	}

	// Larger than the upload ring: the placed texture is destroyed again
	_, err := f.textures.CreateTexture(f.ring, nil, TextureCreateInfo{
		Dimension: driver.ResourceDimensionTexture2D,
		Format:    driver.FormatR8G8B8A8Unorm,
		Width:     512,
		Height:    512,
	}, make([]byte, 512*512*4))
	require.ErrorIs(t, err, memutils.ResourceExhaustedError)
	require.Equal(t, 0, f.textures.TextureCount())
	require.Equal(t, 1, f.allocator.ResourceCount())

	f.destroy(t)
}
