package driver

import "fmt"

const (
	// TextureDataPlacementAlignment is the alignment required for the offset of texture data within
	// an upload buffer
	TextureDataPlacementAlignment = 512
	// TextureDataPitchAlignment is the alignment required for the row pitch of texture data within
	// an upload buffer
	TextureDataPitchAlignment = 256
	// DefaultResourcePlacementAlignment is the alignment of placed buffers and most placed textures
	DefaultResourcePlacementAlignment = 65536
)

// CommandListType identifies the kind of work a command queue, allocator, or list accepts
type CommandListType uint32

const (
	CommandListTypeDirect CommandListType = iota
	CommandListTypeBundle
	CommandListTypeCompute
	CommandListTypeCopy
)

var commandListTypeMapping = map[CommandListType]string{
	CommandListTypeDirect:  "Direct",
	CommandListTypeBundle:  "Bundle",
	CommandListTypeCompute: "Compute",
	CommandListTypeCopy:    "Copy",
}

func (t CommandListType) String() string {
	name, ok := commandListTypeMapping[t]
	if !ok {
		return fmt.Sprintf("CommandListType(%d)", uint32(t))
	}
	return name
}

// HeapType determines where heap memory lives and whether the CPU can map it
type HeapType uint32

const (
	HeapTypeDefault HeapType = iota + 1
	HeapTypeUpload
	HeapTypeReadback
)

var heapTypeMapping = map[HeapType]string{
	HeapTypeDefault:  "Default",
	HeapTypeUpload:   "Upload",
	HeapTypeReadback: "Readback",
}

func (t HeapType) String() string {
	name, ok := heapTypeMapping[t]
	if !ok {
		return fmt.Sprintf("HeapType(%d)", uint32(t))
	}
	return name
}

// CPUVisible returns true for heap types whose resources can be mapped
func (t HeapType) CPUVisible() bool {
	return t == HeapTypeUpload || t == HeapTypeReadback
}

type HeapDesc struct {
	SizeInBytes uint64
	Type        HeapType
	Alignment   uint64
}

type ResourceDimension uint32

const (
	ResourceDimensionUnknown ResourceDimension = iota
	ResourceDimensionBuffer
	ResourceDimensionTexture1D
	ResourceDimensionTexture2D
	ResourceDimensionTexture3D
)

type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowRenderTarget    ResourceFlags = 0x1
	ResourceFlagAllowDepthStencil    ResourceFlags = 0x2
	ResourceFlagAllowUnorderedAccess ResourceFlags = 0x4
)

// ResourceDesc describes a buffer or texture. Buffers use Width as their size in bytes, Height 1,
// DepthOrArraySize 1, MipLevels 1, and FormatUnknown.
type ResourceDesc struct {
	Dimension        ResourceDimension
	Alignment        uint64
	Width            uint64
	Height           uint32
	DepthOrArraySize uint16
	MipLevels        uint16
	Format           Format
	Flags            ResourceFlags
}

// BufferDesc returns the description of a plain buffer of size bytes
func BufferDesc(size uint64) ResourceDesc {
	return ResourceDesc{
		Dimension:        ResourceDimensionBuffer,
		Width:            size,
		Height:           1,
		DepthOrArraySize: 1,
		MipLevels:        1,
		Format:           FormatUnknown,
	}
}

// Texture2DDesc returns the description of a single 2D texture
func Texture2DDesc(format Format, width uint64, height uint32, mipLevels uint16, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{
		Dimension:        ResourceDimensionTexture2D,
		Width:            width,
		Height:           height,
		DepthOrArraySize: 1,
		MipLevels:        mipLevels,
		Format:           format,
		Flags:            flags,
	}
}

// SubresourceCount returns the number of subresources a resource with this description has
func (d ResourceDesc) SubresourceCount() uint32 {
	if d.Dimension == ResourceDimensionBuffer {
		return 1
	}

	arraySize := uint32(d.DepthOrArraySize)
	if d.Dimension == ResourceDimensionTexture3D || arraySize == 0 {
		arraySize = 1
	}
	mips := uint32(d.MipLevels)
	if mips == 0 {
		mips = 1
	}
	return arraySize * mips
}

// ResourceState is the usage state a resource is in on the GPU timeline
type ResourceState uint32

const (
	ResourceStateCommon                  ResourceState = 0
	ResourceStateVertexAndConstantBuffer ResourceState = 0x1
	ResourceStateIndexBuffer             ResourceState = 0x2
	ResourceStateRenderTarget            ResourceState = 0x4
	ResourceStateDepthWrite              ResourceState = 0x10
	ResourceStatePixelShaderResource     ResourceState = 0x80
	ResourceStateCopyDest                ResourceState = 0x400
	ResourceStateCopySource              ResourceState = 0x800
	ResourceStateGenericRead             ResourceState = 0xac3
)

// ResourceAllocationInfo reports how much heap space a resource needs and how its placement must be aligned
type ResourceAllocationInfo struct {
	SizeInBytes uint64
	Alignment   uint64
}

type DescriptorHeapType uint32

const (
	DescriptorHeapTypeCBVSRVUAV DescriptorHeapType = iota
	DescriptorHeapTypeSampler
	DescriptorHeapTypeRTV
	DescriptorHeapTypeDSV
)

var descriptorHeapTypeMapping = map[DescriptorHeapType]string{
	DescriptorHeapTypeCBVSRVUAV: "CBV_SRV_UAV",
	DescriptorHeapTypeSampler:   "Sampler",
	DescriptorHeapTypeRTV:       "RTV",
	DescriptorHeapTypeDSV:       "DSV",
}

func (t DescriptorHeapType) String() string {
	name, ok := descriptorHeapTypeMapping[t]
	if !ok {
		return fmt.Sprintf("DescriptorHeapType(%d)", uint32(t))
	}
	return name
}

type DescriptorHeapFlags uint32

const (
	DescriptorHeapFlagNone          DescriptorHeapFlags = 0
	DescriptorHeapFlagShaderVisible DescriptorHeapFlags = 0x1
)

type DescriptorHeapDesc struct {
	Type           DescriptorHeapType
	NumDescriptors uint32
	Flags          DescriptorHeapFlags
}

// CPUDescriptorHandle addresses a descriptor from the CPU side
type CPUDescriptorHandle struct {
	Ptr uintptr
}

// Offset returns the handle count descriptors past this one, for descriptors that are stride bytes apart
func (h CPUDescriptorHandle) Offset(count, stride uint32) CPUDescriptorHandle {
	return CPUDescriptorHandle{Ptr: h.Ptr + uintptr(count)*uintptr(stride)}
}

// GPUDescriptorHandle addresses a descriptor in a shader-visible heap from the GPU side
type GPUDescriptorHandle struct {
	Ptr uint64
}

// Offset returns the handle count descriptors past this one, for descriptors that are stride bytes apart
func (h GPUDescriptorHandle) Offset(count, stride uint32) GPUDescriptorHandle {
	return GPUDescriptorHandle{Ptr: h.Ptr + uint64(count)*uint64(stride)}
}

type GPUVirtualAddress uint64

// SubresourceFootprint is the layout of one subresource's texels inside a buffer
type SubresourceFootprint struct {
	Format   Format
	Width    uint32
	Height   uint32
	Depth    uint32
	RowPitch uint32
}

// PlacedSubresourceFootprint is a SubresourceFootprint at an offset within a buffer
type PlacedSubresourceFootprint struct {
	Offset    uint64
	Footprint SubresourceFootprint
}

// CopyableFootprints describes how to lay out a range of a texture's subresources in a buffer
type CopyableFootprints struct {
	Layouts    []PlacedSubresourceFootprint
	NumRows    []uint32
	RowSizes   []uint64
	TotalBytes uint64
}

type TextureCopyType uint32

const (
	TextureCopyTypeSubresourceIndex TextureCopyType = iota
	TextureCopyTypePlacedFootprint
)

// TextureCopyLocation identifies either a texture subresource or a footprint within a buffer
type TextureCopyLocation struct {
	Resource         Resource
	Type             TextureCopyType
	SubresourceIndex uint32
	PlacedFootprint  PlacedSubresourceFootprint
}

type VertexBufferView struct {
	BufferLocation GPUVirtualAddress
	SizeInBytes    uint32
	StrideInBytes  uint32
}

type IndexBufferView struct {
	BufferLocation GPUVirtualAddress
	SizeInBytes    uint32
	Format         Format
}

type ShaderResourceViewDesc struct {
	Format          Format
	Dimension       ResourceDimension
	MostDetailedMip uint32
	MipLevels       uint32
}

type RenderTargetViewDesc struct {
	Format    Format
	Dimension ResourceDimension
	MipSlice  uint32
}
