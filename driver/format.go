package driver

import "fmt"

// Format is a texel or index format
type Format uint32

const (
	FormatUnknown Format = iota
	FormatR8Unorm
	FormatR16Uint
	FormatR32Uint
	FormatR32Float
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8UnormSRGB
	FormatB8G8R8A8Unorm
	FormatD32Float
	FormatR16G16B16A16Float
	FormatR32G32B32Float
	FormatR32G32B32A32Float
)

type formatInfo struct {
	name          string
	bytesPerTexel uint32
}

var formatMapping = map[Format]formatInfo{
	FormatUnknown:           {"Unknown", 0},
	FormatR8Unorm:           {"R8_UNORM", 1},
	FormatR16Uint:           {"R16_UINT", 2},
	FormatR32Uint:           {"R32_UINT", 4},
	FormatR32Float:          {"R32_FLOAT", 4},
	FormatR8G8B8A8Unorm:     {"R8G8B8A8_UNORM", 4},
	FormatR8G8B8A8UnormSRGB: {"R8G8B8A8_UNORM_SRGB", 4},
	FormatB8G8R8A8Unorm:     {"B8G8R8A8_UNORM", 4},
	FormatD32Float:          {"D32_FLOAT", 4},
	FormatR16G16B16A16Float: {"R16G16B16A16_FLOAT", 8},
	FormatR32G32B32Float:    {"R32G32B32_FLOAT", 12},
	FormatR32G32B32A32Float: {"R32G32B32A32_FLOAT", 16},
}

func (f Format) String() string {
	info, ok := formatMapping[f]
	if !ok {
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
	return info.name
}

// BytesPerTexel returns the size of a single texel or index, or 0 for FormatUnknown and formats
// this package does not know
func (f Format) BytesPerTexel() uint32 {
	return formatMapping[f].bytesPerTexel
}

// IsDepth returns true for depth-stencil formats
func (f Format) IsDepth() bool {
	return f == FormatD32Float
}
