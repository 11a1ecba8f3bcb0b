//go:build !debug_mem_utils

package memutils

// DebugMargin is the number of marker bytes written after every ring allocation. Without the
// debug_mem_utils build tag, no markers are written.
const DebugMargin int = 0

// ValidateMagicValue always reports an intact marker without the debug_mem_utils build tag
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// WriteMagicValue does nothing without the debug_mem_utils build tag
func WriteMagicValue(data []byte, offset int) {
}

// DebugValidate does nothing without the debug_mem_utils build tag
func DebugValidate(validatable Validatable) {
}
