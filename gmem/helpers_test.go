package gmem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyAllocator(t *testing.T, options ...fake.Option) (*fake.Device, *Allocator) {
	device := fake.NewDevice(options...)
	allocator := New(testLogger(), device, CreateOptions{})
	require.NotNil(t, allocator)

	return device, allocator
}

func fillPattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for index := range data {
		data[index] = seed + byte(index*7)
	}
	return data
}
