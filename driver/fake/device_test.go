package fake_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
)

type countingEvent struct {
	signals int
}

func (e *countingEvent) Signal() error {
	e.signals++
	return nil
}

func newCopyList(t *testing.T, device *fake.Device) (driver.CommandAllocator, driver.CommandList) {
	allocator, err := device.CreateCommandAllocator(driver.CommandListTypeCopy)
	require.NoError(t, err)
	list, err := device.CreateCommandList(driver.CommandListTypeCopy, allocator)
	require.NoError(t, err)
	return allocator, list
}

func TestCopyBufferRegion(t *testing.T) {
	device := fake.NewDevice()

	src, err := device.CreateCommittedResource(driver.HeapTypeUpload, driver.BufferDesc(16), driver.ResourceStateGenericRead)
	require.NoError(t, err)
	dst, err := device.CreateCommittedResource(driver.HeapTypeDefault, driver.BufferDesc(16), driver.ResourceStateCopyDest)
	require.NoError(t, err)

	mapped, err := src.Map(0)
	require.NoError(t, err)
	copy(mapped, []byte("0123456789abcdef"))

	_, err = dst.Map(0)
	require.Error(t, err)

	queue, err := device.CreateCommandQueue(driver.CommandListTypeCopy)
	require.NoError(t, err)
	_, list := newCopyList(t, device)
	list.CopyBufferRegion(dst, 4, src, 10, 6)
	require.NoError(t, list.Close())

	queue.ExecuteCommandLists(list)
	require.Equal(t, []byte("\x00\x00\x00\x00abcdef\x00\x00\x00\x00\x00\x00"), dst.(*fake.Resource).Contents())
	require.NoError(t, device.RemovedReason())
}

func TestFenceEvents(t *testing.T) {
	device := fake.NewDevice(fake.WithManualExecution())

	queue, err := device.CreateCommandQueue(driver.CommandListTypeDirect)
	require.NoError(t, err)
	fence, err := device.CreateFence(5)
	require.NoError(t, err)

	already := &countingEvent{}
	require.NoError(t, fence.SetEventOnCompletion(5, already))
	require.Equal(t, 1, already.signals)

	later := &countingEvent{}
	require.NoError(t, fence.SetEventOnCompletion(7, later))
	require.NoError(t, queue.Signal(fence, 6))
	require.NoError(t, queue.Signal(fence, 7))
	require.Equal(t, uint64(5), fence.CompletedValue())

	device.Flush()
	require.Equal(t, uint64(7), fence.CompletedValue())
	require.Equal(t, 1, later.signals)
}

func TestQueueWaitBlocksUntilSignalled(t *testing.T) {
	device := fake.NewDevice(fake.WithManualExecution())

	producer, err := device.CreateCommandQueue(driver.CommandListTypeCopy)
	require.NoError(t, err)
	consumer, err := device.CreateCommandQueue(driver.CommandListTypeDirect)
	require.NoError(t, err)

	producerFence, err := device.CreateFence(0)
	require.NoError(t, err)
	consumerFence, err := device.CreateFence(0)
	require.NoError(t, err)

	require.NoError(t, consumer.Wait(producerFence, 1))
	require.NoError(t, consumer.Signal(consumerFence, 1))

	device.FlushQueue(consumer)
	require.Equal(t, uint64(0), consumerFence.CompletedValue())
	require.Equal(t, 2, consumer.(*fake.CommandQueue).Pending())

	require.NoError(t, producer.Signal(producerFence, 1))
	device.FlushQueue(consumer)
	require.Equal(t, uint64(0), consumerFence.CompletedValue())

	device.Flush()
	require.Equal(t, uint64(1), producerFence.CompletedValue())
	require.Equal(t, uint64(1), consumerFence.CompletedValue())
}

func TestAllocatorResetWhileInFlight(t *testing.T) {
	device := fake.NewDevice(fake.WithManualExecution())

	queue, err := device.CreateCommandQueue(driver.CommandListTypeCopy)
	require.NoError(t, err)
	allocator, list := newCopyList(t, device)
	require.NoError(t, list.Close())

	queue.ExecuteCommandLists(list)
	require.Error(t, allocator.Reset())

	device.Flush()
	require.NoError(t, allocator.Reset())
	require.NoError(t, list.Reset(allocator))
	require.Error(t, list.Reset(allocator))
}

func TestExecuteRecordingListRemovesDevice(t *testing.T) {
	device := fake.NewDevice()

	queue, err := device.CreateCommandQueue(driver.CommandListTypeCopy)
	require.NoError(t, err)
	_, list := newCopyList(t, device)

	queue.ExecuteCommandLists(list)
	require.ErrorIs(t, device.RemovedReason(), fake.ErrDeviceRemoved)

	_, err = device.CreateFence(0)
	require.ErrorIs(t, err, fake.ErrDeviceRemoved)
}

func TestPlacedResourceBounds(t *testing.T) {
	device := fake.NewDevice()

	heap, err := device.CreateHeap(driver.HeapDesc{SizeInBytes: 1 << 20, Type: driver.HeapTypeDefault})
	require.NoError(t, err)

	info := device.ResourceAllocationInfo(driver.BufferDesc(600 * 1024))
	require.Equal(t, uint64(640*1024), info.SizeInBytes)
	require.Equal(t, uint64(driver.DefaultResourcePlacementAlignment), info.Alignment)

	first, err := device.CreatePlacedResource(heap, 0, driver.BufferDesc(600*1024), driver.ResourceStateCommon)
	require.NoError(t, err)
	second, err := device.CreatePlacedResource(heap, 640*1024, driver.BufferDesc(300*1024), driver.ResourceStateCommon)
	require.NoError(t, err)
	require.Equal(t, first.GPUVirtualAddress()+640*1024, second.GPUVirtualAddress())

	_, err = device.CreatePlacedResource(heap, 640*1024, driver.BufferDesc(500*1024), driver.ResourceStateCommon)
	require.Error(t, err)
	_, err = device.CreatePlacedResource(heap, 100, driver.BufferDesc(16), driver.ResourceStateCommon)
	require.Error(t, err)
}

func TestCopyableFootprints(t *testing.T) {
	device := fake.NewDevice()

	desc := driver.Texture2DDesc(driver.FormatR8G8B8A8Unorm, 100, 4, 2, driver.ResourceFlagNone)
	require.Equal(t, uint32(2), desc.SubresourceCount())

	footprints := device.CopyableFootprints(desc, 0, 2, 0)
	require.Len(t, footprints.Layouts, 2)

	require.Equal(t, uint64(0), footprints.Layouts[0].Offset)
	require.Equal(t, uint32(512), footprints.Layouts[0].Footprint.RowPitch)
	require.Equal(t, uint64(400), footprints.RowSizes[0])
	require.Equal(t, uint32(4), footprints.NumRows[0])

	require.Equal(t, uint64(2048), footprints.Layouts[1].Offset)
	require.Equal(t, uint32(50), footprints.Layouts[1].Footprint.Width)
	require.Equal(t, uint32(2), footprints.NumRows[1])
	require.Equal(t, uint64(2048+256+200), footprints.TotalBytes)
}

func TestCopyTextureRegion(t *testing.T) {
	device := fake.NewDevice()

	desc := driver.Texture2DDesc(driver.FormatR8Unorm, 4, 2, 1, driver.ResourceFlagNone)
	texture, err := device.CreateCommittedResource(driver.HeapTypeDefault, desc, driver.ResourceStateCopyDest)
	require.NoError(t, err)

	footprints := device.CopyableFootprints(desc, 0, 1, 0)
	staging, err := device.CreateCommittedResource(driver.HeapTypeUpload, driver.BufferDesc(footprints.TotalBytes), driver.ResourceStateGenericRead)
	require.NoError(t, err)

	mapped, err := staging.Map(0)
	require.NoError(t, err)
	copy(mapped[0:4], []byte{1, 2, 3, 4})
	copy(mapped[256:260], []byte{5, 6, 7, 8})
	staging.Unmap(0)

	queue, err := device.CreateCommandQueue(driver.CommandListTypeCopy)
	require.NoError(t, err)
	_, list := newCopyList(t, device)
	list.CopyTextureRegion(driver.TextureCopyLocation{
		Resource:         texture,
		Type:             driver.TextureCopyTypeSubresourceIndex,
		SubresourceIndex: 0,
	}, 0, 0, 0, driver.TextureCopyLocation{
		Resource:        staging,
		Type:            driver.TextureCopyTypePlacedFootprint,
		PlacedFootprint: footprints.Layouts[0],
	})
	require.NoError(t, list.Close())
	queue.ExecuteCommandLists(list)
	require.NoError(t, device.RemovedReason())

	contents := texture.(*fake.Resource).Contents()
	require.Equal(t, []byte{1, 2, 3, 4}, contents[0:4])
	require.Equal(t, []byte{5, 6, 7, 8}, contents[256:260])
}

func TestReleaseAccounting(t *testing.T) {
	device := fake.NewDevice()

	heap, err := device.CreateHeap(driver.HeapDesc{SizeInBytes: 1024, Type: driver.HeapTypeUpload})
	require.NoError(t, err)
	fence, err := device.CreateFence(0)
	require.NoError(t, err)
	require.Equal(t, 2, device.LiveObjects())

	heap.Release()
	fence.Release()
	require.Equal(t, 0, device.LiveObjects())
	require.Panics(t, heap.Release)
}

func TestFailNextCreation(t *testing.T) {
	device := fake.NewDevice()
	injected := errors.New("E_OUTOFMEMORY")

	device.FailNextCreation(injected)
	_, err := device.CreateHeap(driver.HeapDesc{SizeInBytes: 1024, Type: driver.HeapTypeDefault})
	require.ErrorIs(t, err, injected)

	_, err = device.CreateHeap(driver.HeapDesc{SizeInBytes: 1024, Type: driver.HeapTypeDefault})
	require.NoError(t, err)
	require.NoError(t, device.RemovedReason())
}
